// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package init

import (
	"testing"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
)

func TestInit_backend(t *testing.T) {
	// Initialize the backends and backendAliases maps
	Init()

	backends := []struct {
		RequestedName string
		CanonicalName string
	}{
		{"inmem", "inmem"},
		{"memory", "inmem"},
		{"local", "local"},
		{"file", "local"},
		{"dynamodb", "dynamodb"},
		{"s3", "s3"},
		{"gcs", "gcs"},
		{"gs", "gcs"},
		{"azure", "azure"},
		{"azurerm", "azurerm"},
		{"sql", "sql"},
		{"consul", "consul"},
		{"kubernetes", "kubernetes"},
		{"k8s", "kubernetes"},
	}

	// Make sure we get the requested backend
	for _, b := range backends {
		t.Run(b.RequestedName, func(t *testing.T) {
			f, canonName := Backend(b.RequestedName)
			if f == nil {
				t.Fatalf("backend %q is not present; should be", b.RequestedName)
			}
			if b.CanonicalName != canonName {
				t.Errorf("expected canonical name to be %q, but got %q", b.CanonicalName, canonName)
			}
		})
	}

	if f, _ := Backend("nope"); f != nil {
		t.Error("unknown backend type has a factory")
	}
}

// TestInit_backendConsistency ensures that the "backends" and "backendAliases"
// maps are kept consistent with one another, so that:
//   - Every alias maps to a canonical backend name that is actually defined.
//   - No single type name is both an alias _and_ a canonical name.
func TestInit_backendConsistency(t *testing.T) {
	// Initialize the backends and backendAliases maps
	Init()

	backendsLock.Lock()
	defer backendsLock.Unlock()

	for aliasType, canonType := range backendAliases {
		if _, ok := backends[canonType]; !ok {
			t.Errorf("alias %q maps to canonical name %q, but the canonical name is not in the backends map", aliasType, canonType)
		}
		if _, ok := backends[aliasType]; ok {
			t.Errorf("alias map has key %q, which is also a canonical name in the backends map", aliasType)
		}
	}
}

func TestDeprecateBackend(t *testing.T) {
	Init()
	f, _ := Backend("azurerm")

	// The configuration is invalid, which must not hide the warning.
	_, diags := f(t.Context(), parseBody(t, `container_name = "c"`), nil)
	if !diags.HasErrors() {
		t.Fatal("succeeded without a storage account")
	}
	if diags[0].Severity != hcl.DiagWarning {
		t.Fatalf("first diagnostic is not the deprecation warning: %s", diags[0])
	}
}

func TestFactoryInvalidConfig(t *testing.T) {
	Init()
	f, _ := Backend("local")

	_, diags := f(t.Context(), parseBody(t, `unknown = 1`), nil)
	if !diags.HasErrors() {
		t.Fatal("accepted an unknown argument")
	}

	_, diags = f(t.Context(), parseBody(t, `path = ""`), nil)
	if !diags.HasErrors() {
		t.Fatal("accepted an empty path")
	}
	if got, want := diags[0].Summary, "Invalid store configuration"; got != want {
		t.Errorf("wrong summary %q, want %q", got, want)
	}
}

func parseBody(t *testing.T, src string) hcl.Body {
	t.Helper()
	file, diags := hclsyntax.ParseConfig([]byte(src), "test.hcl", hcl.InitialPos)
	if diags.HasErrors() {
		t.Fatal(diags.Error())
	}
	return file.Body
}
