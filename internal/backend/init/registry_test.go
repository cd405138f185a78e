// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package init

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/hashicorp/hcl/v2"
	"github.com/spf13/afero"

	"github.com/opentofu/statestore/internal/backend/inmem"
	"github.com/opentofu/statestore/internal/configs"
	"github.com/opentofu/statestore/internal/statemgr"
	"github.com/opentofu/statestore/internal/statestore"
)

func TestConfigure(t *testing.T) {
	Init()
	dir := t.TempDir()

	cfg := loadConfig(t, `
store "inmem" "default" {}

store "local" "files" {
  path = "`+filepath.ToSlash(filepath.Join(dir, "state"))+`"
}

manager "conversation" {
  store     = "files"
  scope     = "conversation"
  auto_load = true
}

manager "scratch" {
  namespace = "/scratch"
}
`)

	reg, diags := Configure(t.Context(), cfg)
	assertNoDiagnostics(t, diags)
	t.Cleanup(func() {
		_ = reg.Close()
	})
	if err := reg.EnsureReady(t.Context()); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if b, ok := reg.Store("files"); !ok || b.Backend() != "local" {
		t.Fatalf("store %q is not the local store", "files")
	}

	scope := statemgr.Scope{ChannelID: "c1", ConversationID: "v1"}
	r := reg.Resolver(scope)
	m, err := r.Resolve("conversation")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if got, want := m.Namespace(), "/channels/c1/conversations/v1"; got != want {
		t.Errorf("wrong namespace %q, want %q", got, want)
	}
	if err := statemgr.Set(m, "turn", 3); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := r.SaveAll(t.Context()); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	// A new unit of work auto-loads what the first one saved.
	r = reg.Resolver(scope)
	if err := r.AutoLoad(t.Context()); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	m, err = r.Resolve("conversation")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	got, ok, err := statemgr.Get[int](t.Context(), m, "turn")
	if err != nil || !ok || got != 3 {
		t.Errorf("Get() = %d, %t, %v; want 3", got, ok, err)
	}

	scratch, err := r.Resolve("scratch")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if scratch.Namespace() != "/scratch" {
		t.Errorf("wrong namespace %q", scratch.Namespace())
	}
}

func TestConfigureUnknownType(t *testing.T) {
	Init()
	cfg := loadConfig(t, `
store "etcd" "default" {}
`)
	_, diags := Configure(t.Context(), cfg)
	if !diags.HasErrors() || diags[0].Summary != "Unsupported store type" {
		t.Fatalf("wrong diagnostics: %s", diags)
	}
}

func TestConfigureReadOnlyStore(t *testing.T) {
	Init()
	path := filepath.ToSlash(filepath.Join(t.TempDir(), "state"))

	cfg := loadConfig(t, `
store "local" "default" {
  path = "`+path+`"
}

store "local" "mirror" {
  path      = "`+path+`"
  read_only = true
}

manager "writer" {
  namespace = "/shared"
}

manager "reader" {
  store     = "mirror"
  namespace = "/shared"
}
`)
	reg, diags := Configure(t.Context(), cfg)
	assertNoDiagnostics(t, diags)
	t.Cleanup(func() {
		_ = reg.Close()
	})
	if err := reg.EnsureReady(t.Context()); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	r := reg.Resolver(statemgr.Scope{})
	writer, err := r.Resolve("writer")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := statemgr.Set(writer, "k", "v1"); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := writer.SaveChanges(t.Context()); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	reader, err := r.Resolve("reader")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	got, ok, err := statemgr.Get[string](t.Context(), reader, "k")
	if err != nil || !ok || got != "v1" {
		t.Fatalf("Get() = %q, %t, %v; want v1", got, ok, err)
	}

	if err := statemgr.Set(reader, "k", "v2"); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := reader.SaveChanges(t.Context()); !errors.Is(err, statestore.ErrUnsupported) {
		t.Errorf("wrong error saving through a read-only store: %v", err)
	}
	mirror, _ := reg.Store("mirror")
	if err := mirror.DeleteNamespace(t.Context(), "/shared"); !errors.Is(err, statestore.ErrUnsupported) {
		t.Errorf("wrong error dropping through a read-only store: %v", err)
	}

	fresh, err := reg.Resolver(statemgr.Scope{}).Resolve("writer")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if got, _, _ := statemgr.Get[string](t.Context(), fresh, "k"); got != "v1" {
		t.Errorf("record changed to %q through a read-only store", got)
	}
}

func TestConfigureClosesOnError(t *testing.T) {
	Init()
	var closed bool
	Set("closer", func(context.Context, hcl.Body, *hcl.EvalContext) (statemgr.Binding, hcl.Diagnostics) {
		return closeRecorder{Binding: statemgr.Bind[*inmem.Entry](inmem.New(inmem.Config{})), closed: &closed}, nil
	})
	t.Cleanup(Init)

	cfg := loadConfig(t, `
store "closer" "default" {}
store "local" "broken" {
  path = ""
}
`)
	_, diags := Configure(t.Context(), cfg)
	if !diags.HasErrors() {
		t.Fatal("succeeded with a broken store")
	}
	if !closed {
		t.Error("configured store was not closed")
	}
}

type closeRecorder struct {
	statemgr.Binding
	closed *bool
}

func (c closeRecorder) Close() error {
	*c.closed = true
	return c.Binding.Close()
}

func loadConfig(t *testing.T, src string) *configs.Config {
	t.Helper()
	cfg, diags := configs.NewParser(afero.NewMemMapFs()).LoadConfigBytes([]byte(src), "statectl.hcl")
	assertNoDiagnostics(t, diags)
	return cfg
}

func assertNoDiagnostics(t *testing.T, diags hcl.Diagnostics) {
	t.Helper()
	if len(diags) != 0 {
		for _, diag := range diags {
			t.Errorf("- %s", diag)
		}
		t.FailNow()
	}
}
