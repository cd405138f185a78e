// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package statestore_test

import (
	"errors"
	"testing"

	"github.com/opentofu/statestore/internal/backend/inmem"
	"github.com/opentofu/statestore/internal/statestore"
)

func TestAsReadOnly(t *testing.T) {
	underlying := inmem.New(inmem.Config{})
	e := underlying.CreateNew("ns", "k")
	statestore.SetValue(e, "v1")
	if err := underlying.Save(t.Context(), e); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	ro := statestore.AsReadOnly[*inmem.Entry](underlying)
	if again := statestore.AsReadOnly(ro); again != ro {
		t.Error("read-only store was wrapped twice")
	}
	if ro.Backend() != underlying.Backend() {
		t.Errorf("wrong backend %q", ro.Backend())
	}

	got, found, err := ro.Load(t.Context(), "ns", "k")
	if err != nil || !found {
		t.Fatalf("Load() = %v, %t, %v", got, found, err)
	}
	if v, _ := statestore.GetValue[string](got); v != "v1" {
		t.Errorf("wrong value %q", v)
	}

	statestore.SetValue(got, "v2")
	writes := map[string]error{
		"save":             ro.Save(t.Context(), got),
		"delete":           ro.Delete(t.Context(), "ns", "k"),
		"delete namespace": ro.DeleteNamespace(t.Context(), "ns"),
	}
	for op, err := range writes {
		var unsupported *statestore.UnsupportedError
		if !errors.As(err, &unsupported) || !errors.Is(err, statestore.ErrUnsupported) {
			t.Errorf("%s: wrong error %v", op, err)
			continue
		}
		if unsupported.Backend != "inmem" {
			t.Errorf("%s: error names backend %q", op, unsupported.Backend)
		}
	}
	if err := ro.Save(t.Context()); err != nil {
		t.Errorf("empty save failed: %s", err)
	}

	still, _, _ := underlying.Load(t.Context(), "ns", "k")
	if v, _ := statestore.GetValue[string](still); v != "v1" {
		t.Errorf("record changed to %q through a read-only store", v)
	}
}
