// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package inmem

import (
	"errors"
	"testing"

	"github.com/opentofu/statestore/internal/statestore"
)

func TestStore_impl(t *testing.T) {
	var _ statestore.Store[*Entry] = new(Store)
}

func TestStore(t *testing.T) {
	statestore.TestStore(t, New(Config{}))
}

func TestStoreSmallBatches(t *testing.T) {
	statestore.TestStore(t, New(Config{BatchSize: 7}))
}

func TestStoreShared(t *testing.T) {
	defer Reset()

	a := New(Config{Name: "shared"})
	b := New(Config{Name: "shared"})
	private := New(Config{})

	e := a.CreateNew("ns", "k")
	statestore.SetValue(e, "hello")
	if err := a.Save(t.Context(), e); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	got, found, err := b.Load(t.Context(), "ns", "k")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !found {
		t.Fatal("record written through one instance is not visible through another")
	}
	if got.ETag() != e.ETag() {
		t.Errorf("etag %q differs from %q", got.ETag(), e.ETag())
	}
	if _, found, _ := private.Load(t.Context(), "ns", "k"); found {
		t.Error("unnamed store sees shared data")
	}
}

func TestStoreBatchIsAtomic(t *testing.T) {
	s := New(Config{})
	existing := s.CreateNew("ns", "b")
	statestore.SetValue(existing, 1)
	if err := s.Save(t.Context(), existing); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	a := s.CreateNew("ns", "a")
	statestore.SetValue(a, 1)
	conflicting := s.CreateNew("ns", "b")
	statestore.SetValue(conflicting, 2)
	err := s.Save(t.Context(), a, conflicting)
	if !errors.Is(err, statestore.ErrAlreadyExists) {
		t.Fatalf("wrong error: %v", err)
	}
	if _, found, _ := s.Load(t.Context(), "ns", "a"); found {
		t.Error("sibling of a conflicting entry was written")
	}
	if a.ETag() != statestore.NoETag {
		t.Errorf("sibling of a conflicting entry got etag %q", a.ETag())
	}
}

func TestStoreSnapshotsValues(t *testing.T) {
	s := New(Config{})
	value := map[string]int{"count": 1}
	e := s.CreateNew("ns", "k")
	statestore.SetValue(e, value)
	if err := s.Save(t.Context(), e); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	value["count"] = 2

	got, _, err := s.Load(t.Context(), "ns", "k")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	v, err := statestore.GetValue[map[string]int](got)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if v["count"] != 1 {
		t.Errorf("stored value changed after save: %v", v)
	}
}
