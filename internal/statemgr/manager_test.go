// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package statemgr

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/opentofu/statestore/internal/backend/inmem"
	"github.com/opentofu/statestore/internal/statestore"
)

type counter struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

// countingStore wraps a store to count calls and inject failures.
type countingStore struct {
	*inmem.Store

	loads     int
	saveErr   error
	deleteErr error
	deleted   [][]string
}

func (s *countingStore) Load(ctx context.Context, namespace, key string) (*inmem.Entry, bool, error) {
	s.loads++
	return s.Store.Load(ctx, namespace, key)
}

func (s *countingStore) Save(ctx context.Context, entries ...*inmem.Entry) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.Store.Save(ctx, entries...)
}

func (s *countingStore) Delete(ctx context.Context, namespace string, keys ...string) error {
	s.deleted = append(s.deleted, keys)
	if s.deleteErr != nil {
		return s.deleteErr
	}
	return s.Store.Delete(ctx, namespace, keys...)
}

func seed(t *testing.T, s statestore.Store[*inmem.Entry], namespace string, values map[string]counter) {
	t.Helper()
	var entries []*inmem.Entry
	for key, v := range values {
		e := s.CreateNew(namespace, key)
		statestore.SetValue(e, v)
		entries = append(entries, e)
	}
	if err := s.Save(t.Context(), entries...); err != nil {
		t.Fatalf("seeding failed: %s", err)
	}
}

func TestManagerGetCaches(t *testing.T) {
	store := &countingStore{Store: inmem.New(inmem.Config{})}
	seed(t, store, "ns", map[string]counter{"a": {ID: "a", Count: 1}})
	m := NewManager[*inmem.Entry](store, "ns")

	for range 3 {
		v, found, err := Get[counter](t.Context(), m, "a")
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if !found || v.Count != 1 {
			t.Fatalf("wrong result: %#v, found=%t", v, found)
		}
	}
	if store.loads != 1 {
		t.Errorf("cached key was loaded %d times", store.loads)
	}

	for range 2 {
		if _, found, err := Get[counter](t.Context(), m, "missing"); err != nil || found {
			t.Fatalf("missing key: found=%t err=%v", found, err)
		}
	}
	if store.loads != 3 {
		t.Errorf("misses are cached: %d loads", store.loads)
	}
	if m.IsDirty("a") {
		t.Error("reading a key marked it dirty")
	}
}

func TestManagerSetAndSave(t *testing.T) {
	store := inmem.New(inmem.Config{})
	m := NewManager[*inmem.Entry](store, "ns")

	if err := Set(m, "a", counter{ID: "a", Count: 1}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !m.IsDirty("a") {
		t.Fatal("set key is not dirty")
	}
	if _, found, _ := store.Load(t.Context(), "ns", "a"); found {
		t.Fatal("Set wrote through to the store")
	}

	if err := m.SaveChanges(t.Context()); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if m.IsDirty("a") {
		t.Error("saved key is still dirty")
	}

	e, found, err := store.Load(t.Context(), "ns", "a")
	if err != nil || !found {
		t.Fatalf("saved key not in store: found=%t err=%v", found, err)
	}
	cached, _, _ := m.Get(t.Context(), "a")
	if cached.ETag() != e.ETag() {
		t.Errorf("cached etag %q, stored etag %q", cached.ETag(), e.ETag())
	}

	// A second save with nothing dirty is a no-op.
	if err := m.SaveChanges(t.Context()); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
}

func TestManagerEmptyKey(t *testing.T) {
	m := NewManager[*inmem.Entry](inmem.New(inmem.Config{}), "ns")
	if err := Set(m, "", 1); !errors.Is(err, statestore.ErrInvalidIdentifier) {
		t.Errorf("wrong error from Set: %v", err)
	}
	if _, _, err := Get[int](t.Context(), m, ""); !errors.Is(err, statestore.ErrInvalidIdentifier) {
		t.Errorf("wrong error from Get: %v", err)
	}
	if err := m.Delete(""); !errors.Is(err, statestore.ErrInvalidIdentifier) {
		t.Errorf("wrong error from Delete: %v", err)
	}
}

func TestManagerLoadIsFirstWriterWins(t *testing.T) {
	store := inmem.New(inmem.Config{})
	seed(t, store, "ns", map[string]counter{
		"a": {ID: "a", Count: 1},
		"b": {ID: "b", Count: 1},
		"c": {ID: "c", Count: 1},
	})
	m := NewManager[*inmem.Entry](store, "ns")

	if err := Set(m, "a", counter{ID: "a", Count: 100}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := m.Delete("b"); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := m.LoadAll(t.Context()); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	a, _, err := Get[counter](t.Context(), m, "a")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if a.Count != 100 {
		t.Errorf("LoadAll replaced a dirty line: count is %d", a.Count)
	}
	if !m.IsDirty("a") {
		t.Error("LoadAll cleared the dirty flag")
	}
	if _, found, _ := Get[counter](t.Context(), m, "b"); found {
		t.Error("LoadAll resurrected a key pending deletion")
	}
	if diff := cmp.Diff([]string{"a", "c"}, m.Keys()); diff != "" {
		t.Errorf("wrong keys\n%s", diff)
	}

	// Load of specific keys follows the same rule.
	if err := m.Load(t.Context(), "a", "b", "c"); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	a, _, _ = Get[counter](t.Context(), m, "a")
	if a.Count != 100 {
		t.Errorf("Load replaced a dirty line: count is %d", a.Count)
	}
}

func TestManagerDelete(t *testing.T) {
	t.Run("loaded key", func(t *testing.T) {
		store := &countingStore{Store: inmem.New(inmem.Config{})}
		seed(t, store, "ns", map[string]counter{"a": {ID: "a"}})
		m := NewManager[*inmem.Entry](store, "ns")
		if _, _, err := m.Get(t.Context(), "a"); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if err := m.Delete("a"); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if _, found, _ := m.Get(t.Context(), "a"); found {
			t.Fatal("deleted key still visible")
		}
		if err := m.SaveChanges(t.Context()); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if _, found, _ := store.Load(t.Context(), "ns", "a"); found {
			t.Error("deleted key still in the store")
		}
		if m.IsPendingDeletion("a") {
			t.Error("line not evicted after delete")
		}
	})
	t.Run("never loaded key", func(t *testing.T) {
		store := &countingStore{Store: inmem.New(inmem.Config{})}
		seed(t, store, "ns", map[string]counter{"a": {ID: "a"}})
		m := NewManager[*inmem.Entry](store, "ns")
		if err := m.Delete("a"); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if _, found, _ := m.Get(t.Context(), "a"); found {
			t.Fatal("deleted key visible before save")
		}
		if store.loads != 0 {
			t.Error("Get of a key pending deletion went to the store")
		}
		if err := m.SaveChanges(t.Context()); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if diff := cmp.Diff([][]string{{"a"}}, store.deleted); diff != "" {
			t.Errorf("wrong deletes\n%s", diff)
		}
		if _, found, _ := store.Load(t.Context(), "ns", "a"); found {
			t.Error("deleted key still in the store")
		}
	})
	t.Run("dirty key", func(t *testing.T) {
		store := &countingStore{Store: inmem.New(inmem.Config{})}
		m := NewManager[*inmem.Entry](store, "ns")
		if err := Set(m, "new", counter{}); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if err := m.Delete("new"); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if m.IsDirty("new") {
			t.Error("deleted key is still dirty")
		}
		if err := m.SaveChanges(t.Context()); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if _, found, _ := store.Load(t.Context(), "ns", "new"); found {
			t.Error("pending write of a deleted key reached the store")
		}
	})
	t.Run("set after delete", func(t *testing.T) {
		store := inmem.New(inmem.Config{})
		seed(t, store, "ns", map[string]counter{"a": {ID: "a", Count: 1}})
		m := NewManager[*inmem.Entry](store, "ns")
		if _, _, err := m.Get(t.Context(), "a"); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if err := m.Delete("a"); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if err := Set(m, "a", counter{ID: "a", Count: 2}); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if err := m.SaveChanges(t.Context()); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		e, _, _ := store.Load(t.Context(), "ns", "a")
		v, _ := statestore.GetValue[counter](e)
		if v.Count != 2 {
			t.Errorf("stored count %d, want 2", v.Count)
		}
	})
	t.Run("set after delete of never loaded key", func(t *testing.T) {
		store := &countingStore{Store: inmem.New(inmem.Config{})}
		seed(t, store, "ns", map[string]counter{"a": {ID: "a", Count: 1}})
		m := NewManager[*inmem.Entry](store, "ns")
		if err := m.Delete("a"); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if err := Set(m, "a", counter{ID: "a", Count: 2}); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if m.IsPendingDeletion("a") {
			t.Error("set did not clear the pending deletion")
		}

		store.deleteErr = errors.New("delete broke")
		if err := m.SaveChanges(t.Context()); !errors.Is(err, store.deleteErr) {
			t.Fatalf("wrong error: %v", err)
		}
		e, _, _ := store.Load(t.Context(), "ns", "a")
		if v, _ := statestore.GetValue[counter](e); v.Count != 1 {
			t.Errorf("record changed by a failed replace: count %d", v.Count)
		}
		if !m.IsDirty("a") {
			t.Error("failed replace cleared the dirty flag")
		}

		store.deleteErr = nil
		if err := m.SaveChanges(t.Context()); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		e, _, _ = store.Load(t.Context(), "ns", "a")
		if v, _ := statestore.GetValue[counter](e); v.Count != 2 {
			t.Errorf("stored count %d, want 2", v.Count)
		}
		if m.IsDirty("a") {
			t.Error("line still dirty after save")
		}
	})
}

func TestManagerSaveChangesRunsBothPhases(t *testing.T) {
	saveErr := &statestore.ConcurrencyViolationError{Namespace: "ns", Key: "a", Expected: "x"}
	deleteErr := errors.New("delete broke")
	store := &countingStore{Store: inmem.New(inmem.Config{}), saveErr: saveErr, deleteErr: deleteErr}
	m := NewManager[*inmem.Entry](store, "ns")

	if err := Set(m, "a", counter{ID: "a"}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := m.Delete("b"); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	err := m.SaveChanges(t.Context())
	if err == nil {
		t.Fatal("SaveChanges succeeded")
	}
	if !errors.Is(err, statestore.ErrConcurrencyViolation) {
		t.Errorf("save failure not reported: %s", err)
	}
	if !errors.Is(err, deleteErr) {
		t.Errorf("delete failure not reported: %s", err)
	}
	if len(store.deleted) != 1 {
		t.Errorf("delete phase ran %d times after a failed save", len(store.deleted))
	}
	if !m.IsDirty("a") {
		t.Error("failed save cleared the dirty flag")
	}
	if !m.IsPendingDeletion("b") {
		t.Error("failed delete evicted the line")
	}

	// Once the store recovers, a retry flushes everything.
	store.saveErr, store.deleteErr = nil, nil
	if err := m.SaveChanges(t.Context()); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if m.IsDirty("a") || m.IsPendingDeletion("b") {
		t.Error("retry did not flush the cache")
	}
}

func TestManagerConcurrentUnitsOfWork(t *testing.T) {
	store := inmem.New(inmem.Config{})
	seed(t, store, "ns", map[string]counter{"x": {ID: "x", Count: 1}})

	first := NewManager[*inmem.Entry](store, "ns")
	second := NewManager[*inmem.Entry](store, "ns")
	for _, m := range []*Manager[*inmem.Entry]{first, second} {
		if err := m.LoadAll(t.Context()); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
	}

	if err := Set(first, "x", counter{ID: "x", Count: 2}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := first.SaveChanges(t.Context()); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if err := Set(second, "x", counter{ID: "x", Count: 3}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := second.SaveChanges(t.Context()); !errors.Is(err, statestore.ErrConcurrencyViolation) {
		t.Fatalf("wrong error for lost update: %v", err)
	}

	// The losing unit of work starts over with fresh state.
	second.Discard()
	v, _, err := Get[counter](t.Context(), second, "x")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if v.Count != 2 {
		t.Errorf("reloaded count %d, want 2", v.Count)
	}
}

func TestManagerInsertOverUnloadedKey(t *testing.T) {
	store := inmem.New(inmem.Config{})
	seed(t, store, "ns", map[string]counter{"x": {ID: "x"}})
	m := NewManager[*inmem.Entry](store, "ns")
	if err := Set(m, "x", counter{ID: "x", Count: 9}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := m.SaveChanges(t.Context()); !errors.Is(err, statestore.ErrAlreadyExists) {
		t.Fatalf("wrong error: %v", err)
	}
}

func TestManagerSetNilRemovesRecord(t *testing.T) {
	store := inmem.New(inmem.Config{})
	seed(t, store, "ns", map[string]counter{"x": {ID: "x"}})
	m := NewManager[*inmem.Entry](store, "ns")
	if _, _, err := m.Get(t.Context(), "x"); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := Set[*counter](m, "x", nil); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if _, found, _ := Get[*counter](t.Context(), m, "x"); found {
		t.Error("key with nil value reported as found")
	}
	if err := m.SaveChanges(t.Context()); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if _, found, _ := store.Load(t.Context(), "ns", "x"); found {
		t.Error("saving a nil value did not remove the record")
	}
}

type preferences struct {
	Theme string `json:"theme"`
}

func TestManagerTypedValues(t *testing.T) {
	store := inmem.New(inmem.Config{})
	m := NewManager[*inmem.Entry](store, "ns")

	if got := TypeKey[*preferences](); got != "preferences" {
		t.Errorf("wrong key %q", got)
	}
	if got := TypeKey[[]string](); got != "[]string" {
		t.Errorf("wrong key for an unnamed type %q", got)
	}

	if _, found, err := GetTyped[preferences](t.Context(), m); err != nil || found {
		t.Fatalf("empty manager: found=%t err=%v", found, err)
	}
	if err := SetTyped(m, preferences{Theme: "dark"}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := SetTyped(m, counter{ID: "c", Count: 3}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := m.SaveChanges(t.Context()); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if diff := cmp.Diff([]string{"counter", "preferences"}, m.Keys()); diff != "" {
		t.Errorf("wrong keys\n%s", diff)
	}
	fresh := NewManager[*inmem.Entry](store, "ns")
	prefs, found, err := GetTyped[preferences](t.Context(), fresh)
	if err != nil || !found {
		t.Fatalf("typed value not stored: found=%t err=%v", found, err)
	}
	if prefs.Theme != "dark" {
		t.Errorf("wrong value %#v", prefs)
	}
	c, _, _ := Get[counter](t.Context(), fresh, "counter")
	if c.Count != 3 {
		t.Errorf("typed value not readable by key: %#v", c)
	}
}
