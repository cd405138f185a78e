// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package statestore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

// testRecord is the value type used by [TestStore].
type testRecord struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

// CrazyKeys is a set of keys that every backend must be able to store and
// return unchanged, however it represents them physically.
var CrazyKeys = []string{
	"plain",
	"-!@#$%^&*()~/\\><,.?';\"`~",
	"slashes/in/the/middle/",
	"#hash?query",
	"spaces and\ttabs",
	"ünïcødé-キー-🔑",
	"UPPER-and-lower",
	"upper-AND-LOWER",
	strings.Repeat("long-", 80),
}

// TestStore runs the behaviors that every [Store] implementation must
// share against the given store.
//
// The store must already be ready for use. Each subtest works in its own
// randomly-named namespace and removes it afterwards, so the same backing
// storage can be reused across runs.
func TestStore[E Record](t *testing.T, s Store[E]) {
	t.Helper()

	t.Run("unknown key", func(t *testing.T) {
		ns := testNamespace(t, s)
		_, found, err := s.Load(t.Context(), ns, "nope")
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if found {
			t.Fatal("found a record that was never written")
		}
		got, err := s.LoadKeys(t.Context(), ns, []string{"nope", "still-nope"})
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if len(got) != 0 {
			t.Fatalf("LoadKeys returned %d records for unknown keys", len(got))
		}
		all, err := s.LoadNamespace(t.Context(), ns)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if len(all) != 0 {
			t.Fatalf("LoadNamespace returned %d records for an empty namespace", len(all))
		}
	})

	t.Run("round trip", func(t *testing.T) {
		ns := testNamespace(t, s)
		e := s.CreateNew(ns, "a")
		if e.ETag() != NoETag {
			t.Fatalf("new entry has etag %q", e.ETag())
		}
		want := &testRecord{ID: "a", Count: 1}
		SetValue(e, want)
		if err := s.Save(t.Context(), e); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if e.ETag() == NoETag {
			t.Fatal("saved entry has no etag")
		}

		got, found, err := s.Load(t.Context(), ns, "a")
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if !found {
			t.Fatal("saved record not found")
		}
		if got.ETag() != e.ETag() {
			t.Errorf("loaded etag %q, but save produced %q", got.ETag(), e.ETag())
		}
		if got.Base().IsMaterialized() {
			t.Error("loaded entry was decoded before anyone asked for its value")
		}
		v, err := GetValue[*testRecord](got)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if diff := cmp.Diff(want, v); diff != "" {
			t.Errorf("wrong value\n%s", diff)
		}
		again, err := GetValue[*testRecord](got)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if again != v {
			t.Error("second GetValue returned a different object")
		}
		if _, err := GetValue[string](got); !errors.Is(err, ErrTypeMismatch) {
			t.Errorf("wrong error for mismatched type: %v", err)
		}
	})

	t.Run("crazy keys", func(t *testing.T) {
		ns := testNamespace(t, s) + "/with \\ odd # chars?"
		t.Cleanup(func() { _ = s.DeleteNamespace(context.Background(), ns) })

		var entries []E
		for i, key := range CrazyKeys {
			e := s.CreateNew(ns, key)
			SetValue(e, testRecord{ID: key, Count: i})
			entries = append(entries, e)
		}
		if err := s.Save(t.Context(), entries...); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}

		for i, key := range CrazyKeys {
			got, found, err := s.Load(t.Context(), ns, key)
			if err != nil {
				t.Fatalf("unexpected error loading %q: %s", key, err)
			}
			if !found {
				t.Fatalf("record %q not found", key)
			}
			if got.Key() != key || got.Namespace() != ns {
				t.Errorf("loaded record is addressed as %q/%q, want %q/%q", got.Namespace(), got.Key(), ns, key)
			}
			v, err := GetValue[testRecord](got)
			if err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if diff := cmp.Diff(testRecord{ID: key, Count: i}, v); diff != "" {
				t.Errorf("wrong value for %q\n%s", key, diff)
			}
		}

		all, err := s.LoadNamespace(t.Context(), ns)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if diff := cmp.Diff(slices.Sorted(slices.Values(CrazyKeys)), recordKeys(all)); diff != "" {
			t.Errorf("wrong keys from LoadNamespace\n%s", diff)
		}
	})

	t.Run("concurrent copies", func(t *testing.T) {
		ns := testNamespace(t, s)
		original := s.CreateNew(ns, "x")
		SetValue(original, &testRecord{ID: "x", Count: 1})
		if err := s.Save(t.Context(), original); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}

		copies := make([]E, racingWriters)
		for i := range copies {
			copies[i] = mustLoad(t, s, ns, "x")
			SetValue(copies[i], &testRecord{ID: "x", Count: 2 + i})
		}
		winner, errs := raceSaves(t.Context(), s, copies)
		for i, err := range errs {
			if i != winner && !errors.Is(err, ErrConcurrencyViolation) {
				t.Errorf("copy %d: wrong error: %v", i, err)
			}
		}
		if winner < 0 {
			t.Fatal("no copy was saved")
		}

		v, err := GetValue[*testRecord](mustLoad(t, s, ns, "x"))
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if v.Count != 2+winner {
			t.Errorf("stored count is %d, want the winner's %d", v.Count, 2+winner)
		}
	})

	t.Run("concurrent inserts", func(t *testing.T) {
		ns := testNamespace(t, s)
		entries := make([]E, racingWriters)
		for i := range entries {
			entries[i] = s.CreateNew(ns, "x")
			SetValue(entries[i], &testRecord{ID: "x", Count: i})
		}
		winner, errs := raceSaves(t.Context(), s, entries)
		for i, err := range errs {
			if i != winner && !errors.Is(err, ErrAlreadyExists) {
				t.Errorf("insert %d: wrong error: %v", i, err)
			}
		}
		if winner < 0 {
			t.Fatal("no insert succeeded")
		}

		v, err := GetValue[*testRecord](mustLoad(t, s, ns, "x"))
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if v.Count != winner {
			t.Errorf("stored count is %d, want the winner's %d", v.Count, winner)
		}
	})

	t.Run("stale etag", func(t *testing.T) {
		ns := testNamespace(t, s)
		original := s.CreateNew(ns, "x")
		SetValue(original, &testRecord{ID: "x", Count: 1})
		if err := s.Save(t.Context(), original); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}

		first := mustLoad(t, s, ns, "x")
		second := mustLoad(t, s, ns, "x")

		SetValue(first, &testRecord{ID: "x", Count: 2})
		if err := s.Save(t.Context(), first); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if first.ETag() == original.ETag() {
			t.Fatal("etag did not change on replace")
		}

		SetValue(second, &testRecord{ID: "x", Count: 3})
		err := s.Save(t.Context(), second)
		if !errors.Is(err, ErrConcurrencyViolation) {
			t.Fatalf("wrong error for stale etag: %v", err)
		}

		// The original entry still holds the etag from the first save.
		err = s.Save(t.Context(), original)
		if !errors.Is(err, ErrConcurrencyViolation) {
			t.Fatalf("wrong error for stale original: %v", err)
		}

		v, err := GetValue[*testRecord](mustLoad(t, s, ns, "x"))
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if v.Count != 2 {
			t.Errorf("stored count is %d, want 2", v.Count)
		}
	})

	t.Run("insert conflict", func(t *testing.T) {
		ns := testNamespace(t, s)
		a := s.CreateNew(ns, "k")
		SetValue(a, "first")
		if err := s.Save(t.Context(), a); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		b := s.CreateNew(ns, "k")
		SetValue(b, "second")
		err := s.Save(t.Context(), b)
		if !errors.Is(err, ErrAlreadyExists) {
			t.Fatalf("wrong error for duplicate insert: %v", err)
		}
		if b.ETag() != NoETag {
			t.Errorf("failed insert changed etag to %q", b.ETag())
		}
	})

	t.Run("delete", func(t *testing.T) {
		ns := testNamespace(t, s)
		e := s.CreateNew(ns, "doomed")
		SetValue(e, 42)
		if err := s.Save(t.Context(), e); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		for range 2 {
			if err := s.Delete(t.Context(), ns, "doomed", "never-existed"); err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if _, found, err := s.Load(t.Context(), ns, "doomed"); err != nil || found {
				t.Fatalf("record still present after delete (found=%t, err=%v)", found, err)
			}
		}

		SetValue(e, 43)
		if err := s.Save(t.Context(), e); !errors.Is(err, ErrConcurrencyViolation) {
			t.Fatalf("wrong error replacing a deleted record: %v", err)
		}
	})

	t.Run("save absent value", func(t *testing.T) {
		ns := testNamespace(t, s)
		e := s.CreateNew(ns, "temp")
		SetValue(e, &testRecord{ID: "temp"})
		if err := s.Save(t.Context(), e); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		SetValue[*testRecord](e, nil)
		if !e.Base().IsAbsent() {
			t.Fatal("entry with nil value is not absent")
		}
		if err := s.Save(t.Context(), e); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if _, found, err := s.Load(t.Context(), ns, "temp"); err != nil || found {
			t.Fatalf("record still present after saving absent value (found=%t, err=%v)", found, err)
		}

		ghost := s.CreateNew(ns, "ghost")
		if err := s.Save(t.Context(), ghost); err != nil {
			t.Fatalf("unexpected error saving absent value for missing record: %s", err)
		}
		if _, found, err := s.Load(t.Context(), ns, "ghost"); err != nil || found {
			t.Fatalf("absent value created a record (found=%t, err=%v)", found, err)
		}
	})

	t.Run("namespace isolation", func(t *testing.T) {
		nsA := testNamespace(t, s)
		nsB := testNamespace(t, s)
		a := s.CreateNew(nsA, "shared")
		SetValue(a, "in a")
		b := s.CreateNew(nsB, "shared")
		SetValue(b, "in b")
		if err := s.Save(t.Context(), a, b); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}

		if err := s.DeleteNamespace(t.Context(), nsA); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if _, found, err := s.Load(t.Context(), nsA, "shared"); err != nil || found {
			t.Fatalf("record survived namespace delete (found=%t, err=%v)", found, err)
		}
		got, err := GetValue[string](mustLoad(t, s, nsB, "shared"))
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if got != "in b" {
			t.Errorf("other namespace has %q, want %q", got, "in b")
		}

		if err := s.DeleteNamespace(t.Context(), nsA); err != nil {
			t.Fatalf("deleting an empty namespace failed: %s", err)
		}
	})

	t.Run("batched save", func(t *testing.T) {
		nsA := testNamespace(t, s)
		nsB := testNamespace(t, s)
		const count = DefaultBatchSize + 21
		var entries []E
		var want []string
		for i := range count {
			key := fmt.Sprintf("key-%03d", i)
			e := s.CreateNew(nsA, key)
			SetValue(e, testRecord{ID: key, Count: i})
			entries = append(entries, e)
			want = append(want, key)
			if i%40 == 0 {
				other := s.CreateNew(nsB, key)
				SetValue(other, i)
				entries = append(entries, other)
			}
		}
		if err := s.Save(t.Context(), entries...); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		for _, e := range entries {
			if e.ETag() == NoETag {
				t.Fatalf("entry %q in %q has no etag after save", e.Key(), e.Namespace())
			}
		}

		all, err := s.LoadNamespace(t.Context(), nsA)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if diff := cmp.Diff(want, recordKeys(all)); diff != "" {
			t.Errorf("wrong keys from LoadNamespace\n%s", diff)
		}
		others, err := s.LoadNamespace(t.Context(), nsB)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if len(others) != 4 {
			t.Errorf("second namespace has %d records, want 4", len(others))
		}
	})

	t.Run("load keys", func(t *testing.T) {
		ns := testNamespace(t, s)
		var entries []E
		for _, key := range []string{"a", "b", "c"} {
			e := s.CreateNew(ns, key)
			SetValue(e, key)
			entries = append(entries, e)
		}
		if err := s.Save(t.Context(), entries...); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}

		got, err := s.LoadKeys(t.Context(), ns, []string{"c", "missing", "a", "c"})
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if diff := cmp.Diff([]string{"c", "a"}, recordKeys(got)); diff != "" {
			t.Errorf("wrong keys from LoadKeys\n%s", diff)
		}
	})

	t.Run("invalid identifiers", func(t *testing.T) {
		if _, _, err := s.Load(t.Context(), "", "k"); !errors.Is(err, ErrInvalidIdentifier) {
			t.Errorf("wrong error for empty namespace: %v", err)
		}
		ns := testNamespace(t, s)
		if _, _, err := s.Load(t.Context(), ns, ""); !errors.Is(err, ErrInvalidIdentifier) {
			t.Errorf("wrong error for empty key: %v", err)
		}
		a := s.CreateNew(ns, "dup")
		b := s.CreateNew(ns, "dup")
		if err := s.Save(t.Context(), a, b); !errors.Is(err, ErrInvalidIdentifier) {
			t.Errorf("wrong error for duplicate record in one save: %v", err)
		}
	})
}

// racingWriters is the number of goroutines that race to save the same
// record.
const racingWriters = 8

// raceSaves saves each entry from its own goroutine, all released at once,
// and returns the errors by entry along with the index of the only entry
// that was saved. The index is -1 if none or several were saved.
func raceSaves[E Record](ctx context.Context, s Store[E], entries []E) (int, []error) {
	errs := make([]error, len(entries))
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs[i] = s.Save(ctx, e)
		}()
	}
	close(start)
	wg.Wait()

	winner := -1
	for i, err := range errs {
		if err != nil {
			continue
		}
		if winner >= 0 {
			return -1, errs
		}
		winner = i
	}
	return winner, errs
}

func testNamespace[E Record](t *testing.T, s Store[E]) string {
	t.Helper()
	ns := "statestore-test/" + uuid.NewString()
	t.Cleanup(func() {
		if err := s.DeleteNamespace(context.Background(), ns); err != nil {
			t.Logf("failed to clean up namespace %q: %s", ns, err)
		}
	})
	return ns
}

func mustLoad[E Record](t *testing.T, s Store[E], namespace, key string) E {
	t.Helper()
	e, found, err := s.Load(t.Context(), namespace, key)
	if err != nil {
		t.Fatalf("unexpected error loading %q: %s", key, err)
	}
	if !found {
		t.Fatalf("record %q not found in %q", key, namespace)
	}
	return e
}

func recordKeys[E Record](entries []E) []string {
	ret := make([]string, len(entries))
	for i, e := range entries {
		ret[i] = e.Key()
	}
	return ret
}
