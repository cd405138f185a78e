// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package statestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestGroupByNamespace(t *testing.T) {
	mk := func(ns, key string) *Entry {
		e := NewEntry(ns, key)
		return &e
	}
	entries := []*Entry{
		mk("b", "1"),
		mk("a", "1"),
		mk("b", "2"),
		mk("a", "2"),
		mk("c", "1"),
	}
	groups, err := GroupByNamespace(entries)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	got := map[string][]string{}
	var order []string
	for _, g := range groups {
		order = append(order, g.Namespace)
		got[g.Namespace] = recordKeys(g.Entries)
	}
	if diff := cmp.Diff([]string{"b", "a", "c"}, order); diff != "" {
		t.Errorf("wrong namespace order\n%s", diff)
	}
	want := map[string][]string{
		"a": {"1", "2"},
		"b": {"1", "2"},
		"c": {"1"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("wrong groups\n%s", diff)
	}

	_, err = GroupByNamespace([]*Entry{mk("a", "1"), mk("a", "1")})
	if !errors.Is(err, ErrInvalidIdentifier) {
		t.Errorf("wrong error for duplicate record: %v", err)
	}
}

func TestBatches(t *testing.T) {
	items := make([]int, 250)
	var sizes []int
	for _, b := range Batches(items, 0) {
		sizes = append(sizes, len(b))
	}
	if diff := cmp.Diff([]int{100, 100, 50}, sizes); diff != "" {
		t.Errorf("wrong batch sizes\n%s", diff)
	}
	if got := Batches([]int{}, 10); len(got) != 0 {
		t.Errorf("empty input produced %d batches", len(got))
	}
}

func TestLoadEach(t *testing.T) {
	var calls atomic.Int32
	got, err := LoadEach(t.Context(), []string{"a", "b", "a", "missing"}, 2, func(_ context.Context, key string) (*Entry, bool, error) {
		calls.Add(1)
		if key == "missing" {
			return nil, false, nil
		}
		e := LoadedEntry("ns", key, "e", []byte(`1`))
		return &e, true, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, recordKeys(got)); diff != "" {
		t.Errorf("wrong records\n%s", diff)
	}
	if calls.Load() != 3 {
		t.Errorf("made %d lookups for 3 distinct keys", calls.Load())
	}

	boom := errors.New("boom")
	_, err = LoadEach(t.Context(), []string{"a", "b"}, 0, func(_ context.Context, key string) (*Entry, bool, error) {
		if key == "b" {
			return nil, false, boom
		}
		return nil, false, nil
	})
	if !errors.Is(err, boom) {
		t.Errorf("wrong error: %v", err)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	created := NewEntry("ns", "k")
	loaded := LoadedEntry("ns", "k", "e1", []byte("1"))

	if err := WriteConflict(&created, NoETag); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("conflict without etag is %v", err)
	}
	err := WriteConflict(&loaded, "e2")
	if !errors.Is(err, ErrConcurrencyViolation) {
		t.Errorf("conflict with etag is %v", err)
	}
	var violation *ConcurrencyViolationError
	if !errors.As(err, &violation) || violation.Expected != "e1" || violation.Current != "e2" {
		t.Errorf("wrong violation details: %#v", err)
	}

	cause := errors.New("connection refused")
	wrapped := WrapBackendError("test", "load", cause, true)
	if !errors.Is(wrapped, ErrBackendUnavailable) || !errors.Is(wrapped, cause) {
		t.Errorf("wrapped error lost its identity: %v", wrapped)
	}
	if again := WrapBackendError("test", "save", fmt.Errorf("outer: %w", wrapped), false); !errors.Is(again, ErrBackendUnavailable) {
		t.Errorf("wrapping twice lost availability: %v", again)
	}
	if errors.Is(WrapBackendError("test", "save", cause, false), ErrBackendUnavailable) {
		t.Error("non-availability fault matches ErrBackendUnavailable")
	}
	if !errors.Is(WrapBackendError("test", "save", context.DeadlineExceeded, false), ErrBackendUnavailable) {
		t.Error("deadline is not treated as unavailability")
	}
	conflict := WriteConflict(&loaded, NoETag)
	if WrapBackendError("test", "save", conflict, true) != conflict {
		t.Error("conflict error was wrapped")
	}
	if !errors.Is(&UnsupportedError{Backend: "test", Operation: "x"}, ErrUnsupported) {
		t.Error("UnsupportedError does not match ErrUnsupported")
	}
}

func TestKeyedMutex(t *testing.T) {
	var m KeyedMutex
	unlockA := m.Lock("a")
	// A different key must not block.
	unlockB := m.Lock("b")
	unlockB()
	unlockA()
	unlockA = m.Lock("a")
	unlockA()

	if len(m.locks) != 0 {
		t.Errorf("%d mutexes left after every key was unlocked", len(m.locks))
	}
}

func TestKeyedMutexConcurrent(t *testing.T) {
	var m KeyedMutex
	var wg sync.WaitGroup
	held := make(map[string]*atomic.Int32)
	for _, key := range []string{"/users/u1", "/users/u2", "/users/u3"} {
		held[key] = &atomic.Int32{}
	}

	var overlaps atomic.Int32
	for i := range 60 {
		key := fmt.Sprintf("/users/u%d", i%3+1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock(key)
			if held[key].Add(1) != 1 {
				overlaps.Add(1)
			}
			time.Sleep(time.Millisecond)
			held[key].Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	if n := overlaps.Load(); n != 0 {
		t.Errorf("key was held by two callers at once %d times", n)
	}
	if len(m.locks) != 0 {
		t.Errorf("%d mutexes left after every key was unlocked", len(m.locks))
	}
}
