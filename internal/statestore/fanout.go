// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package statestore

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds the number of requests that a single operation
// sends to a backend at once.
const DefaultConcurrency = 16

// LoadEach calls load for each key with at most limit calls in flight, and
// returns the found records in the order of keys.
//
// If any call fails then the remaining calls are cancelled through their
// context and the first error is returned.
func LoadEach[E Record](ctx context.Context, keys []string, limit int, load func(ctx context.Context, key string) (E, bool, error)) ([]E, error) {
	keys = UniqueKeys(keys)
	found := make([]E, len(keys))
	ok := make([]bool, len(keys))

	err := ForEach(ctx, len(keys), limit, func(ctx context.Context, i int) error {
		e, exists, err := load(ctx, keys[i])
		if err != nil {
			return err
		}
		found[i], ok[i] = e, exists
		return nil
	})
	if err != nil {
		return nil, err
	}

	ret := make([]E, 0, len(keys))
	for i := range keys {
		if ok[i] {
			ret = append(ret, found[i])
		}
	}
	return ret, nil
}

// ForEach calls fn for each index in [0, n) with at most limit calls in
// flight. A limit of zero or less means [DefaultConcurrency].
//
// The first error cancels the context passed to the other calls and is
// returned once all calls have finished.
func ForEach(ctx context.Context, n int, limit int, fn func(ctx context.Context, i int) error) error {
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := range n {
		g.Go(func() error {
			return fn(ctx, i)
		})
	}
	return g.Wait()
}

// KeyedMutex hands out one mutex per string key, for backends that must
// serialize writers within a namespace. A key's mutex is dropped once
// nobody holds or waits for it.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sync.Mutex

	// refs counts holders and waiters. It is guarded by KeyedMutex.mu.
	refs int
}

// Lock blocks until the mutex for key is held and returns its unlock
// function, which must be called exactly once.
func (m *KeyedMutex) Lock(key string) func() {
	m.mu.Lock()
	if m.locks == nil {
		m.locks = make(map[string]*keyedLock)
	}
	l, ok := m.locks[key]
	if !ok {
		l = &keyedLock{}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()

		m.mu.Lock()
		defer m.mu.Unlock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, key)
		}
	}
}
