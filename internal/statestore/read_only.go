// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package statestore

import (
	"context"
	"io"
)

// AsReadOnly returns the given store wrapped in an adapter that returns an
// [UnsupportedError] from every operation that would modify the stored
// records. Reads, and preparing the store with EnsureReady, are passed
// through unchanged.
//
// If the underlying store implements [io.Closer] then so does the result.
func AsReadOnly[E Record](underlying Store[E]) Store[E] {
	if _, alreadyWrapped := underlying.(readOnlyStore[E]); alreadyWrapped {
		return underlying
	}
	return readOnlyStore[E]{underlying}
}

type readOnlyStore[E Record] struct {
	underlying Store[E]
}

var _ io.Closer = readOnlyStore[*Entry]{}

func (r readOnlyStore[E]) Backend() string {
	return r.underlying.Backend()
}

func (r readOnlyStore[E]) EnsureReady(ctx context.Context) error {
	return r.underlying.EnsureReady(ctx)
}

func (r readOnlyStore[E]) CreateNew(namespace, key string) E {
	return r.underlying.CreateNew(namespace, key)
}

func (r readOnlyStore[E]) LoadNamespace(ctx context.Context, namespace string) ([]E, error) {
	return r.underlying.LoadNamespace(ctx, namespace)
}

func (r readOnlyStore[E]) Load(ctx context.Context, namespace, key string) (E, bool, error) {
	return r.underlying.Load(ctx, namespace, key)
}

func (r readOnlyStore[E]) LoadKeys(ctx context.Context, namespace string, keys []string) ([]E, error) {
	return r.underlying.LoadKeys(ctx, namespace, keys)
}

func (r readOnlyStore[E]) Save(_ context.Context, entries ...E) error {
	if len(entries) == 0 {
		return nil
	}
	return r.unsupported("save")
}

func (r readOnlyStore[E]) DeleteNamespace(context.Context, string) error {
	return r.unsupported("delete namespace")
}

func (r readOnlyStore[E]) Delete(_ context.Context, _ string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.unsupported("delete")
}

// Close closes the underlying store if it can be closed.
func (r readOnlyStore[E]) Close() error {
	if c, ok := r.underlying.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (r readOnlyStore[E]) unsupported(op string) error {
	return &UnsupportedError{
		Backend:   r.Backend(),
		Operation: op + " on a read-only store",
	}
}
