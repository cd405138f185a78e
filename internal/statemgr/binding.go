// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package statemgr

import (
	"context"
	"fmt"
	"io"

	"github.com/opentofu/statestore/internal/statestore"
)

// Binding is a configured store with its entry type erased, so that stores
// of different backends can be registered side by side.
type Binding interface {
	Backend() string
	EnsureReady(ctx context.Context) error
	NewManager(namespace string) StateManager
	DeleteNamespace(ctx context.Context, namespace string) error

	// Close releases any resources held by the store, such as database
	// connections.
	Close() error
}

// Bind wraps the given store as a [Binding].
func Bind[E statestore.Record](store statestore.Store[E]) Binding {
	return binding[E]{store: store}
}

type binding[E statestore.Record] struct {
	store statestore.Store[E]
}

func (b binding[E]) Backend() string {
	return b.store.Backend()
}

func (b binding[E]) EnsureReady(ctx context.Context) error {
	return b.store.EnsureReady(ctx)
}

func (b binding[E]) NewManager(namespace string) StateManager {
	return NewManager(b.store, namespace)
}

func (b binding[E]) DeleteNamespace(ctx context.Context, namespace string) error {
	if err := statestore.ValidateIdentifiers(namespace); err != nil {
		return err
	}
	return b.store.DeleteNamespace(ctx, namespace)
}

func (b binding[E]) Close() error {
	if c, ok := b.store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ReadOnly returns a binding over the same store that refuses to modify
// it, as described for [statestore.AsReadOnly]. It panics if b was not
// created by [Bind].
func ReadOnly(b Binding) Binding {
	ro, ok := b.(interface{ readOnly() Binding })
	if !ok {
		panic(fmt.Sprintf("statemgr: can't make %T read-only", b))
	}
	return ro.readOnly()
}

func (b binding[E]) readOnly() Binding {
	return binding[E]{store: statestore.AsReadOnly(b.store)}
}
