// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package statemgr

import (
	"context"
	"errors"
	"fmt"
	"log"
	"reflect"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/opentofu/statestore/internal/tracing"
	"github.com/opentofu/statestore/internal/tracing/traceattrs"
)

var (
	// ErrUnconfiguredManager is matched by errors from resolving a
	// manager identity that was never registered, or whose store was
	// never registered.
	ErrUnconfiguredManager = errors.New("state manager is not configured")

	// ErrActivationFailure is matched by errors from constructing a
	// manager.
	ErrActivationFailure = errors.New("state manager could not be activated")
)

// UnconfiguredManagerError is returned by [Resolver.Resolve].
type UnconfiguredManagerError struct {
	ID string

	// Store is set when the manager is registered but names a store that
	// isn't.
	Store string
}

func (e *UnconfiguredManagerError) Error() string {
	if e.Store != "" {
		return fmt.Sprintf("state manager %q uses store %q, which is not configured", e.ID, e.Store)
	}
	return fmt.Sprintf("no state manager is configured for %q", e.ID)
}

func (e *UnconfiguredManagerError) Is(target error) bool {
	return target == ErrUnconfiguredManager
}

// ActivationError is returned by [Resolver.Resolve] when the manager's
// namespace can't be derived or its factory fails.
type ActivationError struct {
	ID  string
	Err error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("failed to activate state manager %q: %s", e.ID, e.Err)
}

func (e *ActivationError) Is(target error) bool {
	return target == ErrActivationFailure
}

func (e *ActivationError) Unwrap() error {
	return e.Err
}

// Resolver hands out the managers for one unit of work. Each identity is
// constructed at most once per resolver.
//
// Resolve may be called concurrently, but the managers it returns are not
// themselves safe for concurrent use.
type Resolver struct {
	registry *Registry
	scope    Scope

	mu       sync.Mutex
	managers map[string]StateManager
	order    []string
}

// Scope returns the scope the resolver was created for.
func (r *Resolver) Scope() Scope {
	return r.scope
}

// Resolve returns the manager registered for id, constructing it on first
// use.
func (r *Resolver) Resolve(id string) (StateManager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.managers[id]; ok {
		return m, nil
	}

	cfg, store, err := r.registry.lookup(id)
	if err != nil {
		return nil, err
	}
	m, err := activate(cfg, r.scope, store)
	if err != nil {
		return nil, err
	}
	log.Printf("[TRACE] statemgr: activated %q over namespace %q of %s", id, m.Namespace(), store.Backend())
	r.managers[id] = m
	r.order = append(r.order, id)
	return m, nil
}

// Resolve is [Resolver.Resolve] for callers that know which concrete type
// the manager's factory builds. A manager of another type is reported as
// an [ActivationError].
func Resolve[M StateManager](r *Resolver, id string) (M, error) {
	var zero M
	m, err := r.Resolve(id)
	if err != nil {
		return zero, err
	}
	typed, ok := m.(M)
	if !ok {
		return zero, &ActivationError{ID: id, Err: fmt.Errorf("manager is %T, not %s", m, reflect.TypeFor[M]())}
	}
	return typed, nil
}

// Resolved returns the managers constructed so far, in the order they were
// first resolved.
func (r *Resolver) Resolved() []StateManager {
	r.mu.Lock()
	defer r.mu.Unlock()
	ret := make([]StateManager, len(r.order))
	for i, id := range r.order {
		ret[i] = r.managers[id]
	}
	return ret
}

// AutoLoad resolves every manager registered with [AutoLoadAll] or
// [AutoLoadKeys] and loads it, concurrently. No load starts unless every
// one of those managers could be resolved.
func (r *Resolver) AutoLoad(ctx context.Context) error {
	ctx, span := tracing.Tracer().Start(ctx, "Auto-load state")
	defer span.End()

	type job struct {
		id  string
		cfg *managerConfig
		m   StateManager
	}
	var jobs []job
	for _, id := range r.registry.ManagerIDs() {
		cfg, _, err := r.registry.lookup(id)
		if cfg == nil || (!cfg.autoLoadAll && len(cfg.autoLoadKeys) == 0) {
			continue
		}
		if err == nil {
			var m StateManager
			m, err = r.Resolve(id)
			jobs = append(jobs, job{id: id, cfg: cfg, m: m})
		}
		if err != nil {
			tracing.SetSpanError(span, err)
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, j := range jobs {
		g.Go(func() error {
			ctx, span := tracing.Tracer().Start(ctx, "Auto-load state manager",
				tracing.SpanAttributes(traceattrs.StateManagerID(j.id)),
			)
			defer span.End()
			var err error
			if j.cfg.autoLoadAll {
				err = j.m.LoadAll(ctx)
			} else {
				err = j.m.Load(ctx, j.cfg.autoLoadKeys...)
			}
			if err != nil {
				tracing.SetSpanError(span, err)
				return fmt.Errorf("loading state manager %q: %w", j.id, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		tracing.SetSpanError(span, err)
		return err
	}
	return nil
}

// SaveAll calls SaveChanges on every manager resolved so far, concurrently,
// and returns the combined failures. Every manager is saved even if
// others fail.
func (r *Resolver) SaveAll(ctx context.Context) error {
	ctx, span := tracing.Tracer().Start(ctx, "Save all state")
	defer span.End()

	r.mu.Lock()
	ids := append([]string(nil), r.order...)
	managers := make([]StateManager, len(ids))
	for i, id := range ids {
		managers[i] = r.managers[id]
	}
	r.mu.Unlock()

	var (
		mu   sync.Mutex
		errs *multierror.Error
		g    errgroup.Group
	)
	for i, id := range ids {
		m := managers[i]
		g.Go(func() error {
			if err := m.SaveChanges(ctx); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("state manager %q: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := errs.ErrorOrNil(); err != nil {
		tracing.SetSpanError(span, err)
		return err
	}
	return nil
}

func activate(cfg *managerConfig, scope Scope, store Binding) (m StateManager, err error) {
	defer func() {
		if p := recover(); p != nil {
			m = nil
			err = &ActivationError{ID: cfg.id, Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	namespace, err := cfg.namespace(scope)
	if err != nil {
		return nil, &ActivationError{ID: cfg.id, Err: err}
	}
	if namespace == "" {
		return nil, &ActivationError{ID: cfg.id, Err: errors.New("namespace is empty")}
	}

	if cfg.factory == nil {
		return store.NewManager(namespace), nil
	}
	m, err = cfg.factory(namespace, store)
	if err != nil {
		return nil, &ActivationError{ID: cfg.id, Err: err}
	}
	if m == nil {
		return nil, &ActivationError{ID: cfg.id, Err: errors.New("factory returned no manager")}
	}
	return m, nil
}
