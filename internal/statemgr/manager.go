// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package statemgr

import (
	"context"
	"fmt"
	"log"
	"maps"
	"reflect"
	"slices"

	"github.com/hashicorp/go-multierror"

	"github.com/opentofu/statestore/internal/statestore"
	"github.com/opentofu/statestore/internal/tracing"
	"github.com/opentofu/statestore/internal/tracing/traceattrs"
)

// StateManager is the type-erased view of a [Manager], for code that works
// with managers of different backends side by side.
type StateManager interface {
	// Namespace returns the namespace this manager owns.
	Namespace() string

	// GetRecord returns the record for key, loading it from the store if
	// it isn't cached yet. A record that is pending deletion is reported
	// as not found.
	GetRecord(ctx context.Context, key string) (statestore.Record, bool, error)

	// TouchRecord returns the record for key marked as changed, creating
	// it if necessary, so that the next SaveChanges writes it.
	TouchRecord(key string) (statestore.Record, error)

	// Delete marks key for deletion at the next SaveChanges.
	Delete(key string) error

	// LoadAll caches every record of the namespace that isn't cached
	// already.
	LoadAll(ctx context.Context) error

	// Load caches whichever of the given keys exist and aren't cached
	// already.
	Load(ctx context.Context, keys ...string) error

	// SaveChanges writes all changed records and then deletes all records
	// pending deletion.
	SaveChanges(ctx context.Context) error

	// Keys returns the sorted keys of the cached records that aren't
	// pending deletion.
	Keys() []string

	// IsDirty returns true if key has unsaved changes.
	IsDirty(key string) bool

	// Discard drops the whole cache, including unsaved changes.
	Discard()
}

type lineState int

const (
	lineClean lineState = iota
	lineDirty
	linePendingDeletion
)

// cacheLine is the cached state of one key. A line pending deletion may
// have no entry, if the key was deleted without being loaded first.
type cacheLine[E statestore.Record] struct {
	entry    E
	hasEntry bool
	state    lineState

	// purge is set on a dirty line whose key was deleted without being
	// loaded and then set again. The stored record, if any, must be
	// removed before the new entry can be inserted.
	purge bool
}

// Manager is a read-through, write-back cache of one namespace of a
// [statestore.Store].
type Manager[E statestore.Record] struct {
	store     statestore.Store[E]
	namespace string
	lines     map[string]*cacheLine[E]
}

var _ StateManager = (*Manager[*statestore.Entry])(nil)

// NewManager returns a manager for the given namespace of the given store.
// It panics if namespace is empty.
func NewManager[E statestore.Record](store statestore.Store[E], namespace string) *Manager[E] {
	if namespace == "" {
		panic("statemgr.NewManager with empty namespace")
	}
	return &Manager[E]{
		store:     store,
		namespace: namespace,
		lines:     make(map[string]*cacheLine[E]),
	}
}

func (m *Manager[E]) Namespace() string {
	return m.namespace
}

// Get returns the entry for key. On a cache miss it is loaded from the
// store and cached if found; a miss is not cached, so a later call asks the
// store again.
func (m *Manager[E]) Get(ctx context.Context, key string) (E, bool, error) {
	var zero E
	if err := statestore.ValidateIdentifiers(m.namespace, key); err != nil {
		return zero, false, err
	}

	if line, ok := m.lines[key]; ok {
		if line.state == linePendingDeletion || !line.hasEntry {
			return zero, false, nil
		}
		return line.entry, true, nil
	}

	ctx, span := tracing.Tracer().Start(ctx, "Load state record",
		tracing.SpanAttributes(
			traceattrs.StateNamespace(m.namespace),
			traceattrs.StateKey(key),
			traceattrs.StateBackend(m.store.Backend()),
		),
	)
	defer span.End()

	e, found, err := m.store.Load(ctx, m.namespace, key)
	if err != nil {
		tracing.SetSpanError(span, err)
		return zero, false, err
	}
	if !found {
		log.Printf("[TRACE] statemgr: %q not found in %q", key, m.namespace)
		return zero, false, nil
	}
	m.lines[key] = &cacheLine[E]{entry: e, hasEntry: true, state: lineClean}
	return e, true, nil
}

func (m *Manager[E]) GetRecord(ctx context.Context, key string) (statestore.Record, bool, error) {
	e, found, err := m.Get(ctx, key)
	if err != nil || !found {
		return nil, false, err
	}
	return e, true, nil
}

// Touch returns the entry for key marked dirty, creating a new entry if the
// key isn't cached. A key that was pending deletion is no longer.
//
// Touch never loads from the store. Touching a key that exists in the store
// but was never loaded produces an insert, which fails at SaveChanges with
// [statestore.ErrAlreadyExists], unless the key was deleted through this
// manager first.
func (m *Manager[E]) Touch(key string) (E, error) {
	if err := statestore.ValidateIdentifiers(m.namespace, key); err != nil {
		var zero E
		return zero, err
	}

	line, ok := m.lines[key]
	if !ok || !line.hasEntry {
		line = &cacheLine[E]{
			entry:    m.store.CreateNew(m.namespace, key),
			hasEntry: true,
			purge:    ok && line.state == linePendingDeletion,
		}
		m.lines[key] = line
	}
	line.state = lineDirty
	return line.entry, nil
}

func (m *Manager[E]) TouchRecord(key string) (statestore.Record, error) {
	e, err := m.Touch(key)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Delete marks key as pending deletion, discarding any unsaved change to
// it. A key that was never loaded is remembered too, so that SaveChanges
// still removes it from the store.
func (m *Manager[E]) Delete(key string) error {
	if err := statestore.ValidateIdentifiers(m.namespace, key); err != nil {
		return err
	}
	line, ok := m.lines[key]
	if !ok {
		line = &cacheLine[E]{}
		m.lines[key] = line
	}
	line.state = linePendingDeletion
	return nil
}

func (m *Manager[E]) LoadAll(ctx context.Context) error {
	ctx, span := tracing.Tracer().Start(ctx, "Load state namespace",
		tracing.SpanAttributes(
			traceattrs.StateNamespace(m.namespace),
			traceattrs.StateBackend(m.store.Backend()),
		),
	)
	defer span.End()

	entries, err := m.store.LoadNamespace(ctx, m.namespace)
	if err != nil {
		tracing.SetSpanError(span, err)
		return err
	}
	added := m.merge(entries)
	span.SetAttributes(traceattrs.StateRecordCount(added))
	log.Printf("[TRACE] statemgr: loaded %d of %d records of %q", added, len(entries), m.namespace)
	return nil
}

func (m *Manager[E]) Load(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := statestore.ValidateIdentifiers(m.namespace, keys...); err != nil {
		return err
	}

	ctx, span := tracing.Tracer().Start(ctx, "Load state records",
		tracing.SpanAttributes(
			traceattrs.StateNamespace(m.namespace),
			traceattrs.StateBackend(m.store.Backend()),
		),
	)
	defer span.End()

	entries, err := m.store.LoadKeys(ctx, m.namespace, keys)
	if err != nil {
		tracing.SetSpanError(span, err)
		return err
	}
	added := m.merge(entries)
	span.SetAttributes(traceattrs.StateRecordCount(added))
	return nil
}

// merge caches the given entries for keys that have no cache line yet, and
// returns how many it added. Existing lines always win, whatever state
// they are in.
func (m *Manager[E]) merge(entries []E) int {
	added := 0
	for _, e := range entries {
		if _, exists := m.lines[e.Key()]; exists {
			continue
		}
		m.lines[e.Key()] = &cacheLine[E]{entry: e, hasEntry: true, state: lineClean}
		added++
	}
	return added
}

// SaveChanges writes every dirty entry in one call to the store's Save,
// then removes every key pending deletion in one call to its Delete.
//
// Keys that were deleted without being loaded and then set again are
// removed from the store just before the save, and those entries are not
// saved if that removal fails.
//
// Both steps run even if the first one fails. Lines are only marked clean
// or evicted when their step succeeds, so a failed SaveChanges can be
// retried after resolving the conflict. The returned error combines the
// failures of both steps.
func (m *Manager[E]) SaveChanges(ctx context.Context) error {
	ctx, span := tracing.Tracer().Start(ctx, "Save state changes",
		tracing.SpanAttributes(
			traceattrs.StateNamespace(m.namespace),
			traceattrs.StateBackend(m.store.Backend()),
		),
	)
	defer span.End()

	var dirty []E
	var purged, doomed []string
	for _, key := range slices.Sorted(maps.Keys(m.lines)) {
		line := m.lines[key]
		switch line.state {
		case lineDirty:
			if line.purge {
				purged = append(purged, key)
			}
			dirty = append(dirty, line.entry)
		case linePendingDeletion:
			doomed = append(doomed, key)
		}
	}
	span.SetAttributes(traceattrs.StateRecordCount(len(dirty) + len(doomed)))

	var errs *multierror.Error
	if len(purged) != 0 {
		if err := m.store.Delete(ctx, m.namespace, purged...); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("deleting %d replaced records in %q: %w", len(purged), m.namespace, err))
			dirty = slices.DeleteFunc(dirty, func(e E) bool {
				return m.lines[e.Key()].purge
			})
		} else {
			for _, key := range purged {
				m.lines[key].purge = false
			}
		}
	}

	if len(dirty) != 0 {
		if err := m.store.Save(ctx, dirty...); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("saving %d changed records in %q: %w", len(dirty), m.namespace, err))
		} else {
			for _, e := range dirty {
				m.lines[e.Key()].state = lineClean
			}
			log.Printf("[DEBUG] statemgr: saved %d records in %q", len(dirty), m.namespace)
		}
	}

	if len(doomed) != 0 {
		if err := m.store.Delete(ctx, m.namespace, doomed...); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("deleting %d records in %q: %w", len(doomed), m.namespace, err))
		} else {
			for _, key := range doomed {
				delete(m.lines, key)
			}
			log.Printf("[DEBUG] statemgr: deleted %d records in %q", len(doomed), m.namespace)
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		tracing.SetSpanError(span, err)
		return err
	}
	return nil
}

func (m *Manager[E]) Keys() []string {
	var ret []string
	for key, line := range m.lines {
		if line.state == linePendingDeletion || !line.hasEntry {
			continue
		}
		ret = append(ret, key)
	}
	slices.Sort(ret)
	return ret
}

func (m *Manager[E]) IsDirty(key string) bool {
	line, ok := m.lines[key]
	return ok && line.state == lineDirty
}

// IsPendingDeletion returns true if key will be deleted by the next
// SaveChanges.
func (m *Manager[E]) IsPendingDeletion(key string) bool {
	line, ok := m.lines[key]
	return ok && line.state == linePendingDeletion
}

func (m *Manager[E]) Discard() {
	clear(m.lines)
}

// Get returns the value of key in the given manager as a T. The boolean
// result is false if the key doesn't exist, is pending deletion, or has
// an absent value.
func Get[T any](ctx context.Context, m StateManager, key string) (T, bool, error) {
	var zero T
	r, found, err := m.GetRecord(ctx, key)
	if err != nil || !found {
		return zero, false, err
	}
	if r.Base().IsAbsent() {
		return zero, false, nil
	}
	v, err := statestore.GetValue[T](r)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Set replaces the value of key in the given manager, to be written at the
// next SaveChanges.
func Set[T any](m StateManager, key string, v T) error {
	r, err := m.TouchRecord(key)
	if err != nil {
		return err
	}
	statestore.SetValue(r, v)
	return nil
}

// TypeKey returns the key that [GetTyped] and [SetTyped] use for a value
// of type T: the name of T, ignoring pointers. Unnamed types use their
// type literal instead.
func TypeKey[T any]() string {
	t := reflect.TypeFor[T]()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if name := t.Name(); name != "" {
		return name
	}
	return t.String()
}

// GetTyped is [Get] with the key chosen by [TypeKey], for managers that
// hold at most one value of each type.
func GetTyped[T any](ctx context.Context, m StateManager) (T, bool, error) {
	return Get[T](ctx, m, TypeKey[T]())
}

// SetTyped is [Set] with the key chosen by [TypeKey].
func SetTyped[T any](m StateManager, v T) error {
	return Set(m, TypeKey[T](), v)
}
