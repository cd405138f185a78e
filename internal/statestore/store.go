// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package statestore

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// DefaultBatchSize is the largest number of entries of one namespace that a
// [Store] writes in one physical operation unless its configuration says
// otherwise.
const DefaultBatchSize = 100

// Store is implemented by each state storage backend, over that backend's
// own entry type E.
//
// Implementations must be safe for concurrent use by multiple goroutines,
// but individual entries are not: an entry belongs to whichever caller
// loaded or created it.
type Store[E Record] interface {
	// Backend returns the short name of the storage backend, for use in
	// logs and error messages.
	Backend() string

	// EnsureReady performs whatever one-time initialization the backend
	// requires before use, such as creating a table, bucket or schema.
	// It is idempotent and must be called by whoever constructs the store
	// before the first other operation.
	EnsureReady(ctx context.Context) error

	// CreateNew returns a new entry with no ETag and no value. It does no
	// I/O, and panics if namespace or key is empty.
	CreateNew(namespace, key string) E

	// LoadNamespace returns every record in the namespace sorted by key,
	// following continuation tokens until the backend has no more results.
	// A namespace with no records produces an empty result, not an error.
	LoadNamespace(ctx context.Context, namespace string) ([]E, error)

	// Load returns the record with the given key. A missing record is
	// reported by the boolean result, not as an error.
	Load(ctx context.Context, namespace, key string) (E, bool, error)

	// LoadKeys returns the records for whichever of the given keys exist.
	// The individual lookups may run concurrently, and if any of them fail
	// then one of those errors is returned.
	LoadKeys(ctx context.Context, namespace string, keys []string) ([]E, error)

	// Save writes the given entries, which may span several namespaces.
	//
	// An entry with no ETag is inserted and fails with [ErrAlreadyExists]
	// if the record exists. An entry with an ETag replaces the record only
	// if the stored ETag matches, and otherwise fails with
	// [ErrConcurrencyViolation]. An entry whose value is absent removes the
	// record under the same conditions.
	//
	// Each entry that was written has its ETag updated in place. Entries
	// are grouped by namespace and written in batches, and implementations
	// document whether a batch is atomic.
	Save(ctx context.Context, entries ...E) error

	// DeleteNamespace removes every record in the namespace.
	DeleteNamespace(ctx context.Context, namespace string) error

	// Delete removes the records with the given keys unconditionally.
	// Missing records are not an error.
	Delete(ctx context.Context, namespace string, keys ...string) error
}

// ValidateIdentifiers returns an error matching [ErrInvalidIdentifier] if
// the namespace or any of the keys is empty.
func ValidateIdentifiers(namespace string, keys ...string) error {
	if namespace == "" {
		return fmt.Errorf("%w: namespace must not be empty", ErrInvalidIdentifier)
	}
	for _, key := range keys {
		if key == "" {
			return fmt.Errorf("%w: key in namespace %q must not be empty", ErrInvalidIdentifier, namespace)
		}
	}
	return nil
}

// NamespaceGroup is the set of entries of one namespace in a call to
// [Store.Save].
type NamespaceGroup[E Record] struct {
	Namespace string
	Entries   []E
}

// GroupByNamespace partitions entries by namespace, preserving the order in
// which each namespace and each entry first appear.
//
// It returns an error matching [ErrInvalidIdentifier] if the same record
// appears more than once, since no backend can apply two conditional writes
// of one record in a single batch.
func GroupByNamespace[E Record](entries []E) ([]NamespaceGroup[E], error) {
	var groups []NamespaceGroup[E]
	index := make(map[string]int)
	seen := make(map[[2]string]struct{}, len(entries))
	for _, e := range entries {
		if err := ValidateIdentifiers(e.Namespace(), e.Key()); err != nil {
			return nil, err
		}
		id := [2]string{e.Namespace(), e.Key()}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: record %q in namespace %q appears more than once in one save", ErrInvalidIdentifier, e.Key(), e.Namespace())
		}
		seen[id] = struct{}{}

		i, ok := index[e.Namespace()]
		if !ok {
			i = len(groups)
			index[e.Namespace()] = i
			groups = append(groups, NamespaceGroup[E]{Namespace: e.Namespace()})
		}
		groups[i].Entries = append(groups[i].Entries, e)
	}
	return groups, nil
}

// Batches splits the entries into consecutive batches of at most size
// entries each. A size of zero or less means [DefaultBatchSize].
func Batches[E any](entries []E, size int) [][]E {
	if size <= 0 {
		size = DefaultBatchSize
	}
	return slices.Collect(slices.Chunk(entries, size))
}

// SortByKey sorts records in place by key, so that namespace loads return
// a stable order regardless of the order the backend produced.
func SortByKey[E Record](entries []E) {
	slices.SortFunc(entries, func(a, b E) int {
		return strings.Compare(a.Key(), b.Key())
	})
}

// UniqueKeys returns keys with duplicates removed, preserving the first
// occurrence of each.
func UniqueKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	ret := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		ret = append(ret, k)
	}
	return ret
}
