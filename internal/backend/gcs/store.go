// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package gcs implements a state store that keeps one object per record in
// a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/opentofu/statestore/internal/statestore"
)

// Entry is the entry type of [Store].
type Entry struct {
	statestore.Entry
}

// Store is a [statestore.Store] over a Cloud Storage bucket. Each record is
// an object named by [statestore.ObjectName] holding a
// [statestore.Envelope]. The object's generation, in decimal, is the
// record's ETag.
//
// Records are written one request each with a generation precondition. A
// failed Save can therefore leave some of its entries committed; those
// entries carry their new ETags, so the save can be retried.
type Store struct {
	bucket    bucket
	prefix    string
	batchSize int
}

var _ statestore.Store[*Entry] = (*Store)(nil)

func newStore(b bucket, prefix string, batchSize int) *Store {
	return &Store{
		bucket:    b,
		prefix:    prefix,
		batchSize: batchSize,
	}
}

func (s *Store) Backend() string {
	return "gcs"
}

func (s *Store) CreateNew(namespace, key string) *Entry {
	return &Entry{Entry: statestore.NewEntry(namespace, key)}
}

func (s *Store) EnsureReady(ctx context.Context) error {
	if err := s.bucket.ensure(ctx); err != nil {
		return s.wrap("prepare", err)
	}
	return nil
}

func (s *Store) LoadNamespace(ctx context.Context, namespace string) ([]*Entry, error) {
	if err := statestore.ValidateIdentifiers(namespace); err != nil {
		return nil, err
	}
	names, err := s.bucket.list(ctx, statestore.NamespacePrefix(s.prefix, namespace))
	if errors.Is(err, storage.ErrBucketNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, s.wrap("list", err)
	}

	found := make([]*Entry, len(names))
	err = statestore.ForEach(ctx, len(names), 0, func(ctx context.Context, i int) error {
		if !strings.HasSuffix(names[i], ".json") {
			return nil
		}
		e, err := s.readObject(ctx, names[i])
		if err != nil || e == nil {
			return err
		}
		if e.Namespace() == namespace {
			found[i] = e
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ret := make([]*Entry, 0, len(found))
	for _, e := range found {
		if e != nil {
			ret = append(ret, e)
		}
	}
	statestore.SortByKey(ret)
	return ret, nil
}

func (s *Store) Load(ctx context.Context, namespace, key string) (*Entry, bool, error) {
	if err := statestore.ValidateIdentifiers(namespace, key); err != nil {
		return nil, false, err
	}
	e, err := s.readObject(ctx, statestore.ObjectName(s.prefix, namespace, key))
	if err != nil || e == nil || e.Namespace() != namespace || e.Key() != key {
		return nil, false, err
	}
	return e, true, nil
}

func (s *Store) LoadKeys(ctx context.Context, namespace string, keys []string) ([]*Entry, error) {
	if err := statestore.ValidateIdentifiers(namespace, keys...); err != nil {
		return nil, err
	}
	return statestore.LoadEach(ctx, keys, 0, func(ctx context.Context, key string) (*Entry, bool, error) {
		return s.Load(ctx, namespace, key)
	})
}

// readObject returns nil without an error if the object doesn't exist.
func (s *Store) readObject(ctx context.Context, name string) (*Entry, error) {
	data, gen, err := s.bucket.read(ctx, name)
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, s.wrap("load", err)
	}
	env, err := statestore.DecodeEnvelope(data)
	if err != nil {
		return nil, s.wrap("load", fmt.Errorf("%s: %w", name, err))
	}
	return &Entry{Entry: statestore.LoadedEntry(env.Namespace, env.Key, generationETag(gen), env.Value)}, nil
}

func (s *Store) Save(ctx context.Context, entries ...*Entry) error {
	groups, err := statestore.GroupByNamespace(entries)
	if err != nil {
		return err
	}
	for _, group := range groups {
		for _, batch := range statestore.Batches(group.Entries, s.batchSize) {
			err := statestore.ForEach(ctx, len(batch), 0, func(ctx context.Context, i int) error {
				return s.saveEntry(ctx, batch[i])
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) saveEntry(ctx context.Context, e *Entry) error {
	name := statestore.ObjectName(s.prefix, e.Namespace(), e.Key())
	gen := noGeneration
	if e.ETag() != statestore.NoETag {
		var err error
		gen, err = strconv.ParseInt(string(e.ETag()), 10, 64)
		if err != nil || gen <= 0 {
			// No object has this generation.
			return statestore.WriteConflict(e, statestore.NoETag)
		}
	}

	if e.IsAbsent() {
		if gen == noGeneration {
			current, err := s.bucket.generation(ctx, name)
			if errors.Is(err, storage.ErrObjectNotExist) {
				return nil
			}
			if err != nil {
				return s.wrap("save", err)
			}
			return statestore.WriteConflict(e, generationETag(current))
		}
		if err := s.bucket.remove(ctx, name, gen); err != nil {
			return s.writeError(e, err)
		}
		e.SetETag(statestore.NoETag)
		return nil
	}

	src, err := statestore.EncodeEnvelope(e, statestore.NoETag)
	if err != nil {
		return err
	}
	newGen, err := s.bucket.write(ctx, name, gen, src)
	if err != nil {
		return s.writeError(e, err)
	}
	e.SetETag(generationETag(newGen))
	return nil
}

func (s *Store) writeError(e *Entry, err error) error {
	if errors.Is(err, errPrecondition) || errors.Is(err, storage.ErrObjectNotExist) {
		return statestore.WriteConflict(e, statestore.NoETag)
	}
	return s.wrap("save", err)
}

// DeleteNamespace deletes the objects of a namespace one at a time. A
// failure part-way through leaves the remaining objects in place.
func (s *Store) DeleteNamespace(ctx context.Context, namespace string) error {
	if err := statestore.ValidateIdentifiers(namespace); err != nil {
		return err
	}
	names, err := s.bucket.list(ctx, statestore.NamespacePrefix(s.prefix, namespace))
	if errors.Is(err, storage.ErrBucketNotExist) {
		return nil
	}
	if err != nil {
		return s.wrap("delete", err)
	}
	return statestore.ForEach(ctx, len(names), 0, func(ctx context.Context, i int) error {
		return s.removeObject(ctx, names[i])
	})
}

func (s *Store) Delete(ctx context.Context, namespace string, keys ...string) error {
	if err := statestore.ValidateIdentifiers(namespace, keys...); err != nil {
		return err
	}
	keys = statestore.UniqueKeys(keys)
	return statestore.ForEach(ctx, len(keys), 0, func(ctx context.Context, i int) error {
		return s.removeObject(ctx, statestore.ObjectName(s.prefix, namespace, keys[i]))
	})
}

func (s *Store) removeObject(ctx context.Context, name string) error {
	err := s.bucket.remove(ctx, name, noGeneration)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) && !errors.Is(err, storage.ErrBucketNotExist) {
		return s.wrap("delete", err)
	}
	return nil
}

func (s *Store) wrap(op string, err error) error {
	return statestore.WrapBackendError(s.Backend(), op, err, isUnavailable(err))
}

func generationETag(gen int64) statestore.ETag {
	return statestore.ETag(strconv.FormatInt(gen, 10))
}
