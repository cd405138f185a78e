// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package inmem implements a state store that keeps records in memory,
// for tests and for state that doesn't need to outlive the process.
package inmem

import (
	"bytes"
	"context"
	"log"
	"sync"

	"github.com/hashicorp/go-uuid"

	"github.com/opentofu/statestore/internal/statestore"
)

// Config is the configuration of an in-memory store.
type Config struct {
	// Name selects a process-wide data set. All stores created with the
	// same non-empty name share their records, which emulates several
	// clients of one remote store. An empty name gives the store data of
	// its own.
	Name string `hcl:"name,optional"`

	// BatchSize is the number of records of one namespace written under
	// one lock acquisition.
	BatchSize int `hcl:"batch_size,optional"`
}

// Entry is the entry type of [Store].
type Entry struct {
	statestore.Entry
}

type record struct {
	etag statestore.ETag
	data []byte
}

type dataSet struct {
	mu         sync.Mutex
	namespaces map[string]map[string]record
}

func newDataSet() *dataSet {
	return &dataSet{namespaces: make(map[string]map[string]record)}
}

// shared holds the named data sets, so that they can be reached from
// multiple instances of the store.
var shared struct {
	sync.Mutex
	m map[string]*dataSet
}

func init() {
	Reset()
}

// Reset discards all named data sets. Stores created before the call keep
// the data set they already had.
func Reset() {
	shared.Lock()
	defer shared.Unlock()
	shared.m = make(map[string]*dataSet)
}

func sharedDataSet(name string) *dataSet {
	shared.Lock()
	defer shared.Unlock()
	d, ok := shared.m[name]
	if !ok {
		d = newDataSet()
		shared.m[name] = d
	}
	return d
}

// Store is an in-memory [statestore.Store]. Each batch of a Save is applied
// atomically.
type Store struct {
	data      *dataSet
	batchSize int
}

var _ statestore.Store[*Entry] = (*Store)(nil)

func New(cfg Config) *Store {
	d := newDataSet()
	if cfg.Name != "" {
		d = sharedDataSet(cfg.Name)
	}
	return &Store{
		data:      d,
		batchSize: cfg.BatchSize,
	}
}

func (s *Store) Backend() string {
	return "inmem"
}

func (s *Store) EnsureReady(context.Context) error {
	return nil
}

func (s *Store) CreateNew(namespace, key string) *Entry {
	return &Entry{Entry: statestore.NewEntry(namespace, key)}
}

func (s *Store) LoadNamespace(_ context.Context, namespace string) ([]*Entry, error) {
	if err := statestore.ValidateIdentifiers(namespace); err != nil {
		return nil, err
	}

	s.data.mu.Lock()
	ns := s.data.namespaces[namespace]
	ret := make([]*Entry, 0, len(ns))
	for key, rec := range ns {
		ret = append(ret, loaded(namespace, key, rec))
	}
	s.data.mu.Unlock()

	statestore.SortByKey(ret)
	return ret, nil
}

func (s *Store) Load(_ context.Context, namespace, key string) (*Entry, bool, error) {
	if err := statestore.ValidateIdentifiers(namespace, key); err != nil {
		return nil, false, err
	}

	s.data.mu.Lock()
	defer s.data.mu.Unlock()
	rec, ok := s.data.namespaces[namespace][key]
	if !ok {
		return nil, false, nil
	}
	return loaded(namespace, key, rec), true, nil
}

func (s *Store) LoadKeys(ctx context.Context, namespace string, keys []string) ([]*Entry, error) {
	if err := statestore.ValidateIdentifiers(namespace, keys...); err != nil {
		return nil, err
	}
	return statestore.LoadEach(ctx, keys, 0, func(ctx context.Context, key string) (*Entry, bool, error) {
		return s.Load(ctx, namespace, key)
	})
}

type write struct {
	entry *Entry
	data  []byte
	etag  statestore.ETag
}

func (s *Store) Save(_ context.Context, entries ...*Entry) error {
	groups, err := statestore.GroupByNamespace(entries)
	if err != nil {
		return err
	}
	for _, group := range groups {
		for _, batch := range statestore.Batches(group.Entries, s.batchSize) {
			if err := s.saveBatch(group.Namespace, batch); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) saveBatch(namespace string, batch []*Entry) error {
	writes := make([]write, len(batch))
	for i, e := range batch {
		raw, err := e.Encode()
		if err != nil {
			return err
		}
		w := write{entry: e}
		if raw != nil {
			id, err := uuid.GenerateUUID()
			if err != nil {
				return statestore.WrapBackendError(s.Backend(), "save", err, false)
			}
			w.data = bytes.Clone(raw)
			w.etag = statestore.ETag(id)
		}
		writes[i] = w
	}

	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	ns := s.data.namespaces[namespace]
	for _, w := range writes {
		cur, exists := ns[w.entry.Key()]
		switch expected := w.entry.ETag(); {
		case expected == statestore.NoETag && exists:
			return statestore.WriteConflict(w.entry, cur.etag)
		case expected != statestore.NoETag && !exists:
			return statestore.WriteConflict(w.entry, statestore.NoETag)
		case expected != statestore.NoETag && cur.etag != expected:
			return statestore.WriteConflict(w.entry, cur.etag)
		}
	}

	if ns == nil {
		ns = make(map[string]record)
		s.data.namespaces[namespace] = ns
	}
	for _, w := range writes {
		if w.data == nil {
			delete(ns, w.entry.Key())
		} else {
			ns[w.entry.Key()] = record{etag: w.etag, data: w.data}
		}
		w.entry.SetETag(w.etag)
	}
	if len(ns) == 0 {
		delete(s.data.namespaces, namespace)
	}
	log.Printf("[TRACE] inmem: wrote %d records in %q", len(writes), namespace)
	return nil
}

func (s *Store) DeleteNamespace(_ context.Context, namespace string) error {
	if err := statestore.ValidateIdentifiers(namespace); err != nil {
		return err
	}
	s.data.mu.Lock()
	defer s.data.mu.Unlock()
	delete(s.data.namespaces, namespace)
	return nil
}

func (s *Store) Delete(_ context.Context, namespace string, keys ...string) error {
	if err := statestore.ValidateIdentifiers(namespace, keys...); err != nil {
		return err
	}
	s.data.mu.Lock()
	defer s.data.mu.Unlock()
	ns, ok := s.data.namespaces[namespace]
	if !ok {
		return nil
	}
	for _, key := range keys {
		delete(ns, key)
	}
	if len(ns) == 0 {
		delete(s.data.namespaces, namespace)
	}
	return nil
}

func loaded(namespace, key string, rec record) *Entry {
	return &Entry{Entry: statestore.LoadedEntry(namespace, key, rec.etag, rec.data)}
}
