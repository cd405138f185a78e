// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package consul implements a state store over the Consul KV store.
package consul

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	consulapi "github.com/hashicorp/consul/api"

	"github.com/opentofu/statestore/internal/statestore"
)

// maxTxnOps is the number of operations Consul accepts in one
// transaction.
const maxTxnOps = 64

type kvAPI interface {
	Get(key string, q *consulapi.QueryOptions) (*consulapi.KVPair, *consulapi.QueryMeta, error)
	List(prefix string, q *consulapi.QueryOptions) (consulapi.KVPairs, *consulapi.QueryMeta, error)
	DeleteTree(prefix string, w *consulapi.WriteOptions) (*consulapi.WriteMeta, error)
}

type txnAPI interface {
	Txn(txn consulapi.TxnOps, q *consulapi.QueryOptions) (bool, *consulapi.TxnResponse, *consulapi.QueryMeta, error)
}

type statusAPI interface {
	Leader() (string, error)
}

var (
	_ kvAPI     = (*consulapi.KV)(nil)
	_ txnAPI    = (*consulapi.Txn)(nil)
	_ statusAPI = (*consulapi.Status)(nil)
)

// Entry is the entry type of [Store].
type Entry struct {
	statestore.Entry
}

// Store is a [statestore.Store] over Consul KV. Each record is a KV pair
// named by [statestore.ObjectName] below the configured path, holding a
// [statestore.Envelope]. The pair's ModifyIndex, in decimal, is the
// record's ETag.
//
// Each batch of a Save is one transaction of check-and-set operations, so
// a batch commits in full or not at all.
type Store struct {
	kv        kvAPI
	txn       txnAPI
	status    statusAPI
	path      string
	batchSize int
}

var _ statestore.Store[*Entry] = (*Store)(nil)

func newStore(kv kvAPI, txn txnAPI, status statusAPI, path string, batchSize int) *Store {
	if batchSize <= 0 || batchSize > maxTxnOps {
		batchSize = maxTxnOps
	}
	return &Store{
		kv:        kv,
		txn:       txn,
		status:    status,
		path:      path,
		batchSize: batchSize,
	}
}

func (s *Store) Backend() string {
	return "consul"
}

func (s *Store) CreateNew(namespace, key string) *Entry {
	return &Entry{Entry: statestore.NewEntry(namespace, key)}
}

// EnsureReady checks that the cluster has a leader. The KV store needs no
// setup.
func (s *Store) EnsureReady(context.Context) error {
	leader, err := s.status.Leader()
	if err != nil {
		return s.wrap("prepare", err)
	}
	if leader == "" {
		return statestore.WrapBackendError(s.Backend(), "prepare", fmt.Errorf("cluster has no leader"), true)
	}
	return nil
}

func (s *Store) queryOptions(ctx context.Context) *consulapi.QueryOptions {
	return (&consulapi.QueryOptions{RequireConsistent: true}).WithContext(ctx)
}

func (s *Store) LoadNamespace(ctx context.Context, namespace string) ([]*Entry, error) {
	if err := statestore.ValidateIdentifiers(namespace); err != nil {
		return nil, err
	}
	pairs, _, err := s.kv.List(statestore.NamespacePrefix(s.path, namespace), s.queryOptions(ctx))
	if err != nil {
		return nil, s.wrap("list", err)
	}
	var ret []*Entry
	for _, pair := range pairs {
		if !strings.HasSuffix(pair.Key, ".json") {
			continue
		}
		e, err := entryFromPair(pair)
		if err != nil {
			return nil, s.wrap("list", err)
		}
		if e.Namespace() == namespace {
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
	pair, _, err := s.kv.Get(statestore.ObjectName(s.path, namespace, key), s.queryOptions(ctx))
	if err != nil {
		return nil, false, s.wrap("load", err)
	}
	if pair == nil {
		return nil, false, nil
	}
	e, err := entryFromPair(pair)
	if err != nil {
		return nil, false, s.wrap("load", err)
	}
	if e.Namespace() != namespace || e.Key() != key {
		return nil, false, nil
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

func (s *Store) Save(ctx context.Context, entries ...*Entry) error {
	groups, err := statestore.GroupByNamespace(entries)
	if err != nil {
		return err
	}
	for _, group := range groups {
		for _, batch := range statestore.Batches(group.Entries, s.batchSize) {
			if err := s.saveBatch(ctx, batch); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) saveBatch(ctx context.Context, batch []*Entry) error {
	ops := make(consulapi.TxnOps, len(batch))
	byName := make(map[string]*Entry, len(batch))
	for i, e := range batch {
		op, err := s.txnOp(e)
		if err != nil {
			return err
		}
		ops[i] = &consulapi.TxnOp{KV: op}
		byName[op.Key] = e
	}

	ok, resp, _, err := s.txn.Txn(ops, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return s.wrap("save", err)
	}
	if !ok {
		return s.txnError(batch, resp)
	}

	for _, e := range batch {
		if e.IsAbsent() {
			e.SetETag(statestore.NoETag)
		}
	}
	for _, result := range resp.Results {
		if result.KV == nil {
			continue
		}
		if e, ok := byName[result.KV.Key]; ok {
			e.SetETag(indexETag(result.KV.ModifyIndex))
		}
	}
	return nil
}

func (s *Store) txnOp(e *Entry) (*consulapi.KVTxnOp, error) {
	name := statestore.ObjectName(s.path, e.Namespace(), e.Key())

	var index uint64
	if e.ETag() != statestore.NoETag {
		var err error
		index, err = strconv.ParseUint(string(e.ETag()), 10, 64)
		if err != nil || index == 0 {
			// No pair has this index.
			return nil, statestore.WriteConflict(e, statestore.NoETag)
		}
	}

	if e.IsAbsent() {
		if index == 0 {
			return &consulapi.KVTxnOp{Verb: consulapi.KVCheckNotExists, Key: name}, nil
		}
		return &consulapi.KVTxnOp{Verb: consulapi.KVDeleteCAS, Key: name, Index: index}, nil
	}

	src, err := statestore.EncodeEnvelope(e, statestore.NoETag)
	if err != nil {
		return nil, err
	}
	// A check-and-set with index 0 writes only if the key doesn't exist.
	return &consulapi.KVTxnOp{Verb: consulapi.KVCAS, Key: name, Value: src, Index: index}, nil
}

// txnError reports the first failed operation of a rolled back
// transaction.
func (s *Store) txnError(batch []*Entry, resp *consulapi.TxnResponse) error {
	if resp != nil {
		for _, txnErr := range resp.Errors {
			if txnErr.OpIndex < len(batch) {
				return statestore.WriteConflict(batch[txnErr.OpIndex], statestore.NoETag)
			}
		}
	}
	return s.wrap("save", fmt.Errorf("transaction rolled back without a reason"))
}

// DeleteNamespace removes the namespace's subtree in one request.
func (s *Store) DeleteNamespace(ctx context.Context, namespace string) error {
	if err := statestore.ValidateIdentifiers(namespace); err != nil {
		return err
	}
	if _, err := s.kv.DeleteTree(statestore.NamespacePrefix(s.path, namespace), (&consulapi.WriteOptions{}).WithContext(ctx)); err != nil {
		return s.wrap("delete", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, namespace string, keys ...string) error {
	if err := statestore.ValidateIdentifiers(namespace, keys...); err != nil {
		return err
	}
	for _, chunk := range statestore.Batches(statestore.UniqueKeys(keys), maxTxnOps) {
		ops := make(consulapi.TxnOps, len(chunk))
		for i, key := range chunk {
			ops[i] = &consulapi.TxnOp{KV: &consulapi.KVTxnOp{
				Verb: consulapi.KVDelete,
				Key:  statestore.ObjectName(s.path, namespace, key),
			}}
		}
		ok, resp, _, err := s.txn.Txn(ops, (&consulapi.QueryOptions{}).WithContext(ctx))
		if err != nil {
			return s.wrap("delete", err)
		}
		if !ok {
			var reasons []string
			if resp != nil {
				for _, txnErr := range resp.Errors {
					reasons = append(reasons, txnErr.What)
				}
			}
			return s.wrap("delete", fmt.Errorf("transaction rolled back: %s", strings.Join(reasons, "; ")))
		}
	}
	return nil
}

func (s *Store) wrap(op string, err error) error {
	return statestore.WrapBackendError(s.Backend(), op, err, isUnavailable(err))
}

// isUnavailable reports whether err is a transport failure or a server
// side fault. Consul answers 500 while it has no cluster leader.
func isUnavailable(err error) bool {
	var statusErr consulapi.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= http.StatusInternalServerError || statusErr.Code == http.StatusTooManyRequests
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func entryFromPair(pair *consulapi.KVPair) (*Entry, error) {
	env, err := statestore.DecodeEnvelope(pair.Value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", pair.Key, err)
	}
	return &Entry{Entry: statestore.LoadedEntry(env.Namespace, env.Key, indexETag(pair.ModifyIndex), env.Value)}, nil
}

func indexETag(index uint64) statestore.ETag {
	return statestore.ETag(strconv.FormatUint(index, 10))
}
