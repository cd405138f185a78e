// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package consul

import (
	"bytes"
	"errors"
	"maps"
	"slices"
	"strings"
	"sync"

	consulapi "github.com/hashicorp/consul/api"
)

// fakeConsul is an in-memory KV store that applies transactions the way a
// Consul server does: every operation is checked before any is applied,
// and each write takes the next raft index.
type fakeConsul struct {
	mu     sync.Mutex
	pairs  map[string]*consulapi.KVPair
	index  uint64
	leader string
	txns   int
	getErr error
}

var (
	_ kvAPI     = (*fakeConsul)(nil)
	_ txnAPI    = (*fakeConsul)(nil)
	_ statusAPI = (*fakeConsul)(nil)
)

func newFakeConsul() *fakeConsul {
	return &fakeConsul{
		pairs:  map[string]*consulapi.KVPair{},
		index:  100,
		leader: "127.0.0.1:8300",
	}
}

func copyPair(p *consulapi.KVPair) *consulapi.KVPair {
	ret := *p
	ret.Value = bytes.Clone(p.Value)
	return &ret
}

func (f *fakeConsul) Get(key string, _ *consulapi.QueryOptions) (*consulapi.KVPair, *consulapi.QueryMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, nil, f.getErr
	}
	p, ok := f.pairs[key]
	if !ok {
		return nil, &consulapi.QueryMeta{LastIndex: f.index}, nil
	}
	return copyPair(p), &consulapi.QueryMeta{LastIndex: f.index}, nil
}

func (f *fakeConsul) List(prefix string, _ *consulapi.QueryOptions) (consulapi.KVPairs, *consulapi.QueryMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ret consulapi.KVPairs
	for _, key := range slices.Sorted(maps.Keys(f.pairs)) {
		if strings.HasPrefix(key, prefix) {
			ret = append(ret, copyPair(f.pairs[key]))
		}
	}
	return ret, &consulapi.QueryMeta{LastIndex: f.index}, nil
}

func (f *fakeConsul) DeleteTree(prefix string, _ *consulapi.WriteOptions) (*consulapi.WriteMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key := range f.pairs {
		if strings.HasPrefix(key, prefix) {
			delete(f.pairs, key)
		}
	}
	f.index++
	return &consulapi.WriteMeta{}, nil
}

func (f *fakeConsul) Txn(ops consulapi.TxnOps, _ *consulapi.QueryOptions) (bool, *consulapi.TxnResponse, *consulapi.QueryMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txns++
	if len(ops) > maxTxnOps {
		return false, nil, nil, errors.New("Unexpected response code: 413 (Transaction contains too many operations)")
	}

	resp := &consulapi.TxnResponse{}
	for i, op := range ops {
		kv := op.KV
		cur, exists := f.pairs[kv.Key]
		var failed string
		switch kv.Verb {
		case consulapi.KVCAS:
			if (kv.Index == 0 && exists) || (kv.Index != 0 && (!exists || cur.ModifyIndex != kv.Index)) {
				failed = "failed to set key " + kv.Key + ", index is stale"
			}
		case consulapi.KVDeleteCAS:
			if !exists || cur.ModifyIndex != kv.Index {
				failed = "failed to delete key " + kv.Key + ", index is stale"
			}
		case consulapi.KVCheckNotExists:
			if exists {
				failed = "key " + kv.Key + " exists"
			}
		case consulapi.KVDelete:
		default:
			failed = "unsupported verb " + string(kv.Verb)
		}
		if failed != "" {
			resp.Errors = append(resp.Errors, &consulapi.TxnError{OpIndex: i, What: failed})
		}
	}
	if len(resp.Errors) > 0 {
		return false, resp, &consulapi.QueryMeta{}, nil
	}

	f.index++
	for _, op := range ops {
		kv := op.KV
		switch kv.Verb {
		case consulapi.KVCAS:
			p := &consulapi.KVPair{Key: kv.Key, Value: bytes.Clone(kv.Value), ModifyIndex: f.index}
			if cur, ok := f.pairs[kv.Key]; ok {
				p.CreateIndex = cur.CreateIndex
			} else {
				p.CreateIndex = f.index
			}
			f.pairs[kv.Key] = p
			// Results leave out the value, as the server does.
			resp.Results = append(resp.Results, &consulapi.TxnResult{KV: &consulapi.KVPair{
				Key:         p.Key,
				CreateIndex: p.CreateIndex,
				ModifyIndex: p.ModifyIndex,
			}})
		case consulapi.KVDeleteCAS, consulapi.KVDelete:
			delete(f.pairs, kv.Key)
		}
	}
	return true, resp, &consulapi.QueryMeta{}, nil
}

func (f *fakeConsul) Leader() (string, error) {
	return f.leader, nil
}
