// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package gcs

import (
	"bytes"
	"context"
	"maps"
	"slices"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
)

type fakeObject struct {
	data []byte
	gen  int64
}

// fakeBucket keeps objects in memory and enforces generation
// preconditions the way Cloud Storage does.
type fakeBucket struct {
	mu      sync.Mutex
	exists  bool
	objects map[string]fakeObject
	nextGen int64
}

var _ bucket = (*fakeBucket)(nil)

func newFakeBucket() *fakeBucket {
	return &fakeBucket{
		exists:  true,
		objects: map[string]fakeObject{},
		nextGen: 1700000000000000,
	}
}

func (f *fakeBucket) read(_ context.Context, name string) ([]byte, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[name]
	if !ok {
		return nil, 0, storage.ErrObjectNotExist
	}
	return bytes.Clone(obj.data), obj.gen, nil
}

func (f *fakeBucket) generation(_ context.Context, name string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[name]
	if !ok {
		return 0, storage.ErrObjectNotExist
	}
	return obj.gen, nil
}

func (f *fakeBucket) write(_ context.Context, name string, gen int64, data []byte) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.objects[name]
	switch {
	case gen == noGeneration && ok:
		return 0, errPrecondition
	case gen != noGeneration && (!ok || cur.gen != gen):
		return 0, errPrecondition
	}
	f.nextGen++
	f.objects[name] = fakeObject{data: bytes.Clone(data), gen: f.nextGen}
	return f.nextGen, nil
}

func (f *fakeBucket) remove(_ context.Context, name string, gen int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.objects[name]
	if !ok {
		return storage.ErrObjectNotExist
	}
	if gen != noGeneration && cur.gen != gen {
		return errPrecondition
	}
	delete(f.objects, name)
	return nil
}

func (f *fakeBucket) list(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.exists {
		return nil, storage.ErrBucketNotExist
	}
	var names []string
	for _, name := range slices.Sorted(maps.Keys(f.objects)) {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

func (f *fakeBucket) ensure(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exists = true
	return nil
}
