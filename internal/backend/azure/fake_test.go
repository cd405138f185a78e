// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package azure

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
)

type fakeBlob struct {
	data []byte
	etag azcore.ETag
}

// fakeContainer keeps blobs in memory and enforces ETag conditions the way
// Blob Storage does.
type fakeContainer struct {
	mu      sync.Mutex
	exists  bool
	blobs   map[string]fakeBlob
	counter int
}

var _ blobContainer = (*fakeContainer)(nil)

func newFakeContainer() *fakeContainer {
	return &fakeContainer{exists: true, blobs: map[string]fakeBlob{}}
}

func (f *fakeContainer) download(_ context.Context, name string) ([]byte, azcore.ETag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blobs[name]
	if !ok {
		return nil, "", errBlobNotFound
	}
	return bytes.Clone(b.data), b.etag, nil
}

func (f *fakeContainer) properties(_ context.Context, name string) (azcore.ETag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blobs[name]
	if !ok {
		return "", errBlobNotFound
	}
	return b.etag, nil
}

func (f *fakeContainer) upload(_ context.Context, name string, etag azcore.ETag, data []byte) (azcore.ETag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.exists {
		return "", errContainerNotFound
	}
	cur, ok := f.blobs[name]
	if (etag == "" && ok) || (etag != "" && (!ok || cur.etag != etag)) {
		return "", errConditionNotMet
	}
	f.counter++
	next := azcore.ETag(fmt.Sprintf("\"0x8DC%08X\"", f.counter))
	f.blobs[name] = fakeBlob{data: bytes.Clone(data), etag: next}
	return next, nil
}

func (f *fakeContainer) remove(_ context.Context, name string, etag azcore.ETag) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.blobs[name]
	if !ok {
		return errBlobNotFound
	}
	if etag != "" && cur.etag != etag {
		return errConditionNotMet
	}
	delete(f.blobs, name)
	return nil
}

func (f *fakeContainer) list(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.exists {
		return nil, errContainerNotFound
	}
	var names []string
	for _, name := range slices.Sorted(maps.Keys(f.blobs)) {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

func (f *fakeContainer) create(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exists = true
	return nil
}
