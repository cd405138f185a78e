// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type fakeObject struct {
	data []byte
	etag string
}

// fakeS3 is an in-memory bucket honoring the conditional request headers.
type fakeS3 struct {
	mu       sync.Mutex
	bucket   bool
	pageSize int
	objects  map[string]fakeObject
	version  int
	puts     []*s3.PutObjectInput
	getErr   error
}

var _ s3API = (*fakeS3)(nil)

func newFakeS3() *fakeS3 {
	return &fakeS3{
		bucket:   true,
		pageSize: 10,
		objects:  map[string]fakeObject{},
	}
}

func preconditionFailed() error {
	return &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
}

func (f *fakeS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	obj, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body: io.NopCloser(bytes.NewReader(obj.data)),
		ETag: aws.String(obj.etag),
	}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ETag: aws.String(obj.etag)}, nil
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, params)
	name := aws.ToString(params.Key)
	cur, exists := f.objects[name]
	if aws.ToString(params.IfNoneMatch) == "*" && exists {
		return nil, preconditionFailed()
	}
	if params.IfMatch != nil && (!exists || cur.etag != *params.IfMatch) {
		if !exists {
			return nil, &types.NoSuchKey{}
		}
		return nil, preconditionFailed()
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.version++
	obj := fakeObject{data: data, etag: strconv.Quote(fmt.Sprintf("v%d", f.version))}
	f.objects[name] = obj
	return &s3.PutObjectOutput{ETag: aws.String(obj.etag)}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(params.Key)
	cur, exists := f.objects[name]
	if params.IfMatch != nil {
		if !exists {
			return nil, &types.NoSuchKey{}
		}
		if cur.etag != *params.IfMatch {
			return nil, preconditionFailed()
		}
	}
	delete(f.objects, name)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.bucket {
		return nil, &types.NoSuchBucket{}
	}
	var names []string
	for _, name := range slices.Sorted(maps.Keys(f.objects)) {
		if strings.HasPrefix(name, aws.ToString(params.Prefix)) && name > aws.ToString(params.ContinuationToken) {
			names = append(names, name)
		}
	}
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	if len(names) > f.pageSize {
		names = names[:f.pageSize]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(names[len(names)-1])
	}
	for _, name := range names {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(name)})
	}
	return out, nil
}

func (f *fakeS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.bucket {
		return nil, &types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateBucket(context.Context, *s3.CreateBucketInput, ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bucket {
		return nil, &types.BucketAlreadyOwnedByYou{}
	}
	f.bucket = true
	return &s3.CreateBucketOutput{}, nil
}
