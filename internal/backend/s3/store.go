// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package s3 implements a state store that keeps one object per record in
// an Amazon S3 bucket, or in a service compatible with its conditional
// writes.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/opentofu/statestore/internal/backend/awsutil"
	"github.com/opentofu/statestore/internal/statestore"
)

const contentTypeJSON = "application/json"

// s3API is the subset of the S3 client the store calls.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

var _ s3API = (*s3.Client)(nil)

// Entry is the entry type of [Store].
type Entry struct {
	statestore.Entry
}

// Store is a [statestore.Store] over an S3 bucket. Each record is an object
// named by [statestore.ObjectName] holding a [statestore.Envelope], and the
// object's ETag is the record's ETag.
//
// Records are written one request each, guarded by If-None-Match or
// If-Match. A failed Save can therefore leave some of its entries
// committed; those entries carry their new ETags, so the save can be
// retried.
type Store struct {
	client    s3API
	bucket    string
	prefix    string
	region    string
	kmsKeyID  string
	batchSize int
}

var _ statestore.Store[*Entry] = (*Store)(nil)

func (s *Store) Backend() string {
	return "s3"
}

func (s *Store) CreateNew(namespace, key string) *Entry {
	return &Entry{Entry: statestore.NewEntry(namespace, key)}
}

// EnsureReady creates the bucket if it doesn't exist.
func (s *Store) EnsureReady(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	var notFound *types.NotFound
	if !errors.As(err, &notFound) {
		return s.wrap("prepare", err)
	}

	log.Printf("[INFO] s3: creating bucket %q", s.bucket)
	input := &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}
	if s.region != "" && s.region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.region),
		}
	}
	_, err = s.client.CreateBucket(ctx, input)
	var owned *types.BucketAlreadyOwnedByYou
	if err != nil && !errors.As(err, &owned) {
		return s.wrap("prepare", err)
	}
	return nil
}

func (s *Store) LoadNamespace(ctx context.Context, namespace string) ([]*Entry, error) {
	if err := statestore.ValidateIdentifiers(namespace); err != nil {
		return nil, err
	}

	var names []string
	pg := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(statestore.NamespacePrefix(s.prefix, namespace)),
	})
	for pg.HasMorePages() {
		page, err := pg.NextPage(ctx)
		if err != nil {
			var noBucket *types.NoSuchBucket
			if errors.As(err, &noBucket) {
				return nil, nil
			}
			return nil, s.wrap("list", err)
		}
		for _, obj := range page.Contents {
			if name := aws.ToString(obj.Key); strings.HasSuffix(name, ".json") {
				names = append(names, name)
			}
		}
	}

	found := make([]*Entry, len(names))
	err := statestore.ForEach(ctx, len(names), 0, func(ctx context.Context, i int) error {
		e, err := s.getObject(ctx, names[i])
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
	e, err := s.getObject(ctx, statestore.ObjectName(s.prefix, namespace, key))
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

// getObject returns nil without an error if the object doesn't exist.
func (s *Store) getObject(ctx context.Context, name string) (*Entry, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		var noBucket *types.NoSuchBucket
		if errors.As(err, &noKey) || errors.As(err, &noBucket) {
			return nil, nil
		}
		return nil, s.wrap("load", err)
	}
	defer out.Body.Close()

	buf := bytes.NewBuffer(nil)
	if _, err := io.Copy(buf, out.Body); err != nil {
		return nil, s.wrap("load", fmt.Errorf("reading %s: %w", name, err))
	}
	env, err := statestore.DecodeEnvelope(buf.Bytes())
	if err != nil {
		return nil, s.wrap("load", fmt.Errorf("%s: %w", name, err))
	}
	return &Entry{Entry: statestore.LoadedEntry(env.Namespace, env.Key, statestore.ETag(aws.ToString(out.ETag)), env.Value)}, nil
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
	expected := e.ETag()

	if e.IsAbsent() {
		if expected == statestore.NoETag {
			return s.checkAbsent(ctx, e, name)
		}
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket:  aws.String(s.bucket),
			Key:     aws.String(name),
			IfMatch: aws.String(string(expected)),
		})
		if err != nil {
			return s.writeError(e, err)
		}
		e.SetETag(statestore.NoETag)
		return nil
	}

	src, err := statestore.EncodeEnvelope(e, statestore.NoETag)
	if err != nil {
		return err
	}
	input := &s3.PutObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(name),
		Body:              bytes.NewReader(src),
		ContentType:       aws.String(contentTypeJSON),
		ContentLength:     aws.Int64(int64(len(src))),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
	}
	if expected == statestore.NoETag {
		input.IfNoneMatch = aws.String("*")
	} else {
		input.IfMatch = aws.String(string(expected))
	}
	if s.kmsKeyID != "" {
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		input.SSEKMSKeyId = aws.String(s.kmsKeyID)
	}

	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		return s.writeError(e, err)
	}
	e.SetETag(statestore.ETag(aws.ToString(out.ETag)))
	return nil
}

// checkAbsent fails a save of an absent value without an ETag if the
// record exists.
func (s *Store) checkAbsent(ctx context.Context, e *Entry, name string) error {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return nil
		}
		return s.wrap("save", err)
	}
	return statestore.WriteConflict(e, statestore.ETag(aws.ToString(out.ETag)))
}

// writeError translates the failure of a conditional write.
func (s *Store) writeError(e *Entry, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict", "NoSuchKey", "NotFound":
			return statestore.WriteConflict(e, statestore.NoETag)
		}
	}
	return s.wrap("save", err)
}

// DeleteNamespace deletes the objects of a namespace one at a time. A
// failure part-way through leaves the remaining objects in place.
func (s *Store) DeleteNamespace(ctx context.Context, namespace string) error {
	if err := statestore.ValidateIdentifiers(namespace); err != nil {
		return err
	}

	pg := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(statestore.NamespacePrefix(s.prefix, namespace)),
	})
	for pg.HasMorePages() {
		page, err := pg.NextPage(ctx)
		if err != nil {
			var noBucket *types.NoSuchBucket
			if errors.As(err, &noBucket) {
				return nil
			}
			return s.wrap("delete", err)
		}
		err = statestore.ForEach(ctx, len(page.Contents), 0, func(ctx context.Context, i int) error {
			return s.deleteObject(ctx, aws.ToString(page.Contents[i].Key))
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, namespace string, keys ...string) error {
	if err := statestore.ValidateIdentifiers(namespace, keys...); err != nil {
		return err
	}
	keys = statestore.UniqueKeys(keys)
	return statestore.ForEach(ctx, len(keys), 0, func(ctx context.Context, i int) error {
		return s.deleteObject(ctx, statestore.ObjectName(s.prefix, namespace, keys[i]))
	})
}

func (s *Store) deleteObject(ctx context.Context, name string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		var noBucket *types.NoSuchBucket
		if errors.As(err, &noKey) || errors.As(err, &noBucket) {
			return nil
		}
		return s.wrap("delete", err)
	}
	return nil
}

func (s *Store) wrap(op string, err error) error {
	return statestore.WrapBackendError(s.Backend(), op, err, awsutil.IsUnavailable(err))
}
