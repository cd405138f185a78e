// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// errPrecondition reports a failed generation precondition.
var errPrecondition = errors.New("generation precondition failed")

// noGeneration asks for an object that must not exist yet.
const noGeneration int64 = 0

// bucket is the subset of Cloud Storage the store uses. Generations are
// the objects' version numbers; every method reports a failed
// precondition as errPrecondition and a missing object as
// storage.ErrObjectNotExist.
type bucket interface {
	read(ctx context.Context, name string) ([]byte, int64, error)
	generation(ctx context.Context, name string) (int64, error)
	// write replaces the object if its generation is gen, or creates it if
	// gen is noGeneration, and returns the new generation.
	write(ctx context.Context, name string, gen int64, data []byte) (int64, error)
	// remove deletes the object, unconditionally if gen is noGeneration.
	remove(ctx context.Context, name string, gen int64) error
	list(ctx context.Context, prefix string) ([]string, error)
	ensure(ctx context.Context) error
}

// Config is the configuration of a Cloud Storage store.
type Config struct {
	Bucket string `hcl:"bucket"`
	Prefix string `hcl:"prefix,optional"`

	// Credentials is a service account key, given either as its JSON text
	// or as a path to it. Application default credentials are used if
	// unset.
	Credentials string `hcl:"credentials,optional"`

	// Project and Location are used only to create a missing bucket.
	Project  string `hcl:"project,optional"`
	Location string `hcl:"location,optional"`

	KMSKeyName string `hcl:"kms_encryption_key,optional"`

	BatchSize int `hcl:"batch_size,optional"`
}

// New returns a store for the configured bucket.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs state store requires a bucket")
	}
	if strings.Contains(strings.TrimSuffix(cfg.Prefix, "/"), "//") {
		return nil, fmt.Errorf("invalid prefix %q", cfg.Prefix)
	}

	var opts []option.ClientOption
	if cfg.Credentials != "" {
		creds := []byte(cfg.Credentials)
		if !strings.HasPrefix(strings.TrimSpace(cfg.Credentials), "{") {
			src, err := os.ReadFile(cfg.Credentials)
			if err != nil {
				return nil, fmt.Errorf("reading credentials: %w", err)
			}
			creds = src
		}
		opts = append(opts, option.WithCredentialsJSON(creds))
	}
	opts = append(opts, option.WithUserAgent("statectl"))

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}
	b := &gcsBucket{
		handle:     client.Bucket(cfg.Bucket),
		project:    cfg.Project,
		location:   cfg.Location,
		kmsKeyName: cfg.KMSKeyName,
	}
	return newStore(b, cfg.Prefix, cfg.BatchSize), nil
}

type gcsBucket struct {
	handle     *storage.BucketHandle
	project    string
	location   string
	kmsKeyName string
}

func (b *gcsBucket) read(ctx context.Context, name string) ([]byte, int64, error) {
	r, err := b.handle.Object(name).NewReader(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, err
	}
	return data, r.Attrs.Generation, nil
}

func (b *gcsBucket) generation(ctx context.Context, name string) (int64, error) {
	attrs, err := b.handle.Object(name).Attrs(ctx)
	if err != nil {
		return 0, err
	}
	return attrs.Generation, nil
}

func (b *gcsBucket) write(ctx context.Context, name string, gen int64, data []byte) (int64, error) {
	obj := b.handle.Object(name)
	if gen == noGeneration {
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	} else {
		obj = obj.If(storage.Conditions{GenerationMatch: gen})
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if b.kmsKeyName != "" {
		w.KMSKeyName = b.kmsKeyName
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return 0, translate(err)
	}
	if err := w.Close(); err != nil {
		return 0, translate(err)
	}
	return w.Attrs().Generation, nil
}

func (b *gcsBucket) remove(ctx context.Context, name string, gen int64) error {
	obj := b.handle.Object(name)
	if gen != noGeneration {
		obj = obj.If(storage.Conditions{GenerationMatch: gen})
	}
	return translate(obj.Delete(ctx))
}

func (b *gcsBucket) list(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	objs := b.handle.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := objs.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			if errors.Is(translate(err), storage.ErrObjectNotExist) {
				return nil, storage.ErrBucketNotExist
			}
			return nil, err
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

func (b *gcsBucket) ensure(ctx context.Context) error {
	_, err := b.handle.Attrs(ctx)
	if !errors.Is(err, storage.ErrBucketNotExist) {
		return err
	}
	if b.project == "" {
		return fmt.Errorf("bucket does not exist and no project is configured to create it in")
	}
	err = b.handle.Create(ctx, b.project, &storage.BucketAttrs{Location: b.location})
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict {
		return nil
	}
	return err
}

func translate(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusPreconditionFailed:
			return errPrecondition
		case http.StatusNotFound:
			return storage.ErrObjectNotExist
		}
	}
	return err
}

// isUnavailable reports whether err is a transport failure or a response
// the service marks as transient.
func isUnavailable(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code >= http.StatusInternalServerError || apiErr.Code == http.StatusTooManyRequests
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
