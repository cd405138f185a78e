// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package s3

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/opentofu/statestore/internal/backend/awsutil"
)

// Config is the configuration of an S3 store.
type Config struct {
	Bucket string `hcl:"bucket"`

	// Prefix is prepended to every object name.
	Prefix string `hcl:"prefix,optional"`

	Region       string `hcl:"region,optional"`
	Profile      string `hcl:"profile,optional"`
	Endpoint     string `hcl:"endpoint,optional"`
	UsePathStyle bool   `hcl:"use_path_style,optional"`
	AccessKey    string `hcl:"access_key,optional"`
	SecretKey    string `hcl:"secret_key,optional"`
	Token        string `hcl:"token,optional"`

	// KMSKeyID enables server-side encryption with the given key.
	KMSKeyID string `hcl:"kms_key_id,optional"`

	BatchSize int `hcl:"batch_size,optional"`
}

// New returns a store for the configured bucket. The bucket is not
// contacted until the first operation.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 state store requires a bucket")
	}
	awsCfg, err := awsutil.LoadConfig(ctx, awsutil.Options{
		Region:    cfg.Region,
		Profile:   cfg.Profile,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Token:     cfg.Token,
	})
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return &Store{
		client:    client,
		bucket:    cfg.Bucket,
		prefix:    cfg.Prefix,
		region:    awsCfg.Region,
		kmsKeyID:  cfg.KMSKeyID,
		batchSize: cfg.BatchSize,
	}, nil
}
