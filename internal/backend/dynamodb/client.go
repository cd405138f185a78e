// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package dynamodb

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/opentofu/statestore/internal/backend/awsutil"
)

// Config is the configuration of a DynamoDB store. Settings left unset
// fall back to the AWS SDK's usual environment variables and shared
// configuration files.
type Config struct {
	Table     string `hcl:"table"`
	Region    string `hcl:"region,optional"`
	Profile   string `hcl:"profile,optional"`
	Endpoint  string `hcl:"endpoint,optional"`
	AccessKey string `hcl:"access_key,optional"`
	SecretKey string `hcl:"secret_key,optional"`
	Token     string `hcl:"token,optional"`

	// BatchSize is capped at the 100 actions a transaction allows.
	BatchSize int `hcl:"batch_size,optional"`
}

// New returns a store for the configured table. The table is not
// contacted until the first operation.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Table == "" {
		return nil, errors.New("dynamodb state store requires a table")
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
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newStore(client, cfg.Table, cfg.BatchSize), nil
}
