// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package awsutil holds the AWS configuration shared by the stores built on
// AWS services.
package awsutil

import (
	"context"
	"fmt"
	"net/http"
	"runtime"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	smithymiddleware "github.com/aws/smithy-go/middleware"

	"github.com/opentofu/statestore/version"
)

// Options selects the AWS configuration. Settings left unset fall back to
// the SDK's usual environment variables and shared configuration files.
type Options struct {
	Region    string
	Profile   string
	AccessKey string
	SecretKey string
	Token     string
}

// LoadConfig resolves the AWS configuration. Static credentials are used
// only when both the access key and the secret key are set.
//
// The SDK can only add the certificates named by AWS_CA_BUNDLE to its own
// buildable client, so requests use that client rather than the shared
// one from the httpclient package, and the statectl User-Agent is added
// by SDK middleware instead.
func LoadConfig(ctx context.Context, o Options) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithHTTPClient(newHTTPClient()),
		awsconfig.WithAPIOptions([]func(*smithymiddleware.Stack) error{
			awsmiddleware.AddUserAgentKeyValue("statectl", version.String()),
		}),
	}
	if o.Region != "" {
		opts = append(opts, awsconfig.WithRegion(o.Region))
	}
	if o.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(o.Profile))
	}
	if o.AccessKey != "" && o.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(o.AccessKey, o.SecretKey, o.Token),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS configuration: %w", err)
	}
	return cfg, nil
}

// newHTTPClient returns a buildable client pooled like cleanhttp's
// DefaultPooledClient.
func newHTTPClient() *awshttp.BuildableClient {
	return awshttp.NewBuildableClient().WithTransportOptions(func(tr *http.Transport) {
		tr.Proxy = http.ProxyFromEnvironment
		tr.MaxIdleConnsPerHost = runtime.GOMAXPROCS(0) + 1
	})
}
