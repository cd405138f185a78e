// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package traceattrs

// This file wraps the few symbols we use from the OpenTelemetry "semconv"
// package and the SDK "resource" package, whose versions must be kept in
// step with each other to avoid schema URL conflicts at runtime.

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk"
	"go.opentelemetry.io/otel/sdk/resource"

	// This MUST match the semconv version used by
	// "go.opentelemetry.io/otel/sdk/resource".
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"

	"github.com/opentofu/statestore/version"
)

// NewResource constructs the resource describing this process for the
// global tracer provider.
func NewResource(ctx context.Context, serviceName string) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithOS(),
		resource.WithHost(),
		resource.WithProcess(),
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version.String()),
			semconv.TelemetrySDKName("opentelemetry"),
			semconv.TelemetrySDKLanguageGo,
			semconv.TelemetrySDKVersion(sdk.Version()),
		),
	)
}

// DBSystemName returns the semantic-convention attribute naming the
// database product behind a span, such as "postgresql" or "aws.dynamodb".
func DBSystemName(val string) attribute.KeyValue {
	return attribute.String(string(semconv.DBSystemNameKey), val)
}

// DBCollectionName returns the semantic-convention attribute naming the
// table, bucket or container a span operates on.
//
// This wraps [semconv.DBCollectionName].
func DBCollectionName(val string) attribute.KeyValue {
	return semconv.DBCollectionName(val)
}

// DBOperationBatchSize returns the semantic-convention attribute for the
// number of records in a batched operation.
//
// This wraps [semconv.DBOperationBatchSize].
func DBOperationBatchSize(val int) attribute.KeyValue {
	return semconv.DBOperationBatchSize(val)
}
