// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package traceattrs

import (
	"go.opentelemetry.io/otel/attribute"
)

// This file defines the attribute names that many different spans share.
//
// This package must not import anything from this module except version,
// so that every other package can use it.

// StateBackend identifies the storage backend that served a span, as
// returned by the store's Backend method.
func StateBackend(name string) attribute.KeyValue {
	return attribute.String("statestore.backend", name)
}

// StateNamespace identifies the namespace a span operates on.
func StateNamespace(ns string) attribute.KeyValue {
	return attribute.String("statestore.namespace", ns)
}

// StateKey identifies the single record a span operates on.
func StateKey(key string) attribute.KeyValue {
	return attribute.String("statestore.key", key)
}

// StateRecordCount reports how many records a span read or wrote.
func StateRecordCount(n int) attribute.KeyValue {
	return attribute.Int("statestore.record_count", n)
}

// StateManagerID identifies the configured state manager a span belongs to.
func StateManagerID(id string) attribute.KeyValue {
	return attribute.String("statestore.manager", id)
}
