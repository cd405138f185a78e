// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package statestore defines our internal abstraction for persisted
// application state, along with vocabulary types and utilities needed by
// implementations of this abstraction.
//
// State storage is conceptually a two-level key/value store: records are
// partitioned by a namespace string and addressed within that namespace by
// a key string. Values are arbitrary JSON-serializable data that the storage
// implementation treats as opaque bytes. Every persisted record carries an
// [ETag], an opaque version token that changes on each successful write.
//
// A fully-fledged state storage implementation can:
//
//   - Read a single record, a set of records, or every record in a namespace.
//   - Insert a record that must not already exist.
//   - Replace or remove a record only if its current ETag matches the one
//     the caller last observed.
//   - Remove individual records, or an entire namespace, unconditionally.
//
// Implementations never retry a conflicting write. A conflict is reported
// to the caller as [ErrAlreadyExists] or [ErrConcurrencyViolation] and it is
// up to the caller to reload and try again.
//
// Each implementation defines its own entry type that embeds [Entry] and
// implements [Store] over that type, so that entries loaded from one backend
// can't be handed to the store of another.
//
// Values are decoded lazily: an [Entry] loaded from a backend keeps the raw
// bytes until the first call to [GetValue], and caches the decoded value
// from then on.
package statestore
