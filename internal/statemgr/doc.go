// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package statemgr contains the per-unit-of-work caching layer that sits
// in front of a [statestore.Store], and the registry and resolver that hand
// out configured managers by identity.
//
// A [Manager] owns one namespace of one store for the duration of a unit of
// work. Reads go through to the store on a cache miss and are then served
// from the cache. Writes and deletes only touch the cache until
// [Manager.SaveChanges] flushes them, which is when optimistic concurrency
// conflicts surface.
//
// Managers are not safe for concurrent use. Each unit of work should
// resolve its own managers through a [Resolver].
package statemgr
