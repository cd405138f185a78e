// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package testutils

import (
	"context"
	"testing"
	"time"
)

const (
	minCleanupSafety = 30 * time.Second
	maxCleanupSafety = 5 * time.Minute
)

// Context returns a context that ends before the test deadline, leaving a quarter of the remaining time (within
// bounds) for cleanup against remote services. Unlike t.Context, it is not cancelled when the test body returns, so
// it stays usable in t.Cleanup functions.
func Context(t *testing.T) context.Context {
	ctx := context.Background()
	deadline, ok := t.Deadline()
	if !ok {
		return ctx
	}
	safety := min(max(time.Until(deadline)/4, minCleanupSafety), maxCleanupSafety)
	ctx, cancel := context.WithDeadline(ctx, deadline.Add(-safety))
	t.Cleanup(cancel)
	return ctx
}

// CleanupContext returns a context for removing remote test fixtures, bounded by the test deadline and by
// maxCleanupSafety.
func CleanupContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), maxCleanupSafety)
	t.Cleanup(cancel)
	if deadline, ok := t.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		ctx, cancelDeadline = context.WithDeadline(ctx, deadline)
		t.Cleanup(cancelDeadline)
	}
	return ctx
}
