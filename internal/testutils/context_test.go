// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package testutils_test

import (
	"testing"
	"time"

	"github.com/opentofu/statestore/internal/testutils"
)

func TestContext(t *testing.T) {
	ctx := testutils.Context(t)
	tDeadline, tOk := t.Deadline()
	ctxDeadline, ctxOk := ctx.Deadline()
	if tOk != ctxOk {
		t.Fatalf("The context deadline does not follow the test deadline ('ok' value mismatch)")
	}
	if tOk && !ctxDeadline.Before(tDeadline) {
		t.Fatalf("The context deadline leaves no time for cleanup")
	}
}

func TestCleanupContext(t *testing.T) {
	ctx := testutils.CleanupContext(t)
	deadline, ok := ctx.Deadline()
	if !ok {
		t.Fatal("The cleanup context has no deadline")
	}
	if time.Until(deadline) > 5*time.Minute {
		t.Fatalf("The cleanup context deadline is too far away: %s", deadline)
	}
}
