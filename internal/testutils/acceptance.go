// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package testutils

import (
	"os"
	"testing"
)

// EnvAcceptance is the environment variable that enables tests against real storage services.
const EnvAcceptance = "STATECTL_ACC"

// SkipUnlessAcceptance skips the test unless acceptance tests are enabled.
func SkipUnlessAcceptance(t *testing.T) {
	t.Helper()
	if os.Getenv(EnvAcceptance) == "" {
		t.Skipf("acceptance tests skipped unless env '%s' set", EnvAcceptance)
	}
}

// RequireEnv returns the value of the named environment variable and skips the test if it is unset.
func RequireEnv(t *testing.T, name string) string {
	t.Helper()
	v := os.Getenv(name)
	if v == "" {
		t.Skipf("%s is not set", name)
	}
	return v
}
