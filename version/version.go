// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package version holds the version of this build.
package version

// Version is the main version number of the current build. It is
// overridden at link time for release builds.
var Version = "0.3.0"

// Prerelease is a marker for the version, such as "dev" or "beta1". A
// release build has an empty prerelease.
var Prerelease = "dev"

// String returns the complete version string, including the prerelease
// marker if any.
func String() string {
	if Prerelease != "" {
		return Version + "-" + Prerelease
	}
	return Version
}
