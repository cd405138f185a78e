// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package testutils

import (
	"math/rand"
	"strings"
	"time"
)

const lowerAlphaNumeric = "abcdefghijklmnopqrstuvwxyz0123456789"

// RandomID generates a random, lowercase ASCII identifier of the given length, suitable for names of buckets,
// containers and tables. This function is for test purposes only and should not be used for real identifiers as
// they are not guaranteed to be truly random or globally unique.
func RandomID(length uint) string {
	random := rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // Test identifiers only.
	var builder strings.Builder
	for i := uint(0); i < length; i++ {
		builder.WriteByte(lowerAlphaNumeric[random.Intn(len(lowerAlphaNumeric))])
	}
	return builder.String()
}

// RandomIDPrefix generates a random identifier with the given prefix.
func RandomIDPrefix(prefix string, length uint) string {
	return prefix + RandomID(length)
}
