// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package statestore

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Normalizer maps arbitrary namespace and key strings onto the restricted
// alphabet of a backend's physical identifiers.
//
// Normalization is lossy, so backends that use it must also store the
// original strings on each record and compare them on read.
type Normalizer struct {
	// Illegal reports whether a rune can't appear in a physical identifier.
	Illegal func(r rune) bool

	// Substitute replaces each illegal rune.
	Substitute rune

	// MaxLen is the maximum length in bytes of a physical identifier, or
	// zero for no limit.
	MaxLen int
}

// hashSuffixLen is the length of the suffix appended by [Normalizer.Normalize]:
// a separator and sixteen hex digits.
const hashSuffixLen = 17

// TableKeys is the normalization used for the partition and row keys of
// table-oriented backends, which reject path separators, '#', '?' and
// control characters in keys.
var TableKeys = Normalizer{
	Illegal: func(r rune) bool {
		switch r {
		case '/', '\\', '#', '?':
			return true
		}
		return unicode.IsControl(r) || r == utf8.RuneError
	},
	Substitute: '!',
	MaxLen:     1024,
}

// Normalize returns the physical form of s. It is deterministic and has no
// side effects.
//
// If any rune was substituted, or the result would exceed MaxLen, a suffix
// derived from a hash of the original string is appended (after truncating
// as needed) so that distinct originals are very unlikely to collide.
func (n Normalizer) Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	changed := false
	for _, r := range s {
		if n.Illegal != nil && n.Illegal(r) {
			b.WriteRune(n.Substitute)
			changed = true
			continue
		}
		b.WriteRune(r)
	}
	ret := b.String()
	if !changed && (n.MaxLen <= 0 || len(ret) <= n.MaxLen) {
		return ret
	}

	suffix := "~" + shortHash(s)
	if n.MaxLen > 0 && len(ret)+len(suffix) > n.MaxLen {
		ret = truncateRunes(ret, n.MaxLen-len(suffix))
	}
	return ret + suffix
}

var base32Encoding = base32.HexEncoding.WithPadding(base32.NoPadding)

// maxPathSegment is the longest encoded segment we produce before falling
// back to a hash, keeping file and object names well under common limits.
const maxPathSegment = 128

// PathSegment encodes s as a single path segment that is safe on
// case-insensitive filesystems and in object store keys: lowercase
// base32hex without padding, or "h-" followed by a SHA-256 of s when the
// encoding would be too long.
func PathSegment(s string) string {
	enc := strings.ToLower(base32Encoding.EncodeToString([]byte(s)))
	if len(enc) <= maxPathSegment {
		return enc
	}
	sum := sha256.Sum256([]byte(s))
	return "h-" + hex.EncodeToString(sum[:])
}

// ObjectName returns the name of the object that holds the given record in
// a blob-oriented backend, below an optional prefix.
func ObjectName(prefix, namespace, key string) string {
	return NamespacePrefix(prefix, namespace) + PathSegment(key) + ".json"
}

// NamespacePrefix returns the prefix shared by all objects of a namespace,
// including the trailing separator.
func NamespacePrefix(prefix, namespace string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return prefix + PathSegment(namespace) + "/"
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
