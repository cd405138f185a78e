// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package statestore

import (
	"encoding/json"
	"fmt"
)

// Envelope is the serialized form of a record in backends that store one
// blob per record. It keeps the original namespace and key alongside the
// value so that a namespace scan can recover them from the blob alone.
type Envelope struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`

	// ETag is only populated by backends that have no native version
	// token and so keep their own inside the blob.
	ETag ETag `json:"etag,omitempty"`

	Value json.RawMessage `json:"value"`
}

// EncodeEnvelope serializes the given record's current value.
func EncodeEnvelope(r Record, etag ETag) ([]byte, error) {
	raw, err := r.Base().Encode()
	if err != nil {
		return nil, err
	}
	if raw == nil {
		raw = json.RawMessage("null")
	}
	return json.Marshal(Envelope{
		Namespace: r.Namespace(),
		Key:       r.Key(),
		ETag:      etag,
		Value:     raw,
	})
}

// DecodeEnvelope parses a blob written by [EncodeEnvelope].
func DecodeEnvelope(src []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(src, &env); err != nil {
		return nil, fmt.Errorf("invalid state record envelope: %w", err)
	}
	if err := ValidateIdentifiers(env.Namespace, env.Key); err != nil {
		return nil, fmt.Errorf("invalid state record envelope: %w", err)
	}
	return &env, nil
}

// Matches returns true if the envelope belongs to the given record address.
func (env *Envelope) Matches(namespace, key string) bool {
	return env.Namespace == namespace && env.Key == key
}
