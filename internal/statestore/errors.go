// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package statestore

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrAlreadyExists is matched by errors from an insert (a save without
	// an ETag) of a record that already exists.
	ErrAlreadyExists = errors.New("state record already exists")

	// ErrConcurrencyViolation is matched by errors from a conditional write
	// whose ETag no longer matches the stored record, including the case
	// where the record was removed in the meantime.
	ErrConcurrencyViolation = errors.New("state record was modified concurrently")

	// ErrTypeMismatch is matched by errors from [GetValue] when the stored
	// value can't be represented as the requested type.
	ErrTypeMismatch = errors.New("state value has an unexpected type")

	// ErrBackendUnavailable is matched by errors caused by the storage
	// backend being unreachable or refusing the request for reasons other
	// than a conflict.
	ErrBackendUnavailable = errors.New("state storage backend unavailable")

	// ErrUnsupported is matched by errors from operations that a particular
	// backend can't perform.
	ErrUnsupported = errors.New("operation not supported by this state storage")

	// ErrInvalidIdentifier is matched by errors caused by an empty
	// namespace or key, or a key repeated within one save.
	ErrInvalidIdentifier = errors.New("invalid state namespace or key")
)

// AlreadyExistsError is returned when inserting a record that already
// exists.
type AlreadyExistsError struct {
	Namespace string
	Key       string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("state record %q in namespace %q already exists", e.Key, e.Namespace)
}

func (e *AlreadyExistsError) Is(target error) bool {
	return target == ErrAlreadyExists
}

// ConcurrencyViolationError is returned when a conditional write finds a
// different ETag than the caller expected.
type ConcurrencyViolationError struct {
	Namespace string
	Key       string

	// Expected is the ETag that the caller presented.
	Expected ETag

	// Current is the ETag currently stored, when the backend reports it.
	// It is NoETag when the record no longer exists or the backend doesn't
	// say.
	Current ETag
}

func (e *ConcurrencyViolationError) Error() string {
	if e.Current == NoETag {
		return fmt.Sprintf("state record %q in namespace %q was modified concurrently (expected etag %q)", e.Key, e.Namespace, e.Expected)
	}
	return fmt.Sprintf("state record %q in namespace %q was modified concurrently (expected etag %q, found %q)", e.Key, e.Namespace, e.Expected, e.Current)
}

func (e *ConcurrencyViolationError) Is(target error) bool {
	return target == ErrConcurrencyViolation
}

// TypeMismatchError is returned by [GetValue].
type TypeMismatchError struct {
	Namespace string
	Key       string
	Want      string
	Got       string
	Err       error
}

func (e *TypeMismatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("state value %q in namespace %q can't be read as %s: %s", e.Key, e.Namespace, e.Want, e.Err)
	}
	return fmt.Sprintf("state value %q in namespace %q is %s, not %s", e.Key, e.Namespace, e.Got, e.Want)
}

func (e *TypeMismatchError) Is(target error) bool {
	return target == ErrTypeMismatch
}

func (e *TypeMismatchError) Unwrap() error {
	return e.Err
}

// BackendError wraps a fault reported by a storage backend that doesn't
// map to one of the conflict errors.
type BackendError struct {
	Backend   string
	Operation string
	Err       error

	// Unavailable is set when the fault means the backend couldn't be
	// reached or refused to serve the request, so that the error
	// matches ErrBackendUnavailable.
	Unavailable bool
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %s failed: %s", e.Backend, e.Operation, e.Err)
}

func (e *BackendError) Is(target error) bool {
	return target == ErrBackendUnavailable && e.Unavailable
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// UnsupportedError is returned for operations that a backend can't perform.
type UnsupportedError struct {
	Backend   string
	Operation string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("%s does not support %s", e.Backend, e.Operation)
}

func (e *UnsupportedError) Is(target error) bool {
	return target == ErrUnsupported
}

// WrapBackendError returns err unchanged if it is nil or already one of
// the errors defined in this package, and otherwise wraps it in a
// [BackendError].
//
// Context cancellation and deadline errors are treated as the backend
// being unavailable.
func WrapBackendError(backend, op string, err error, unavailable bool) error {
	if err == nil {
		return nil
	}
	if isTaxonomyError(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		unavailable = true
	}
	return &BackendError{
		Backend:     backend,
		Operation:   op,
		Err:         err,
		Unavailable: unavailable,
	}
}

func isTaxonomyError(err error) bool {
	var (
		backendErr     *BackendError
		existsErr      *AlreadyExistsError
		concurrencyErr *ConcurrencyViolationError
		unsupportedErr *UnsupportedError
	)
	return errors.As(err, &backendErr) ||
		errors.As(err, &existsErr) ||
		errors.As(err, &concurrencyErr) ||
		errors.As(err, &unsupportedErr) ||
		errors.Is(err, ErrInvalidIdentifier)
}

// WriteConflict returns the conflict error appropriate for a failed
// conditional write of the given record: [AlreadyExistsError] if the caller
// presented no ETag, or [ConcurrencyViolationError] otherwise.
func WriteConflict(r Record, current ETag) error {
	if r.ETag() == NoETag {
		return &AlreadyExistsError{Namespace: r.Namespace(), Key: r.Key()}
	}
	return &ConcurrencyViolationError{
		Namespace: r.Namespace(),
		Key:       r.Key(),
		Expected:  r.ETag(),
		Current:   current,
	}
}
