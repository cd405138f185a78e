// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package statestore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

// ETag is an opaque version token assigned by a [Store] each time a record
// is successfully written.
//
// Callers must treat ETags as opaque and compare them only for equality.
// Each backend chooses its own representation.
type ETag string

// NoETag is the zero value of [ETag] and means that an entry has never been
// persisted, or that the caller wants an unconditional insert.
const NoETag ETag = ""

// Record is implemented by the entry type of every [Store] implementation.
//
// Implementations embed [Entry] by value, which gives their pointer type
// all of the methods below.
type Record interface {
	Namespace() string
	Key() string
	ETag() ETag
	Base() *Entry
}

// Entry is a single stored record: its address, its version token, and its
// value.
//
// The value starts either unmaterialized, holding the raw bytes loaded from
// a backend, or materialized, holding a Go value set by the caller. The
// transition from unmaterialized to materialized happens at most once.
type Entry struct {
	namespace string
	key       string
	etag      ETag
	val       value
}

// value is either unmaterialized or materialized.
type value interface {
	isValue()
}

// unmaterialized holds backend-native JSON that has not been decoded yet.
// A nil slice means that there is no persisted value.
type unmaterialized []byte

// materialized holds a decoded (or caller-provided) Go value. A nil v is an
// absent value.
type materialized struct {
	v any
}

func (unmaterialized) isValue() {}
func (materialized) isValue()   {}

var _ Record = (*Entry)(nil)

// NewEntry returns an entry for a record that has not been persisted yet.
//
// Namespace and key must both be non-empty; passing an empty string is a
// bug in the caller and so causes a panic. Code handling external input
// should call [ValidateIdentifiers] first.
func NewEntry(namespace, key string) Entry {
	if namespace == "" || key == "" {
		panic(fmt.Sprintf("can't build statestore.Entry with empty namespace or key (%q, %q)", namespace, key))
	}
	return Entry{
		namespace: namespace,
		key:       key,
		val:       materialized{},
	}
}

// LoadedEntry returns an entry for a record read from a backend. The raw
// bytes are retained as-is and only decoded on the first call to [GetValue].
func LoadedEntry(namespace, key string, etag ETag, raw []byte) Entry {
	e := NewEntry(namespace, key)
	e.etag = etag
	if raw == nil {
		raw = []byte{}
	}
	e.val = unmaterialized(raw)
	return e
}

func (e *Entry) Namespace() string {
	return e.namespace
}

func (e *Entry) Key() string {
	return e.key
}

func (e *Entry) ETag() ETag {
	return e.etag
}

// SetETag records the version token assigned by a backend after a
// successful write. Only [Store] implementations should call this.
func (e *Entry) SetETag(etag ETag) {
	e.etag = etag
}

func (e *Entry) Base() *Entry {
	return e
}

// IsMaterialized returns true if the value has been decoded or set.
func (e *Entry) IsMaterialized() bool {
	_, ok := e.val.(materialized)
	return ok
}

// IsAbsent returns true if the entry currently carries no value, in which
// case saving it deletes the record.
func (e *Entry) IsAbsent() bool {
	switch v := e.val.(type) {
	case unmaterialized:
		return isNullJSON(v)
	case materialized:
		return isNilValue(v.v)
	default:
		return true
	}
}

// Encode returns the JSON representation of the current value, or nil if
// the value is absent.
//
// An unmaterialized value is returned byte-for-byte without a round trip
// through a Go type.
func (e *Entry) Encode() ([]byte, error) {
	switch v := e.val.(type) {
	case unmaterialized:
		if isNullJSON(v) {
			return nil, nil
		}
		return []byte(v), nil
	case materialized:
		if isNilValue(v.v) {
			return nil, nil
		}
		raw, err := json.Marshal(v.v)
		if err != nil {
			return nil, fmt.Errorf("encoding value for %q in namespace %q: %w", e.key, e.namespace, err)
		}
		return raw, nil
	default:
		return nil, nil
	}
}

// GetValue returns the value of the given record as a T.
//
// The first call on an unmaterialized entry decodes its raw bytes into T and
// caches the result, and later calls return the cached value without
// decoding again. If no value is persisted the result is the zero value of
// T and a nil error.
//
// A [TypeMismatchError] is returned if the raw bytes can't be decoded into
// T, or if the value was already materialized as a different type.
func GetValue[T any](r Record) (T, error) {
	var zero T
	e := r.Base()
	switch v := e.val.(type) {
	case nil:
		return zero, nil
	case materialized:
		if v.v == nil {
			return zero, nil
		}
		ret, ok := v.v.(T)
		if !ok {
			return zero, &TypeMismatchError{
				Namespace: e.namespace,
				Key:       e.key,
				Want:      typeName[T](),
				Got:       fmt.Sprintf("%T", v.v),
			}
		}
		return ret, nil
	case unmaterialized:
		next, ret, err := materialize[T](v)
		if err != nil {
			return zero, &TypeMismatchError{
				Namespace: e.namespace,
				Key:       e.key,
				Want:      typeName[T](),
				Got:       "JSON",
				Err:       err,
			}
		}
		e.val = next
		return ret, nil
	default:
		panic(fmt.Sprintf("unsupported value representation %T", v))
	}
}

// SetValue replaces the value of the given record. It does no I/O. Setting
// a nil pointer, map, slice or interface makes the value absent.
func SetValue[T any](r Record, v T) {
	r.Base().val = materialized{v: v}
}

// materialize is the only transition from unmaterialized to materialized.
func materialize[T any](raw unmaterialized) (materialized, T, error) {
	var ret T
	if isNullJSON(raw) {
		return materialized{}, ret, nil
	}
	if err := json.Unmarshal(raw, &ret); err != nil {
		return materialized{}, ret, err
	}
	return materialized{v: ret}, ret, nil
}

func isNullJSON(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func isNilValue(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}

func typeName[T any]() string {
	return reflect.TypeFor[T]().String()
}
