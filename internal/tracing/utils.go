// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package tracing

import (
	"context"
	"errors"
	"log"
	"runtime"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns the tracer named after the import path of the calling
// function's package, or a no-op tracer when tracing is disabled.
func Tracer() trace.Tracer {
	if !isTracingEnabled {
		return otel.Tracer("")
	}

	pc, _, _, ok := runtime.Caller(1)
	if !ok || runtime.FuncForPC(pc) == nil {
		return otel.Tracer("")
	}

	return otel.GetTracerProvider().Tracer(extractImportPath(runtime.FuncForPC(pc).Name()))
}

// SetSpanError marks the span as failed and records the given error,
// message or configuration diagnostics on it. A nil error, an empty
// string or diagnostics without errors leave the span untouched.
func SetSpanError(span trace.Span, input any) {
	if span == nil || input == nil {
		return
	}

	// hcl.Diagnostics is also an error, so it must be matched first.
	switch v := input.(type) {
	case hcl.Diagnostics:
		if v.HasErrors() {
			span.SetStatus(codes.Error, v.Error())
			span.RecordError(v)
		}
	case error:
		if v != nil {
			span.SetStatus(codes.Error, v.Error())
			span.RecordError(v)
		}
	case string:
		if v != "" {
			span.SetStatus(codes.Error, v)
			span.RecordError(errors.New(v))
		}
	default:
		span.SetStatus(codes.Error, "ERROR: unsupported input type for SetSpanError.")
		span.AddEvent("ERROR: unsupported input type for SetSpanError")
	}
}

// ForceFlush exports any buffered spans before the process exits. It does
// nothing when tracing is disabled.
func ForceFlush(timeout time.Duration) {
	if !isTracingEnabled {
		return
	}

	provider, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	if !ok {
		log.Printf("[TRACE] OpenTelemetry: tracer provider is not an SDK provider, can't force flush")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	log.Printf("[TRACE] OpenTelemetry: flushing spans")
	if err := provider.ForceFlush(ctx); err != nil {
		log.Printf("[WARN] OpenTelemetry: error flushing spans: %v", err)
	}
}

// extractImportPath extracts the import path from a function name as
// reported by runtime.FuncForPC, such as:
//
//	main.(*MyType).MyMethod
//	github.com/you/pkg.(*SomeType).Method-fm
//	github.com/you/pkg.functionName
func extractImportPath(fullName string) string {
	lastSlash := strings.LastIndex(fullName, "/")
	if lastSlash == -1 {
		if dot := strings.Index(fullName, "."); dot != -1 {
			return fullName[:dot]
		}
		log.Printf("[WARN] unable to extract import path from function name: %q. Tracing may be incomplete.", fullName)
		return "unknown"
	}

	dotAfterSlash := strings.Index(fullName[lastSlash:], ".")
	if dotAfterSlash == -1 {
		log.Printf("[WARN] unable to extract import path from function name: %q. Tracing may be incomplete.", fullName)
		return "unknown"
	}

	return fullName[:lastSlash+dotAfterSlash]
}

// SpanAttributes wraps [trace.WithAttributes].
func SpanAttributes(attrs ...attribute.KeyValue) trace.SpanStartEventOption {
	return trace.WithAttributes(attrs...)
}
