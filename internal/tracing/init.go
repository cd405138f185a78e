// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package tracing

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/go-logr/stdr"
	"go.opentelemetry.io/contrib/exporters/autoexport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/opentofu/statestore/internal/tracing/traceattrs"
)

// OTELExporterEnvVar selects the trace exporter. Tracing is only enabled
// when it is set to "otlp", in which case the exporter is configured by the
// standard OTEL_EXPORTER_OTLP_* environment variables.
const OTELExporterEnvVar = "OTEL_TRACES_EXPORTER"

// traceParentEnvVar and traceStateEnvVar let a parent process link our
// spans into its own trace.
const (
	traceParentEnvVar = "TRACEPARENT"
	traceStateEnvVar  = "TRACESTATE"
)

const serviceName = "statectl"

var isTracingEnabled bool

// OpenTelemetryInit initializes the optional OpenTelemetry exporter.
//
// By default nothing is exported at all. Setting OTEL_TRACES_EXPORTER=otlp
// enables an OTLP exporter.
//
// Returns the context with the parent trace extracted from TRACEPARENT, if
// set.
func OpenTelemetryInit(ctx context.Context) (context.Context, error) {
	isTracingEnabled = false

	// autoexport assumes exporting is always wanted and would look for a
	// collector on localhost, so we check the variable ourselves first.
	if os.Getenv(OTELExporterEnvVar) != "otlp" {
		log.Printf("[TRACE] OpenTelemetry: %s not set, OTel tracing is not enabled", OTELExporterEnvVar)
		return ctx, nil
	}

	isTracingEnabled = true

	log.Printf("[TRACE] OpenTelemetry: enabled")

	otelResource, err := traceattrs.NewResource(ctx, serviceName)
	if err != nil {
		return ctx, fmt.Errorf("failed to create resource: %w", err)
	}

	if traceparent := os.Getenv(traceParentEnvVar); traceparent != "" {
		log.Printf("[TRACE] OpenTelemetry: found trace parent in environment: %s", traceparent)
		// The TraceContext propagator expects lowercase keys.
		propCarrier := make(propagation.MapCarrier)
		propCarrier.Set("traceparent", traceparent)

		if tracestate := os.Getenv(traceStateEnvVar); tracestate != "" {
			log.Printf("[TRACE] OpenTelemetry: found trace state in environment: %s", tracestate)
			propCarrier.Set("tracestate", tracestate)
		}

		ctx = propagation.TraceContext{}.Extract(ctx, propCarrier)
	}

	exporter, err := autoexport.NewSpanExporter(ctx)
	if err != nil {
		return ctx, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBlocking(),
		),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(otelResource),
	)
	otel.SetTracerProvider(provider)

	prop := propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	otel.SetTextMapPropagator(prop)

	logger := stdr.New(log.New(os.Stderr, "", log.LstdFlags|log.Lshortfile))
	otel.SetLogger(logger)

	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		log.Printf("[ERROR] OpenTelemetry: %s", err)
	}))

	return ctx, nil
}
