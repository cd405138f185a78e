// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package httpclient builds the HTTP clients handed to the cloud SDKs that
// the state stores are built on.
package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"runtime"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	otelTrace "go.opentelemetry.io/otel/trace"

	"github.com/opentofu/statestore/version"
)

// New returns the DefaultPooledClient from the cleanhttp package that will
// also send a statectl User-Agent string.
//
// If the given context has a recording OpenTelemetry span then requests
// made with the returned client are traced too, as children of the span in
// the context of each individual request. Without a recording span every
// request would start a separate trace of its own.
func New(ctx context.Context) *http.Client {
	cli := cleanhttp.DefaultPooledClient()
	cli.Transport = &userAgentRoundTripper{
		userAgent: UserAgent(version.String()),
		inner:     cli.Transport,
	}

	if span := otelTrace.SpanFromContext(ctx); span != nil && span.IsRecording() {
		cli.Transport = otelhttp.NewTransport(cli.Transport)
	}
	return cli
}

// UserAgent returns the User-Agent string sent with every request.
func UserAgent(version string) string {
	return fmt.Sprintf("statectl/%s (%s; %s)", version, runtime.GOOS, runtime.GOARCH)
}

type userAgentRoundTripper struct {
	userAgent string
	inner     http.RoundTripper
}

func (rt *userAgentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		// RoundTrippers must not modify the request they are given.
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", rt.userAgent)
	}
	return rt.inner.RoundTrip(req)
}
