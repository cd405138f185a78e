// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package awsutil

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

func TestIsUnavailable(t *testing.T) {
	response := func(code int) error {
		return &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: code}},
			Err:      errors.New("response"),
		}
	}

	tests := map[string]struct {
		err  error
		want bool
	}{
		"send failure": {
			&smithyhttp.RequestSendError{Err: errors.New("connection refused")},
			true,
		},
		"throttled": {
			&smithy.GenericAPIError{Code: "ThrottlingException"},
			true,
		},
		"slow down": {
			fmt.Errorf("put: %w", &smithy.GenericAPIError{Code: "SlowDown"}),
			true,
		},
		"server error": {
			response(http.StatusBadGateway),
			true,
		},
		"too many requests": {
			response(http.StatusTooManyRequests),
			true,
		},
		"access denied": {
			&smithy.GenericAPIError{Code: "AccessDenied"},
			false,
		},
		"forbidden": {
			response(http.StatusForbidden),
			false,
		},
		"local failure": {
			errors.New("decoding record"),
			false,
		},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			if got := IsUnavailable(test.err); got != test.want {
				t.Errorf("IsUnavailable(%v) = %t, want %t", test.err, got, test.want)
			}
		})
	}
}
