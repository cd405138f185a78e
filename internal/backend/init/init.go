// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package init contains the list of state store types available for use
// in a statectl configuration file, and the logic that turns that file into
// a [statemgr.Registry].
package init

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"

	"github.com/opentofu/statestore/internal/backend/azure"
	"github.com/opentofu/statestore/internal/backend/consul"
	"github.com/opentofu/statestore/internal/backend/dynamodb"
	"github.com/opentofu/statestore/internal/backend/gcs"
	"github.com/opentofu/statestore/internal/backend/inmem"
	"github.com/opentofu/statestore/internal/backend/kubernetes"
	"github.com/opentofu/statestore/internal/backend/local"
	"github.com/opentofu/statestore/internal/backend/s3"
	"github.com/opentofu/statestore/internal/backend/sqlstore"
	"github.com/opentofu/statestore/internal/statemgr"
	"github.com/opentofu/statestore/internal/statestore"
)

// Factory configures a store from the body of a "store" block.
type Factory func(ctx context.Context, body hcl.Body, evalCtx *hcl.EvalContext) (statemgr.Binding, hcl.Diagnostics)

// backends is the list of available store types. This is a global variable
// because it is modified at runtime by tests.
//
// backendAliases is a map of alternative names for store types, mapping to
// the canonical type name.
var backends map[string]Factory
var backendAliases map[string]string
var backendsLock sync.Mutex

// Init initializes the store types. It is safe to call more than once; each
// call discards types added with [Set].
func Init() {
	backendsLock.Lock()
	defer backendsLock.Unlock()

	backends = map[string]Factory{
		"inmem": storeFactory[inmem.Config, *inmem.Entry](func(_ context.Context, cfg inmem.Config) (*inmem.Store, error) {
			return inmem.New(cfg), nil
		}),
		"local": storeFactory[local.Config, *local.Entry](func(_ context.Context, cfg local.Config) (*local.Store, error) {
			return local.New(cfg)
		}),
		"dynamodb": storeFactory[dynamodb.Config, *dynamodb.Entry](dynamodb.New),
		"s3":       storeFactory[s3.Config, *s3.Entry](s3.New),
		"gcs":      storeFactory[gcs.Config, *gcs.Entry](gcs.New),
		"azure":    storeFactory[azure.Config, *azure.Entry](azure.New),
		"sql": storeFactory[sqlstore.Config, *sqlstore.Entry](func(_ context.Context, cfg sqlstore.Config) (*sqlstore.Store, error) {
			return sqlstore.New(cfg)
		}),
		"consul": storeFactory[consul.Config, *consul.Entry](func(_ context.Context, cfg consul.Config) (*consul.Store, error) {
			return consul.New(cfg)
		}),
		"kubernetes": storeFactory[kubernetes.Config, *kubernetes.Entry](func(_ context.Context, cfg kubernetes.Config) (*kubernetes.Store, error) {
			return kubernetes.New(cfg)
		}),
	}

	backends["azurerm"] = deprecateFactory(backends["azure"],
		`The "azurerm" store type is deprecated and will be removed in a future release. Use "azure" instead.`)

	backendAliases = map[string]string{
		"memory": "inmem",
		"file":   "local",
		"k8s":    "kubernetes",
		"gs":     "gcs",
	}
}

// Backend returns the factory for the given store type, along with the
// canonical name of the type. The factory is nil if the type is unknown.
func Backend(name string) (Factory, string) {
	backendsLock.Lock()
	defer backendsLock.Unlock()

	if canonical, ok := backendAliases[name]; ok {
		name = canonical
	}
	return backends[name], name
}

// Set sets a new store type in the list of available types. If f is nil
// then the type is removed. Set is intended for tests.
func Set(name string, f Factory) {
	backendsLock.Lock()
	defer backendsLock.Unlock()

	if f == nil {
		delete(backends, name)
		return
	}
	backends[name] = f
}

// storeFactory adapts a backend constructor into a [Factory] that decodes
// the block body into the backend's configuration type C.
func storeFactory[C any, E statestore.Record, S statestore.Store[E]](open func(context.Context, C) (S, error)) Factory {
	return func(ctx context.Context, body hcl.Body, evalCtx *hcl.EvalContext) (statemgr.Binding, hcl.Diagnostics) {
		var cfg C
		diags := gohcl.DecodeBody(body, evalCtx, &cfg)
		if diags.HasErrors() {
			return nil, diags
		}
		store, err := open(ctx, cfg)
		if err != nil {
			return nil, append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid store configuration",
				Detail:   err.Error(),
				Subject:  body.MissingItemRange().Ptr(),
			})
		}
		return statemgr.Bind[E](store), diags
	}
}

// deprecateFactory wraps f so that it produces a warning whenever it is
// used.
func deprecateFactory(f Factory, message string) Factory {
	return func(ctx context.Context, body hcl.Body, evalCtx *hcl.EvalContext) (statemgr.Binding, hcl.Diagnostics) {
		b, diags := f(ctx, body, evalCtx)
		return b, append(hcl.Diagnostics{{
			Severity: hcl.DiagWarning,
			Summary:  message,
			Subject:  body.MissingItemRange().Ptr(),
		}}, diags...)
	}
}

func unknownTypeDiagnostic(typeName string, subject hcl.Range) *hcl.Diagnostic {
	return &hcl.Diagnostic{
		Severity: hcl.DiagError,
		Summary:  "Unsupported store type",
		Detail:   fmt.Sprintf("There is no store type named %q.", typeName),
		Subject:  subject.Ptr(),
	}
}
