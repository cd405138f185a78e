// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package configs loads the HCL configuration that declares state stores
// and the managers that use them.
package configs

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclsyntax"
)

// DefaultStoreName is the store of managers that don't name one.
const DefaultStoreName = "default"

// Manager scopes that derive the namespace from the unit of work.
const (
	ScopeConversation = "conversation"
	ScopeUser         = "user"
)

// Config is the decoded content of a configuration file.
type Config struct {
	Stores   []*Store
	Managers []*Manager

	// EvalContext is the context store bodies must be decoded with, so
	// that they can call the same functions as the rest of the file.
	EvalContext *hcl.EvalContext
}

// Store represents a "store" block. Config holds the rest of the body,
// to be decoded by the backend named by Type.
type Store struct {
	Type     string
	Name     string
	ReadOnly bool
	Config   hcl.Body

	TypeRange hcl.Range
	DeclRange hcl.Range
}

// Manager represents a "manager" block.
type Manager struct {
	ID    string
	Store string

	// Namespace is a fixed namespace. Scope instead derives it from the
	// unit of work. When both are empty the namespace is the manager's ID.
	Namespace string
	Scope     string

	AutoLoad     bool
	AutoLoadKeys []string

	DeclRange hcl.Range
}

var configFileSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{
			Type:       "store",
			LabelNames: []string{"type", "name"},
		},
		{
			Type:       "manager",
			LabelNames: []string{"id"},
		},
	},
}

type storeBody struct {
	ReadOnly *bool    `hcl:"read_only"`
	Remain   hcl.Body `hcl:",remain"`
}

type managerBody struct {
	Store        *string  `hcl:"store"`
	Namespace    *string  `hcl:"namespace"`
	Scope        *string  `hcl:"scope"`
	AutoLoad     *bool    `hcl:"auto_load"`
	AutoLoadKeys []string `hcl:"auto_load_keys,optional"`
}

func decodeConfig(body hcl.Body, evalCtx *hcl.EvalContext) (*Config, hcl.Diagnostics) {
	cfg := &Config{EvalContext: evalCtx}

	content, diags := body.Content(configFileSchema)
	for _, block := range content.Blocks {
		switch block.Type {
		case "store":
			store, storeDiags := decodeStoreBlock(block, evalCtx)
			diags = append(diags, storeDiags...)
			if store != nil {
				cfg.Stores = append(cfg.Stores, store)
			}
		case "manager":
			mgr, mgrDiags := decodeManagerBlock(block, evalCtx)
			diags = append(diags, mgrDiags...)
			if mgr != nil {
				cfg.Managers = append(cfg.Managers, mgr)
			}
		}
	}

	diags = append(diags, cfg.validate()...)
	return cfg, diags
}

func decodeStoreBlock(block *hcl.Block, evalCtx *hcl.EvalContext) (*Store, hcl.Diagnostics) {
	var diags hcl.Diagnostics
	if !hclsyntax.ValidIdentifier(block.Labels[1]) {
		diags = append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid store name",
			Detail:   badIdentifierDetail,
			Subject:  &block.LabelRanges[1],
		})
		return nil, diags
	}

	var raw storeBody
	diags = gohcl.DecodeBody(block.Body, evalCtx, &raw)
	if diags.HasErrors() {
		return nil, diags
	}
	return &Store{
		Type:      block.Labels[0],
		Name:      block.Labels[1],
		ReadOnly:  raw.ReadOnly != nil && *raw.ReadOnly,
		Config:    raw.Remain,
		TypeRange: block.LabelRanges[0],
		DeclRange: block.DefRange,
	}, diags
}

func decodeManagerBlock(block *hcl.Block, evalCtx *hcl.EvalContext) (*Manager, hcl.Diagnostics) {
	mgr := &Manager{
		ID:        block.Labels[0],
		Store:     DefaultStoreName,
		DeclRange: block.DefRange,
	}

	var raw managerBody
	diags := gohcl.DecodeBody(block.Body, evalCtx, &raw)
	if diags.HasErrors() {
		return nil, diags
	}

	if raw.Store != nil {
		mgr.Store = *raw.Store
	}
	if raw.Namespace != nil {
		mgr.Namespace = *raw.Namespace
	}
	if raw.Scope != nil {
		mgr.Scope = *raw.Scope
	}
	if raw.AutoLoad != nil {
		mgr.AutoLoad = *raw.AutoLoad
	}
	mgr.AutoLoadKeys = raw.AutoLoadKeys

	switch mgr.Scope {
	case "", ScopeConversation, ScopeUser:
	default:
		diags = append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid manager scope",
			Detail:   fmt.Sprintf("The scope must be %q or %q.", ScopeConversation, ScopeUser),
			Subject:  &mgr.DeclRange,
		})
	}
	if mgr.Scope != "" && mgr.Namespace != "" {
		diags = append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Conflicting manager namespace",
			Detail:   "A manager can have either a fixed namespace or a scope, but not both.",
			Subject:  &mgr.DeclRange,
		})
	}
	if mgr.AutoLoad && len(mgr.AutoLoadKeys) > 0 {
		diags = append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Conflicting auto-load settings",
			Detail:   "The auto_load argument loads the whole namespace, so auto_load_keys has no effect with it.",
			Subject:  &mgr.DeclRange,
		})
	}
	for _, key := range mgr.AutoLoadKeys {
		if key == "" {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid auto-load key",
				Detail:   "Keys must not be empty.",
				Subject:  &mgr.DeclRange,
			})
			break
		}
	}
	return mgr, diags
}

func (c *Config) validate() hcl.Diagnostics {
	var diags hcl.Diagnostics

	stores := make(map[string]*Store, len(c.Stores))
	for _, s := range c.Stores {
		if existing, ok := stores[s.Name]; ok {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Duplicate store",
				Detail:   fmt.Sprintf("A store named %q was already declared at %s.", s.Name, existing.DeclRange),
				Subject:  &s.DeclRange,
			})
			continue
		}
		stores[s.Name] = s
	}

	managers := make(map[string]*Manager, len(c.Managers))
	for _, m := range c.Managers {
		if existing, ok := managers[m.ID]; ok {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Duplicate manager",
				Detail:   fmt.Sprintf("A manager %q was already declared at %s.", m.ID, existing.DeclRange),
				Subject:  &m.DeclRange,
			})
			continue
		}
		managers[m.ID] = m
		if _, ok := stores[m.Store]; !ok {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Reference to undeclared store",
				Detail:   fmt.Sprintf("The manager %q uses the store %q, which is not declared.", m.ID, m.Store),
				Subject:  &m.DeclRange,
			})
		}
	}
	return diags
}

// Store returns the store with the given name, or nil.
func (c *Config) Store(name string) *Store {
	for _, s := range c.Stores {
		if s.Name == name {
			return s
		}
	}
	return nil
}

const badIdentifierDetail = "A name must start with a letter or underscore and may contain only letters, digits, underscores, and dashes."
