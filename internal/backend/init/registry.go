// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package init

import (
	"context"
	"log"

	"github.com/hashicorp/hcl/v2"

	"github.com/opentofu/statestore/internal/configs"
	"github.com/opentofu/statestore/internal/statemgr"
)

// Configure builds a registry with every store and manager declared in
// cfg. Stores are only constructed; call [statemgr.Registry.EnsureReady]
// to prepare them. On error the stores already constructed are closed.
func Configure(ctx context.Context, cfg *configs.Config) (*statemgr.Registry, hcl.Diagnostics) {
	var diags hcl.Diagnostics
	reg := statemgr.NewRegistry()

	for _, s := range cfg.Stores {
		f, canonical := Backend(s.Type)
		if f == nil {
			diags = append(diags, unknownTypeDiagnostic(s.Type, s.TypeRange))
			continue
		}
		log.Printf("[TRACE] backend/init: configuring store %q of type %q", s.Name, canonical)
		b, storeDiags := f(ctx, s.Config, cfg.EvalContext)
		diags = append(diags, storeDiags...)
		if b != nil {
			if s.ReadOnly {
				b = statemgr.ReadOnly(b)
			}
			reg.UseStore(s.Name, b)
		}
	}

	for _, m := range cfg.Managers {
		reg.UseManager(m.ID, managerOptions(m)...)
	}

	if diags.HasErrors() {
		if err := reg.Close(); err != nil {
			log.Printf("[WARN] backend/init: failed to close stores: %s", err)
		}
		return nil, diags
	}
	return reg, diags
}

func managerOptions(m *configs.Manager) []statemgr.ManagerOption {
	opts := []statemgr.ManagerOption{statemgr.WithStore(m.Store)}
	switch {
	case m.Scope == configs.ScopeConversation:
		opts = append(opts, statemgr.WithScopedNamespace(func(s statemgr.Scope) (string, error) {
			return statemgr.ConversationNamespace(s.ChannelID, s.ConversationID)
		}))
	case m.Scope == configs.ScopeUser:
		opts = append(opts, statemgr.WithScopedNamespace(func(s statemgr.Scope) (string, error) {
			return statemgr.UserNamespace(s.UserID)
		}))
	case m.Namespace != "":
		opts = append(opts, statemgr.WithNamespace(m.Namespace))
	}
	if m.AutoLoad {
		opts = append(opts, statemgr.AutoLoadAll())
	}
	if len(m.AutoLoadKeys) > 0 {
		opts = append(opts, statemgr.AutoLoadKeys(m.AutoLoadKeys...))
	}
	return opts
}
