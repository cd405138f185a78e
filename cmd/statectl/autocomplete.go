// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"maps"
	"os"

	"github.com/posener/complete"

	"github.com/opentofu/statestore/internal/configs"
)

// This file contains some re-usable predictors for auto-complete. The
// command-specific autocomplete configurations live within each command's
// own source file, as AutocompleteArgs and AutocompleteFlags methods on each
// Command implementation.

// completeConfigFlags are the flags of every command that reads the
// configuration file.
func (m *Meta) completeConfigFlags(extra complete.Flags) complete.Flags {
	flags := complete.Flags{
		"-config":   complete.PredictFiles("*.hcl"),
		"-no-color": complete.PredictNothing,
	}
	maps.Copy(flags, extra)
	return flags
}

// completeManagerFlags adds the flags of commands that work through a state
// manager to extra.
func (m *Meta) completeManagerFlags(extra complete.Flags) complete.Flags {
	flags := m.completeConfigFlags(complete.Flags{
		"-manager":      m.completePredictManagerID(),
		"-channel":      complete.PredictAnything,
		"-conversation": complete.PredictAnything,
		"-user":         complete.PredictAnything,
	})
	maps.Copy(flags, extra)
	return flags
}

func (m *Meta) completePredictManagerID() complete.Predictor {
	return complete.PredictFunc(func(complete.Args) []string {
		// The -config flag may come after the one being completed, so only
		// the environment and the default location are considered.
		path := os.Getenv(EnvConfigPath)
		if path == "" {
			path = DefaultConfigPath
		}
		cfg, diags := configs.NewParser(m.Fs).LoadConfigFile(path)
		if diags.HasErrors() {
			return nil
		}
		ids := make([]string, 0, len(cfg.Managers))
		for _, mgr := range cfg.Managers {
			ids = append(ids, mgr.ID)
		}
		return ids
	})
}
