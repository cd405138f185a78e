// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/mitchellh/cli"
	"github.com/mitchellh/colorstring"
	"github.com/mitchellh/go-wordwrap"
	"github.com/spf13/afero"

	backendInit "github.com/opentofu/statestore/internal/backend/init"
	"github.com/opentofu/statestore/internal/configs"
	"github.com/opentofu/statestore/internal/statemgr"
	"github.com/opentofu/statestore/internal/statestore"
)

// DefaultConfigPath is the configuration file read when -config is not
// given.
const DefaultConfigPath = "statectl.hcl"

// EnvConfigPath overrides DefaultConfigPath.
const EnvConfigPath = "STATECTL_CONFIG"

// Meta are the meta-options that are available on all or most commands.
type Meta struct {
	Ui cli.Ui

	// ShutdownCtx is cancelled when the user interrupts the command.
	ShutdownCtx context.Context

	// Fs is the filesystem configuration is read from. Nil means the
	// operating system's.
	Fs afero.Fs

	color      bool
	configPath string

	managerID string

	// Scope flags, for managers whose namespace depends on the unit of
	// work.
	channelID      string
	conversationID string
	userID         string

	parser *configs.Parser
	config *configs.Config
}

// defaultFlagSet creates a flag set for commands that load the
// configuration.
func (m *Meta) defaultFlagSet(name string) *flag.FlagSet {
	f := flag.NewFlagSet(name, flag.ContinueOnError)
	f.SetOutput(io.Discard)

	configPath := os.Getenv(EnvConfigPath)
	if configPath == "" {
		configPath = DefaultConfigPath
	}
	f.StringVar(&m.configPath, "config", configPath, "config")

	f.BoolFunc("no-color", "no-color", func(string) error {
		m.color = false
		return nil
	})
	return f
}

// managerFlags adds the flags that select a state manager and the unit of
// work it is activated for.
func (m *Meta) managerFlags(f *flag.FlagSet) {
	f.StringVar(&m.managerID, "manager", "", "manager")
	f.StringVar(&m.channelID, "channel", "", "channel")
	f.StringVar(&m.conversationID, "conversation", "", "conversation")
	f.StringVar(&m.userID, "user", "", "user")
}

func (m *Meta) scope() statemgr.Scope {
	return statemgr.Scope{
		ChannelID:      m.channelID,
		ConversationID: m.conversationID,
		UserID:         m.userID,
	}
}

func (m *Meta) context() context.Context {
	if m.ShutdownCtx == nil {
		return context.Background()
	}
	return m.ShutdownCtx
}

// Colorize returns the colorization structure for a command.
func (m *Meta) Colorize() *colorstring.Colorize {
	return &colorstring.Colorize{
		Colors:  colorstring.DefaultColors,
		Disable: !m.color,
		Reset:   true,
	}
}

// loadConfig reads the configuration file selected by -config.
func (m *Meta) loadConfig() (*configs.Config, hcl.Diagnostics) {
	if m.parser == nil {
		m.parser = configs.NewParser(m.Fs)
	}
	return m.parser.LoadConfigFile(m.configPath)
}

// registry loads the configuration into m.config and configures every
// store in it. The caller must close the returned registry.
func (m *Meta) registry() (*statemgr.Registry, bool) {
	cfg, diags := m.loadConfig()
	if diags.HasErrors() {
		m.showDiagnostics(diags)
		return nil, false
	}
	m.config = cfg
	reg, regDiags := backendInit.Configure(m.context(), cfg)
	diags = append(diags, regDiags...)
	m.showDiagnostics(diags)
	if diags.HasErrors() {
		return nil, false
	}
	return reg, true
}

// showDiagnostics writes the given diagnostics with source snippets where
// the source is known.
func (m *Meta) showDiagnostics(diags hcl.Diagnostics) {
	if len(diags) == 0 {
		return
	}
	var files map[string]*hcl.File
	if m.parser != nil {
		files = m.parser.Files()
	}
	var buf bytes.Buffer
	wr := hcl.NewDiagnosticTextWriter(&buf, files, 78, m.color)
	for _, diag := range diags {
		buf.Reset()
		if err := wr.WriteDiagnostic(diag); err != nil {
			m.Ui.Error(diag.Error())
			continue
		}
		if diag.Severity == hcl.DiagError {
			m.Ui.Error(buf.String())
		} else {
			m.Ui.Warn(buf.String())
		}
	}
}

// resolve returns the manager selected by -manager, loading the
// configuration first. The caller must close the returned registry.
func (m *Meta) resolve() (statemgr.StateManager, *statemgr.Registry, bool) {
	reg, ok := m.registry()
	if !ok {
		return nil, nil, false
	}
	mgr, err := reg.Resolver(m.scope()).Resolve(m.managerID)
	if err != nil {
		m.Ui.Error(fmt.Sprintf("Failed to activate state manager %q: %s", m.managerID, err))
		m.closeRegistry(reg)
		return nil, nil, false
	}
	return mgr, reg, true
}

// stateError reports a failed state operation, with advice for the errors
// a user can act on.
func (m *Meta) stateError(action string, err error) {
	var advice string
	switch {
	case errors.Is(err, statestore.ErrConcurrencyViolation):
		advice = "The record was changed by another client since it was read. Run the command again to act on the current value."
	case errors.Is(err, statestore.ErrAlreadyExists):
		advice = "Another client created the record first. Run the command again to act on the current value."
	case errors.Is(err, statestore.ErrTypeMismatch):
		advice = "The stored value is not valid JSON."
	case errors.Is(err, statestore.ErrBackendUnavailable):
		advice = "The store could not be reached. The operation may succeed if retried."
	case errors.Is(err, statestore.ErrUnsupported):
		advice = "The store does not allow this operation. Stores declared with read_only = true can only be read."
	}
	msg := fmt.Sprintf("Failed to %s: %s", action, err)
	if advice != "" {
		msg += "\n\n" + wordwrap.WrapString(advice, 78)
	}
	m.Ui.Error(msg)
}

func (m *Meta) closeRegistry(reg *statemgr.Registry) {
	if err := reg.Close(); err != nil {
		m.Ui.Warn(fmt.Sprintf("Failed to close state stores: %s", err))
	}
}
