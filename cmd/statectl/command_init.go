// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"
	"strings"

	"github.com/posener/complete"
)

// InitCommand is a Command implementation that prepares every configured
// store for use.
type InitCommand struct {
	Meta
}

func (c *InitCommand) Run(args []string) int {
	cmdFlags := c.defaultFlagSet("init")
	if err := cmdFlags.Parse(args); err != nil {
		c.Ui.Error(fmt.Sprintf("Error parsing command-line flags: %s\n", err.Error()))
		return 1
	}

	reg, ok := c.registry()
	if !ok {
		return 1
	}
	defer c.closeRegistry(reg)

	if err := reg.EnsureReady(c.context()); err != nil {
		c.stateError("prepare the state stores", err)
		return 1
	}
	for _, name := range reg.StoreNames() {
		b, _ := reg.Store(name)
		c.Ui.Output(c.Colorize().Color(fmt.Sprintf("[green]Store %q (%s) is ready.", name, b.Backend())))
	}
	return 0
}

func (c *InitCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *InitCommand) AutocompleteFlags() complete.Flags {
	return c.completeConfigFlags(nil)
}

func (c *InitCommand) Help() string {
	helpText := `
Usage: statectl [global options] init [options]

  Prepares every state store declared in the configuration file, creating
  the tables, buckets, or directories it needs. Running init again is
  harmless.

Options:

  -config=path    Configuration file to read. Defaults to $STATECTL_CONFIG,
                  or statectl.hcl.

  -no-color       If specified, output won't contain any color.
`
	return strings.TrimSpace(helpText)
}

func (c *InitCommand) Synopsis() string {
	return "Prepare the configured state stores"
}
