// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mitchellh/cli"
	"github.com/posener/complete"

	"github.com/opentofu/statestore/internal/statemgr"
)

// GetCommand is a Command implementation that prints one record.
type GetCommand struct {
	Meta
}

func (c *GetCommand) Run(args []string) int {
	cmdFlags := c.defaultFlagSet("get")
	c.managerFlags(cmdFlags)
	if err := cmdFlags.Parse(args); err != nil {
		c.Ui.Error(fmt.Sprintf("Error parsing command-line flags: %s\n", err.Error()))
		return 1
	}
	args = cmdFlags.Args()
	if len(args) != 1 || c.managerID == "" {
		c.Ui.Error("The get command expects -manager and exactly one key.")
		return cli.RunResultHelp
	}
	key := args[0]

	mgr, reg, ok := c.resolve()
	if !ok {
		return 1
	}
	defer c.closeRegistry(reg)

	raw, found, err := statemgr.Get[json.RawMessage](c.context(), mgr, key)
	if err != nil {
		c.stateError(fmt.Sprintf("read %q", key), err)
		return 1
	}
	if !found {
		c.Ui.Error(fmt.Sprintf("There is no record %q in namespace %q.", key, mgr.Namespace()))
		return 1
	}
	c.Ui.Output(formatValue(raw))
	return 0
}

// formatValue indents a JSON value for display.
func formatValue(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

func (c *GetCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictAnything
}

func (c *GetCommand) AutocompleteFlags() complete.Flags {
	return c.completeManagerFlags(nil)
}

func (c *GetCommand) Help() string {
	helpText := `
Usage: statectl [global options] get [options] KEY

  Prints the value of one record as JSON.

Options:

  -manager=id          State manager to read through. Required.

  -channel=id          Channel of the unit of work, for conversation-scoped
                       managers.

  -conversation=id     Conversation of the unit of work, for
                       conversation-scoped managers.

  -user=id             User of the unit of work, for user-scoped managers.

  -config=path         Configuration file to read.

  -no-color            If specified, output won't contain any color.
`
	return strings.TrimSpace(helpText)
}

func (c *GetCommand) Synopsis() string {
	return "Show the value of a record"
}
