// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"
	"strings"

	"github.com/mitchellh/cli"
	"github.com/posener/complete"
)

// RmCommand is a Command implementation that deletes records.
type RmCommand struct {
	Meta
}

func (c *RmCommand) Run(args []string) int {
	cmdFlags := c.defaultFlagSet("rm")
	c.managerFlags(cmdFlags)
	if err := cmdFlags.Parse(args); err != nil {
		c.Ui.Error(fmt.Sprintf("Error parsing command-line flags: %s\n", err.Error()))
		return 1
	}
	keys := cmdFlags.Args()
	if len(keys) == 0 || c.managerID == "" {
		c.Ui.Error("The rm command expects -manager and at least one key.")
		return cli.RunResultHelp
	}

	mgr, reg, ok := c.resolve()
	if !ok {
		return 1
	}
	defer c.closeRegistry(reg)

	for _, key := range keys {
		if err := mgr.Delete(key); err != nil {
			c.stateError(fmt.Sprintf("delete %q", key), err)
			return 1
		}
	}
	if err := mgr.SaveChanges(c.context()); err != nil {
		c.stateError("delete the records", err)
		return 1
	}
	c.Ui.Output(c.Colorize().Color(fmt.Sprintf("[green]Removed %d record(s) from namespace %q.", len(keys), mgr.Namespace())))
	return 0
}

func (c *RmCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictAnything
}

func (c *RmCommand) AutocompleteFlags() complete.Flags {
	return c.completeManagerFlags(nil)
}

func (c *RmCommand) Help() string {
	helpText := `
Usage: statectl [global options] rm [options] KEY...

  Deletes records. Keys that don't exist are ignored.

Options:

  -manager=id          State manager to delete through. Required.

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

func (c *RmCommand) Synopsis() string {
	return "Delete records"
}
