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

// DropCommand is a Command implementation that deletes every record of a
// manager's namespace.
type DropCommand struct {
	Meta
}

func (c *DropCommand) Run(args []string) int {
	var force bool
	cmdFlags := c.defaultFlagSet("drop")
	c.managerFlags(cmdFlags)
	cmdFlags.BoolVar(&force, "force", false, "force")
	if err := cmdFlags.Parse(args); err != nil {
		c.Ui.Error(fmt.Sprintf("Error parsing command-line flags: %s\n", err.Error()))
		return 1
	}
	if cmdFlags.NArg() != 0 || c.managerID == "" {
		c.Ui.Error("The drop command expects -manager and no other arguments.")
		return cli.RunResultHelp
	}

	mgr, reg, ok := c.resolve()
	if !ok {
		return 1
	}
	defer c.closeRegistry(reg)

	// resolve has already checked that the manager is declared.
	storeName := ""
	for _, m := range c.config.Managers {
		if m.ID == c.managerID {
			storeName = m.Store
		}
	}
	store, ok := reg.Store(storeName)
	if !ok {
		c.Ui.Error(fmt.Sprintf("The manager %q has no store.", c.managerID))
		return 1
	}

	namespace := mgr.Namespace()
	if !force {
		v, err := c.Ui.Ask(fmt.Sprintf(
			"Do you really want to delete every record in namespace %q of store %q?\n"+
				"  Only 'yes' will be accepted to confirm.\n\n"+
				"  Enter a value:", namespace, storeName))
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Error asking for confirmation: %s", err))
			return 1
		}
		if v != "yes" {
			c.Ui.Output("Drop cancelled.")
			return 1
		}
	}

	if err := store.DeleteNamespace(c.context(), namespace); err != nil {
		c.stateError(fmt.Sprintf("delete namespace %q", namespace), err)
		return 1
	}
	c.Ui.Output(c.Colorize().Color(fmt.Sprintf("[green]Deleted namespace %q from store %q.", namespace, storeName)))
	return 0
}

func (c *DropCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *DropCommand) AutocompleteFlags() complete.Flags {
	return c.completeManagerFlags(complete.Flags{
		"-force": complete.PredictNothing,
	})
}

func (c *DropCommand) Help() string {
	helpText := `
Usage: statectl [global options] drop [options]

  Deletes every record in a manager's namespace, including records this
  client has never seen.

Options:

  -manager=id          State manager whose namespace is deleted. Required.

  -force               Don't ask for confirmation.

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

func (c *DropCommand) Synopsis() string {
	return "Delete every record of a namespace"
}
