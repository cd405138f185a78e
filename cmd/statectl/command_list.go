// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mitchellh/cli"
	"github.com/posener/complete"

	"github.com/opentofu/statestore/internal/statemgr"
)

// ListCommand is a Command implementation that lists the records of a
// manager's namespace.
type ListCommand struct {
	Meta
}

func (c *ListCommand) Run(args []string) int {
	var values bool
	cmdFlags := c.defaultFlagSet("list")
	c.managerFlags(cmdFlags)
	cmdFlags.BoolVar(&values, "values", false, "values")
	if err := cmdFlags.Parse(args); err != nil {
		c.Ui.Error(fmt.Sprintf("Error parsing command-line flags: %s\n", err.Error()))
		return 1
	}
	if cmdFlags.NArg() != 0 || c.managerID == "" {
		c.Ui.Error("The list command expects -manager and no other arguments.")
		return cli.RunResultHelp
	}

	mgr, reg, ok := c.resolve()
	if !ok {
		return 1
	}
	defer c.closeRegistry(reg)

	ctx := c.context()
	if err := mgr.LoadAll(ctx); err != nil {
		c.stateError(fmt.Sprintf("list namespace %q", mgr.Namespace()), err)
		return 1
	}
	keys := mgr.Keys()
	if len(keys) == 0 {
		c.Ui.Output(fmt.Sprintf("Namespace %q has no records.", mgr.Namespace()))
		return 0
	}
	for _, key := range keys {
		if !values {
			c.Ui.Output(key)
			continue
		}
		raw, _, err := statemgr.Get[json.RawMessage](ctx, mgr, key)
		if err != nil {
			c.stateError(fmt.Sprintf("read %q", key), err)
			return 1
		}
		c.Ui.Output(c.Colorize().Color(fmt.Sprintf("[bold]%s[reset] = %s", key, raw)))
	}
	return 0
}

func (c *ListCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *ListCommand) AutocompleteFlags() complete.Flags {
	return c.completeManagerFlags(complete.Flags{
		"-values": complete.PredictNothing,
	})
}

func (c *ListCommand) Help() string {
	helpText := `
Usage: statectl [global options] list [options]

  Lists the keys of every record in a manager's namespace.

Options:

  -manager=id          State manager to read through. Required.

  -values              Print each record's value after its key.

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

func (c *ListCommand) Synopsis() string {
	return "List the records of a namespace"
}
