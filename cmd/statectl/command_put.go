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

// PutCommand is a Command implementation that writes one record.
type PutCommand struct {
	Meta
}

func (c *PutCommand) Run(args []string) int {
	var asString bool
	cmdFlags := c.defaultFlagSet("put")
	c.managerFlags(cmdFlags)
	cmdFlags.BoolVar(&asString, "string", false, "string")
	if err := cmdFlags.Parse(args); err != nil {
		c.Ui.Error(fmt.Sprintf("Error parsing command-line flags: %s\n", err.Error()))
		return 1
	}
	args = cmdFlags.Args()
	if len(args) != 2 || c.managerID == "" {
		c.Ui.Error("The put command expects -manager, a key, and a value.")
		return cli.RunResultHelp
	}
	key := args[0]

	var value json.RawMessage
	if asString {
		value, _ = json.Marshal(args[1])
	} else {
		if !json.Valid([]byte(args[1])) {
			c.Ui.Error(fmt.Sprintf("The value %q is not valid JSON. Use -string to store it as a string.", args[1]))
			return 1
		}
		value = json.RawMessage(args[1])
	}

	mgr, reg, ok := c.resolve()
	if !ok {
		return 1
	}
	defer c.closeRegistry(reg)

	// Loading first gives the write the record's current version, so that
	// it replaces what is there instead of failing as a duplicate.
	if err := mgr.Load(c.context(), key); err != nil {
		c.stateError(fmt.Sprintf("read %q", key), err)
		return 1
	}
	if err := statemgr.Set(mgr, key, value); err != nil {
		c.stateError(fmt.Sprintf("update %q", key), err)
		return 1
	}
	if err := mgr.SaveChanges(c.context()); err != nil {
		c.stateError(fmt.Sprintf("save %q", key), err)
		return 1
	}
	c.Ui.Output(c.Colorize().Color(fmt.Sprintf("[green]Saved %q in namespace %q.", key, mgr.Namespace())))
	return 0
}

func (c *PutCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictAnything
}

func (c *PutCommand) AutocompleteFlags() complete.Flags {
	return c.completeManagerFlags(complete.Flags{
		"-string": complete.PredictNothing,
	})
}

func (c *PutCommand) Help() string {
	helpText := `
Usage: statectl [global options] put [options] KEY VALUE

  Sets the value of one record. VALUE is JSON unless -string is given.
  The write fails if another client changes the record at the same time.

Options:

  -manager=id          State manager to write through. Required.

  -string              Store VALUE as a JSON string.

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

func (c *PutCommand) Synopsis() string {
	return "Set the value of a record"
}
