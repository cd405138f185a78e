// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/mitchellh/cli"
)

// commands is the mapping of all the available statectl commands.
var commands map[string]cli.CommandFactory

func initCommands(ctx context.Context, ui cli.Ui) {
	meta := Meta{
		Ui:          ui,
		ShutdownCtx: ctx,
		color:       isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()),
	}

	commands = map[string]cli.CommandFactory{
		"init": func() (cli.Command, error) {
			return &InitCommand{Meta: meta}, nil
		},
		"get": func() (cli.Command, error) {
			return &GetCommand{Meta: meta}, nil
		},
		"put": func() (cli.Command, error) {
			return &PutCommand{Meta: meta}, nil
		},
		"list": func() (cli.Command, error) {
			return &ListCommand{Meta: meta}, nil
		},
		"rm": func() (cli.Command, error) {
			return &RmCommand{Meta: meta}, nil
		},
		"drop": func() (cli.Command, error) {
			return &DropCommand{Meta: meta}, nil
		},
		"version": func() (cli.Command, error) {
			return &VersionCommand{Meta: meta}, nil
		},
	}
}
