// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"

	"github.com/posener/complete"

	"github.com/opentofu/statestore/version"
)

// VersionCommand is a Command implementation prints the version.
type VersionCommand struct {
	Meta
}

type VersionOutput struct {
	Version      string            `json:"statectl_version"`
	Platform     string            `json:"platform"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

func (c *VersionCommand) Run(args []string) int {
	var jsonOutput bool
	cmdFlags := c.defaultFlagSet("version")
	cmdFlags.BoolVar(&jsonOutput, "json", false, "json")
	// Enable but ignore the global version flags. In main.go, if any of the
	// arguments are -v, -version, or --version, this command will be called
	// with the rest of the arguments, so we need to be able to cope with
	// those.
	cmdFlags.Bool("v", true, "version")
	cmdFlags.Bool("version", true, "version")
	if err := cmdFlags.Parse(args); err != nil {
		c.Ui.Error(fmt.Sprintf("Error parsing command-line flags: %s\n", err.Error()))
		return 1
	}

	deps := make(map[string]string)
	for _, mod := range version.InterestingDependencies() {
		deps[mod.Path] = mod.Version
	}
	platform := runtime.GOOS + "_" + runtime.GOARCH

	if jsonOutput {
		out := VersionOutput{
			Version:      version.String(),
			Platform:     platform,
			Dependencies: deps,
		}
		jsonOut, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			c.Ui.Error(fmt.Sprintf("\nError marshalling JSON: %s", err))
			return 1
		}
		c.Ui.Output(string(jsonOut))
		return 0
	}

	c.Ui.Output(fmt.Sprintf("statectl v%s\non %s", version.String(), platform))
	for _, mod := range version.InterestingDependencies() {
		c.Ui.Output(fmt.Sprintf("+ %s %s", mod.Path, mod.Version))
	}
	return 0
}

func (c *VersionCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *VersionCommand) AutocompleteFlags() complete.Flags {
	return complete.Flags{
		"-json": complete.PredictNothing,
	}
}

func (c *VersionCommand) Help() string {
	helpText := `
Usage: statectl [global options] version [options]

  Displays the version of statectl and of the storage SDKs it was built
  with.

Options:

  -json       Output the version information as a JSON object.
`
	return strings.TrimSpace(helpText)
}

func (c *VersionCommand) Synopsis() string {
	return "Show the current statectl version"
}
