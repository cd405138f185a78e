// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
	"github.com/mitchellh/cli"

	backendInit "github.com/opentofu/statestore/internal/backend/init"
	"github.com/opentofu/statestore/internal/logging"
	"github.com/opentofu/statestore/internal/tracing"
	"github.com/opentofu/statestore/version"
)

const (
	// EnvCLI is the environment variable name to set additional CLI args.
	EnvCLI = "STATECTL_CLI_ARGS"
)

// Ui is the cli.Ui used for communicating to the outside world.
var Ui cli.Ui

func init() {
	Ui = &ui{&cli.BasicUi{
		Writer:      os.Stdout,
		ErrorWriter: os.Stderr,
		Reader:      os.Stdin,
	}}
}

func main() {
	os.Exit(realMain())
}

func realMain() int {
	defer logging.PanicHandler()

	ctx, err := tracing.OpenTelemetryInit(context.Background())
	if err != nil {
		Ui.Error(fmt.Sprintf("Could not initialize telemetry: %s", err))
		Ui.Error(fmt.Sprintf("Unset environment variable %s if you don't intend to collect telemetry from statectl.", tracing.OTELExporterEnvVar))
		return 1
	}
	defer tracing.ForceFlush(5 * time.Second)

	ctx, span := tracing.Tracer().Start(ctx, "statectl")
	defer span.End()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	log.Printf("[INFO] statectl version: %s", version.String())
	if logging.IsDebugOrHigher() {
		for _, depMod := range version.InterestingDependencies() {
			log.Printf("[DEBUG] using %s %s", depMod.Path, depMod.Version)
		}
	}
	log.Printf("[INFO] Go runtime version: %s", runtime.Version())
	log.Printf("[INFO] CLI args: %#v", os.Args)

	backendInit.Init()

	binName := filepath.Base(os.Args[0])
	args := os.Args[1:]

	// In tests, Commands may already be set to provide mock commands
	if commands == nil {
		initCommands(ctx, Ui)
	}

	// Build the CLI so far, we do this so we can query the subcommand.
	cliRunner := &cli.CLI{
		Args:       args,
		Commands:   commands,
		HelpFunc:   helpFunc,
		HelpWriter: os.Stdout,
	}

	// Prefix the args with any args from the EnvCLI
	args, err = mergeEnvArgs(EnvCLI, cliRunner.Subcommand(), args)
	if err != nil {
		Ui.Error(err.Error())
		return 1
	}

	// Prefix the args with any args from the EnvCLI targeting this command
	suffix := strings.ReplaceAll(cliRunner.Subcommand(), "-", "_")
	args, err = mergeEnvArgs(fmt.Sprintf("%s_%s", EnvCLI, suffix), cliRunner.Subcommand(), args)
	if err != nil {
		Ui.Error(err.Error())
		return 1
	}

	// We shortcut "--version" and "-v" to just show the version
	for _, arg := range args {
		if arg == "-v" || arg == "-version" || arg == "--version" {
			newArgs := make([]string, len(args)+1)
			newArgs[0] = "version"
			copy(newArgs[1:], args)
			args = newArgs
			break
		}
	}

	log.Printf("[INFO] CLI command args: %#v", args)
	cliRunner = &cli.CLI{
		Name:       binName,
		Args:       args,
		Commands:   commands,
		HelpFunc:   helpFunc,
		HelpWriter: os.Stdout,

		Autocomplete:          true,
		AutocompleteInstall:   "install-autocomplete",
		AutocompleteUninstall: "uninstall-autocomplete",
	}

	// Shell auto-complete passes the binary name as the first argument, so
	// it must not be reported as an unknown command.
	autoComplete := os.Getenv("COMP_LINE") != ""

	// Report a command typo directly instead of the full usage text.
	if cmd := cliRunner.Subcommand(); cmd != "" && !autoComplete {
		if _, exists := commands[cmd]; !exists {
			suggestions := make([]string, 0, len(commands))
			for name := range commands {
				suggestions = append(suggestions, name)
			}
			sort.Strings(suggestions)
			suggestion := nameSuggestion(cmd, suggestions)
			if suggestion != "" {
				suggestion = fmt.Sprintf(" Did you mean %q?", suggestion)
			}
			fmt.Fprintf(os.Stderr, "statectl has no command named %q.%s\n\nTo see all of statectl's commands, run:\n  statectl -help\n\n", cmd, suggestion)
			return 1
		}
	}

	exitCode, err := cliRunner.Run()
	if err != nil {
		Ui.Error(fmt.Sprintf("Error executing CLI: %s", err.Error()))
		return 1
	}
	return exitCode
}

func mergeEnvArgs(envName string, cmd string, args []string) ([]string, error) {
	v := os.Getenv(envName)
	if v == "" {
		return args, nil
	}

	log.Printf("[INFO] %s value: %q", envName, v)
	extra, err := shellwords.Parse(v)
	if err != nil {
		return nil, fmt.Errorf(
			"Error parsing extra CLI args from %s: %s",
			envName, err)
	}

	// Find the index to place the flags. We put them exactly
	// after the first non-flag arg.
	idx := -1
	for i, v := range args {
		if v == cmd {
			idx = i
			break
		}
	}

	// idx points to the exact arg that isn't a flag. We increment
	// by one so that all the copying below expects idx to be the
	// insertion point.
	idx++

	// Copy the args
	newArgs := make([]string, len(args)+len(extra))
	copy(newArgs, args[:idx])
	copy(newArgs[idx:], extra)
	copy(newArgs[len(extra)+idx:], args[idx:])
	return newArgs, nil
}

func helpFunc(commands map[string]cli.CommandFactory) string {
	names := make([]string, 0, len(commands))
	maxLen := 0
	for name := range commands {
		names = append(names, name)
		maxLen = max(maxLen, len(name))
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Usage: statectl [global options] <subcommand> [args]\n\n")
	b.WriteString("statectl inspects and edits the records of the state stores declared\n")
	b.WriteString("in a configuration file.\n\n")
	b.WriteString("Subcommands:\n")
	for _, name := range names {
		cmd, err := commands[name]()
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "  %s  %s\n", name+strings.Repeat(" ", maxLen-len(name)), cmd.Synopsis())
	}
	b.WriteString("\nGlobal options (use these before the subcommand, if any):\n")
	b.WriteString("  -help         Show this help output, or the help for a specified subcommand.\n")
	b.WriteString("  -version      An alias for the \"version\" subcommand.\n")
	return b.String()
}

// ui wraps a cli.Ui so that warnings go to the regular output.
type ui struct {
	cli.Ui
}

func (u *ui) Warn(msg string) {
	u.Ui.Output(msg)
}
