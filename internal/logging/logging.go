// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package logging configures the process-wide logger.
//
// Code throughout this module logs with the standard library's log.Printf,
// prefixing each message with a level in brackets such as "[DEBUG]". This
// package points the standard logger at an hclog logger that infers the
// level from that prefix and filters by the level selected in the
// environment.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"syscall"

	"github.com/hashicorp/go-hclog"
)

const (
	// EnvLog selects the log level: TRACE, DEBUG, INFO, WARN, ERROR or
	// OFF, or JSON for TRACE-level output encoded as JSON lines.
	EnvLog = "STATECTL_LOG"

	// EnvLogFile names a file that log output is appended to instead of
	// stderr.
	EnvLogFile = "STATECTL_LOG_PATH"
)

// ValidLevels are the log level names accepted in EnvLog.
var ValidLevels = []string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR", "OFF"}

var (
	logger    hclog.Logger
	logWriter io.Writer
)

func init() {
	logger = newHCLogger("")
	logWriter = logger.StandardWriter(&hclog.StandardLoggerOptions{InferLevels: true})

	// The levels are inferred from the message prefixes, so the standard
	// logger must not add its own.
	log.SetFlags(0)
	log.SetPrefix("")
	log.SetOutput(logWriter)
}

// RegisterSink adds an additional destination that receives all log output
// at TRACE level, regardless of the selected level.
func RegisterSink(w io.Writer) {
	l, ok := logger.(hclog.InterceptLogger)
	if !ok {
		return
	}

	l.RegisterSink(hclog.NewSinkAdapter(&hclog.LoggerOptions{
		Level:  hclog.Trace,
		Output: w,
	}))
}

// NewLogger returns a named sub-logger of the process-wide logger, for
// components that want structured key/value logging rather than
// log.Printf.
func NewLogger(name string) hclog.Logger {
	return logger.Named(name)
}

func newHCLogger(name string) hclog.Logger {
	logOutput := io.Writer(os.Stderr)
	logLevel, json := globalLogLevel()

	if logPath := os.Getenv(EnvLogFile); logPath != "" {
		f, err := os.OpenFile(logPath, syscall.O_CREAT|syscall.O_RDWR|syscall.O_APPEND, 0666)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
		} else {
			logOutput = f
		}
	}

	return hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:              name,
		Level:             logLevel,
		Output:            logOutput,
		IndependentLevels: true,
		JSONFormat:        json,
	})
}

// CurrentLogLevel returns the name of the level selected in the
// environment.
func CurrentLogLevel() string {
	level, _ := globalLogLevel()
	return strings.ToUpper(level.String())
}

// IsDebugOrHigher returns true if DEBUG or TRACE messages are being
// logged.
func IsDebugOrHigher() bool {
	level, _ := globalLogLevel()
	return level == hclog.Debug || level == hclog.Trace
}

func globalLogLevel() (hclog.Level, bool) {
	envLevel := strings.ToUpper(os.Getenv(EnvLog))
	if envLevel == "" {
		return hclog.Off, false
	}
	if envLevel == "JSON" {
		return hclog.Trace, true
	}
	return parseLogLevel(envLevel), false
}

// parseLogLevel falls back to TRACE for unrecognized names, since anyone
// setting the variable at all wants to see something.
func parseLogLevel(name string) hclog.Level {
	if name == "" {
		return hclog.Off
	}

	for _, valid := range ValidLevels {
		if name == valid {
			return hclog.LevelFromString(name)
		}
	}

	fmt.Fprintf(os.Stderr, "[WARN] Invalid log level: %q. Defaulting to level: TRACE. Valid levels are: %+v\n", name, ValidLevels)
	return hclog.Trace
}
