// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package logging

import (
	"fmt"
	"os"
	"runtime/debug"
)

const panicOutput = `
!!!!!!!!!!!!!!!!!!!!!!!!!!! STATECTL CRASH !!!!!!!!!!!!!!!!!!!!!!!!!!!!

statectl crashed! This is always indicative of a bug.

When reporting bugs, please include your statectl version, the stack
trace shown below, and any additional information which may help
replicate the issue.

!!!!!!!!!!!!!!!!!!!!!!!!!!! STATECTL CRASH !!!!!!!!!!!!!!!!!!!!!!!!!!!!

`

// PanicHandler prints a crash report with a stack trace if the program is
// panicking, and exits with status 11. It must be deferred directly in
// main.
func PanicHandler() {
	recovered := recover()
	if recovered == nil {
		return
	}

	fmt.Fprint(os.Stderr, panicOutput)
	fmt.Fprint(os.Stderr, recovered, "\n")
	debug.PrintStack()

	os.Exit(11)
}
