// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

//go:build !windows
// +build !windows

package local

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

func lockFile(target *os.File) error {
	flock := &unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: int16(io.SeekStart),
		Start:  0,
		Len:    0,
	}
	return unix.FcntlFlock(target.Fd(), unix.F_SETLK, flock)
}

func unlockFile(target *os.File) error {
	flock := &unix.Flock_t{
		Type:   unix.F_UNLCK,
		Whence: int16(io.SeekStart),
		Start:  0,
		Len:    0,
	}
	return unix.FcntlFlock(target.Fd(), unix.F_SETLK, flock)
}

// isContendedLockError returns true if err means that another process
// holds the lock. The error code varies between operating systems.
func isContendedLockError(err error) bool {
	errno, ok := err.(unix.Errno)
	if !ok {
		return false
	}
	switch errno {
	case unix.EAGAIN, unix.EACCES, unix.EINTR:
		return true
	default:
		return false
	}
}
