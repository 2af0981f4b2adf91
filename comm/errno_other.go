//go:build !linux
// +build !linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package comm

import "golang.org/x/sys/unix"

func isRestart(unix.Errno) bool { return false }

func emptyReadBuffer(int) {}
