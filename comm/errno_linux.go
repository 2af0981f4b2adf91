//go:build linux
// +build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package comm

import "golang.org/x/sys/unix"

func isRestart(errno unix.Errno) bool { return errno == unix.ERESTART }

// emptyReadBuffer discards unread input so close(2) does not turn into a
// reset towards a peer that is still sending.
func emptyReadBuffer(fd int) {
	var buf [8192]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if err != nil || n <= 0 {
			return
		}
	}
}
