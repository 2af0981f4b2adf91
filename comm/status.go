// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package comm

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Status is the outcome code carried by every completion.
type Status int

const (
	StatusOK Status = iota
	StatusError
	StatusNoMessage
	StatusClosing
	StatusConnect
	StatusDNS
	StatusTimeout
	StatusLimit
	StatusInProgress
	StatusShutdown
)

var statusNames = [...]string{
	StatusOK:         "ok",
	StatusError:      "error",
	StatusNoMessage:  "no message",
	StatusClosing:    "closing",
	StatusConnect:    "connect failed",
	StatusDNS:        "dns failed",
	StatusTimeout:    "timeout",
	StatusLimit:      "descriptor limit",
	StatusInProgress: "in progress",
	StatusShutdown:   "shutdown",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ErrClass groups errno values by how the engine reacts to them.
type ErrClass int

const (
	// ClassNone is a zero errno.
	ClassNone ErrClass = iota
	// ClassTransient means retry once the descriptor is ready again.
	ClassTransient
	// ClassLimit means the process or system ran out of descriptors.
	ClassLimit
	// ClassPeer covers everything else: reported to the caller as an error.
	ClassPeer
)

// IgnoreErrno reports whether errno is transient: the operation stays
// pending and readiness is awaited again.
func IgnoreErrno(errno unix.Errno) bool {
	switch errno {
	case unix.EINPROGRESS, unix.EAGAIN, unix.EALREADY, unix.EINTR:
		return true
	}
	// EWOULDBLOCK equals EAGAIN on every supported platform.
	if errno == unix.EWOULDBLOCK {
		return true
	}
	return isRestart(errno)
}

// Classify maps errno onto the engine's error classes.
func Classify(errno unix.Errno) ErrClass {
	switch {
	case errno == 0:
		return ClassNone
	case IgnoreErrno(errno):
		return ClassTransient
	case errno == unix.EMFILE || errno == unix.ENFILE:
		return ClassLimit
	}
	return ClassPeer
}

// statusFor is the completion status for a terminal errno.
func statusFor(errno unix.Errno) Status {
	if Classify(errno) == ClassLimit {
		return StatusLimit
	}
	return StatusError
}

func toErrno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}

// Op names the operation a completion belongs to.
type Op string

const (
	OpRead    Op = "read"
	OpWrite   Op = "write"
	OpFill    Op = "fill"
	OpAccept  Op = "accept"
	OpConnect Op = "connect"
	OpOpen    Op = "open"
	OpSendTo  Op = "sendto"
	OpRecv    Op = "recvfrom"
)

// Result is the part shared by all completions.
type Result struct {
	Op     Op
	FD     int
	Status Status
	Errno  unix.Errno
}

// Err returns nil on success and an *OpError otherwise.
func (r Result) Err() error {
	if r.Status == StatusOK {
		return nil
	}
	return &OpError{Op: r.Op, FD: r.FD, Status: r.Status, Errno: r.Errno}
}

// OpError describes a failed or cancelled operation.
type OpError struct {
	Op     Op
	FD     int
	Status Status
	Errno  unix.Errno
}

func (e *OpError) Error() string {
	if e.Errno != 0 {
		return fmt.Sprintf("comm: %s on FD %d: %s: %s", e.Op, e.FD, e.Status, e.Errno.Error())
	}
	return fmt.Sprintf("comm: %s on FD %d: %s", e.Op, e.FD, e.Status)
}

// Unwrap exposes the errno so errors.Is(err, unix.ECONNREFUSED) works.
func (e *OpError) Unwrap() error {
	if e.Errno == 0 {
		return nil
	}
	return e.Errno
}

func violation(format string, args ...any) {
	panic(fmt.Sprintf("comm: contract violation: "+format, args...))
}
