//go:build !linux
// +build !linux

// File: affinity/affinity_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.

package affinity

import (
	"errors"
	"runtime"
)

// setAffinityPlatform is a stub for platforms where CPU affinity is not supported.
func setAffinityPlatform(cpuID int) error {
	return errors.New("affinity: not supported on this platform")
}

func numCPUPlatform() int { return runtime.NumCPU() }
