//go:build linux
// +build linux

// File: affinity/affinity_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux implementation on sched_setaffinity(2).

package affinity

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// setAffinityPlatform restricts the calling thread to cpuID.
func setAffinityPlatform(cpuID int) error {
	if cpuID < 0 {
		return fmt.Errorf("affinity: invalid cpu %d", cpuID)
	}
	var set unix.CPUSet
	set.Set(cpuID)
	// pid 0 is the calling thread.
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("affinity: sched_setaffinity cpu %d: %w", cpuID, err)
	}
	return nil
}

func numCPUPlatform() int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return runtime.NumCPU()
	}
	return set.Count()
}
