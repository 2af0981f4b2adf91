// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral API for CPU affinity. Platform-specific implementations are located
// in separate files guarded by build tags.

package affinity

// SetAffinity pins the calling OS thread to a logical CPU. The caller should
// hold runtime.LockOSThread. On unsupported platforms it returns an error.
func SetAffinity(cpuID int) error {
	return setAffinityPlatform(cpuID)
}

// NumCPU reports how many CPUs the process may run on.
func NumCPU() int {
	return numCPUPlatform()
}
