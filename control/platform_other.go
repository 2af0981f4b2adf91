//go:build !linux
// +build !linux

// control/platform_other.go
// Author: momentics <momentics@gmail.com>
//
// Fallbacks for platforms without the epoll backend.

package control

import (
	"runtime"
)

// DetectMaxFD returns a conservative descriptor budget.
func DetectMaxFD() int { return 1024 }

// RegisterPlatformProbes sets generic debug probes.
func RegisterPlatformProbes(dp *DebugProbes) {
	dp.RegisterProbe("platform.cpus", func() any {
		return runtime.NumCPU()
	})
}
