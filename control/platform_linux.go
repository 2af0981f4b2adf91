//go:build linux
// +build linux

// control/platform_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux-specific limits and debug probe integrations.

package control

import (
	"runtime"

	"golang.org/x/sys/unix"
)

const fallbackMaxFD = 1024

// DetectMaxFD returns the soft RLIMIT_NOFILE, or 1024 when it cannot be read.
func DetectMaxFD() int {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil || rl.Cur == 0 {
		return fallbackMaxFD
	}
	if rl.Cur > 1<<20 {
		return 1 << 20
	}
	return int(rl.Cur)
}

// RegisterPlatformProbes sets Linux-specific debug probes.
func RegisterPlatformProbes(dp *DebugProbes) {
	dp.RegisterProbe("platform.cpus", func() any {
		return runtime.NumCPU()
	})
	dp.RegisterProbe("platform.rlimit_nofile", func() any {
		var rl unix.Rlimit
		if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
			return err.Error()
		}
		return map[string]uint64{"cur": rl.Cur, "max": rl.Max}
	})
}
