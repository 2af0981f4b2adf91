// control/debug.go
// Author: momentics <momentics@gmail.com>
//
// Runtime debug handler and probe reflector for internal inspection.

package control

import (
	"sort"
	"sync"

	"github.com/momentics/hioload-comm/api"
)

// DebugProbes holds registered probe functions.
type DebugProbes struct {
	mu     sync.RWMutex
	probes map[string]func() any
}

var _ api.Debug = (*DebugProbes)(nil)

// NewDebugProbes creates a probe registry.
func NewDebugProbes() *DebugProbes {
	return &DebugProbes{
		probes: make(map[string]func() any),
	}
}

// RegisterProbe inserts a named debug hook.
func (dp *DebugProbes) RegisterProbe(name string, fn func() any) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.probes[name] = fn
}

// Names lists the registered probes in sorted order.
func (dp *DebugProbes) Names() []string {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	names := make([]string, 0, len(dp.probes))
	for k := range dp.probes {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// DumpState returns output of all probes. Probes reading loop-owned state
// must be dumped from the loop goroutine.
func (dp *DebugProbes) DumpState() map[string]any {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	out := make(map[string]any)
	for k, fn := range dp.probes {
		out[k] = fn()
	}
	return out
}
