// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package fake

import (
	"context"
	"net/netip"
	"sync"

	"github.com/momentics/hioload-comm/api"
)

// Backend answers lookups from a static table.
type Backend struct {
	mu      sync.Mutex
	Hosts   map[string][]netip.Addr
	lookups map[string]int
}

// NewBackend creates a backend serving hosts.
func NewBackend(hosts map[string][]netip.Addr) *Backend {
	return &Backend{Hosts: hosts, lookups: make(map[string]int)}
}

func (b *Backend) Lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lookups[host]++
	addrs, ok := b.Hosts[host]
	if !ok || len(addrs) == 0 {
		return nil, api.NewError(api.ErrCodeNotFound, "no addresses").WithContext("host", host)
	}
	return append([]netip.Addr(nil), addrs...), nil
}

// Lookups returns how many times host was looked up.
func (b *Backend) Lookups(host string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lookups[host]
}
