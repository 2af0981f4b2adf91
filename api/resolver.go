// Package api
// Author: momentics <momentics@gmail.com>
//
// Asynchronous host resolution contract used by connection setup.

package api

import "net/netip"

// AddrSet is an ordered set of addresses with a cursor on the preferred one.
type AddrSet struct {
	Addrs []netip.Addr
	Cur   int
}

// Current returns the address under the cursor.
func (s *AddrSet) Current() netip.Addr {
	if s == nil || len(s.Addrs) == 0 {
		return netip.Addr{}
	}
	return s.Addrs[s.Cur%len(s.Addrs)]
}

// Len returns the number of addresses in the set.
func (s *AddrSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Addrs)
}

// ResolveFunc receives a private copy of the resolved set, or an error.
type ResolveFunc func(set *AddrSet, err error)

// Resolver resolves host names without blocking the loop. Callbacks are
// always delivered later on the loop goroutine, never from inside ResolveAsync.
type Resolver interface {
	ResolveAsync(host string, fn ResolveFunc)
	// CycleAddr advances the cached cursor for host past bad addresses.
	CycleAddr(host string)
	MarkGood(host string, addr netip.Addr)
	MarkBad(host string, addr netip.Addr)
}
