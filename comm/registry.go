// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package comm

import (
	"net/netip"
	"time"

	"github.com/eapache/queue"
	"github.com/momentics/hioload-comm/api"
)

// Type classifies what a descriptor refers to.
type Type uint8

const (
	TypeNone Type = iota
	TypeSocket
	TypePipe
	TypeFile
	TypeUnknown
)

var typeNames = [...]string{"none", "socket", "pipe", "file", "unknown"}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "invalid"
}

// maxTableSize bounds the arena. Descriptor numbers above it are refused.
const maxTableSize = 1 << 24

// Flags are the per-descriptor option bits the engine tracks.
type Flags struct {
	NonBlocking   bool
	CloseOnExec   bool
	NoDelay       bool
	NoLinger      bool
	ReuseAddr     bool
	CalledConnect bool
	SocketEOF     bool
	IPC           bool
	HalfClosed    bool
}

// Descriptor is the registry record for one descriptor number. Records are
// reused: a closed slot is reset to a blank record and handed out again when
// the kernel recycles the number.
type Descriptor struct {
	FD      int
	Open    bool
	Closing bool
	Type    Type
	Note    string

	Local netip.AddrPort
	Peer  netip.AddrPort

	Family int
	SoType int
	Proto  int
	TOS    int
	RcvBuf int
	Flags  Flags

	BytesRead    int64
	BytesWritten int64
	// Uses counts requests served on a persistent connection.
	Uses int

	// Gen changes every time the slot is opened.
	Gen uint64

	timeout        time.Time
	timeoutHandler func(fd int)
	timeoutOwner   *Owner

	closeHandlers []closeHandler

	io ioState
}

type readOp struct {
	buf     []byte
	handler ReadHandler
}

type writeOp struct {
	buf     []byte
	off     int
	handler WriteHandler
}

type fillOp struct {
	buf     []byte
	done    int
	handler FillHandler
}

type acceptOp struct {
	handler    AcceptHandler
	checkDelay time.Duration
	check      api.Cancelable
	count      int
	finished   bool
}

// ioState is the engine-private per-descriptor I/O state.
type ioState struct {
	read    readOp
	write   writeOp
	fill    fillOp
	accept  acceptOp
	pending *queue.Queue
}

// Registry maps descriptor numbers to records and keeps the open count used
// for headroom decisions.
type Registry struct {
	table    []*Descriptor
	open     int
	biggest  int
	max      int
	reserved int
	gen      uint64
}

func newRegistry(max, reserved int) *Registry {
	return &Registry{max: max, reserved: reserved, biggest: -1}
}

func (r *Registry) slot(fd int) *Descriptor {
	if fd >= len(r.table) {
		n := len(r.table) * 2
		if n <= fd {
			n = fd + 64
		}
		grown := make([]*Descriptor, n)
		copy(grown, r.table)
		r.table = grown
	}
	d := r.table[fd]
	if d == nil {
		d = &Descriptor{FD: fd}
		r.table[fd] = d
	}
	return d
}

// Lookup returns the record for an open descriptor, or nil.
func (r *Registry) Lookup(fd int) *Descriptor {
	if fd < 0 || fd >= len(r.table) {
		return nil
	}
	d := r.table[fd]
	if d == nil || !d.Open {
		return nil
	}
	return d
}

// NumOpen is the number of open descriptors.
func (r *Registry) NumOpen() int { return r.open }

// NumFree is the descriptor budget left.
func (r *Registry) NumFree() int { return r.max - r.open }

// Reserved is the headroom below which accepts are deferred.
func (r *Registry) Reserved() int { return r.reserved }

// Max is the descriptor budget.
func (r *Registry) Max() int { return r.max }

// Biggest is the highest open descriptor number, or -1.
func (r *Registry) Biggest() int { return r.biggest }

// AdjustReserved raises the reserve after the kernel refused a descriptor
// and returns the new value.
func (r *Registry) AdjustReserved() int {
	pad := r.max / 16
	if pad > 25 {
		pad = 25
	}
	x := r.max - r.open + pad
	if x > r.max-1 {
		x = r.max - 1
	}
	if x > r.reserved {
		r.reserved = x
	}
	return r.reserved
}

func (r *Registry) register(fd int, typ Type, note string) (*Descriptor, error) {
	if fd < 0 || fd >= maxTableSize {
		return nil, api.NewError(api.ErrCodeResourceExhausted, "descriptor outside registry range").WithContext("fd", fd)
	}
	d := r.slot(fd)
	if d.Open {
		violation("descriptor %d opened twice", fd)
	}
	r.gen++
	*d = Descriptor{FD: fd, Open: true, Type: typ, Note: note, Gen: r.gen}
	r.open++
	if fd > r.biggest {
		r.biggest = fd
	}
	return d, nil
}

func (r *Registry) release(fd int) {
	d := r.slot(fd)
	if !d.Open {
		return
	}
	*d = Descriptor{FD: fd}
	r.open--
	for r.biggest >= 0 && (r.table[r.biggest] == nil || !r.table[r.biggest].Open) {
		r.biggest--
	}
}

// each calls fn for every open descriptor in ascending order.
func (r *Registry) each(fn func(d *Descriptor)) {
	for fd := 0; fd <= r.biggest; fd++ {
		if d := r.table[fd]; d != nil && d.Open {
			fn(d)
		}
	}
}
