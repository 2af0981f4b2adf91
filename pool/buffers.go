// File: pool/buffers.go
// Author: momentics <momentics@gmail.com>

package pool

import "go.uber.org/atomic"

// Buffers hands out read buffers of one size. Buffers of another size are
// not taken back.
type Buffers struct {
	size    int
	pool    ObjectPool[*[]byte]
	created atomic.Int64
	inUse   atomic.Int64
}

// NewBuffers creates a pool of size-byte buffers.
func NewBuffers(size int) *Buffers {
	if size <= 0 {
		size = 4096
	}
	b := &Buffers{size: size}
	b.pool = NewSyncPool(func() *[]byte {
		b.created.Add(1)
		buf := make([]byte, size)
		return &buf
	})
	return b
}

// Get returns a buffer of Size bytes.
func (b *Buffers) Get() []byte {
	b.inUse.Add(1)
	return *b.pool.Get()
}

// Put returns buf to the pool. The caller must not touch buf afterwards.
func (b *Buffers) Put(buf []byte) {
	if cap(buf) != b.size {
		return
	}
	b.inUse.Add(-1)
	buf = buf[:b.size]
	b.pool.Put(&buf)
}

// Size is the length of every buffer.
func (b *Buffers) Size() int { return b.size }

// InUse is the number of buffers handed out and not yet returned.
func (b *Buffers) InUse() int64 { return b.inUse.Load() }

// Created is the number of buffers allocated so far.
func (b *Buffers) Created() int64 { return b.created.Load() }
