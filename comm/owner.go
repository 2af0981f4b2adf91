// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package comm

// Owner is a capability token for the party that registered a callback.
// Once invalidated, timeout, connect and close handlers registered with it
// are skipped instead of called. A nil *Owner is always valid.
type Owner struct {
	dead bool
}

// NewOwner returns a valid owner.
func NewOwner() *Owner { return &Owner{} }

// Invalidate marks the owner gone.
func (o *Owner) Invalidate() {
	if o != nil {
		o.dead = true
	}
}

// Valid reports whether callbacks bound to o may still run.
func (o *Owner) Valid() bool { return o == nil || !o.dead }
