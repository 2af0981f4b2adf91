// Package api
// Author: momentics <momentics@gmail.com>
//
// Statistics sink fed by the comm engine.

package api

// Syscall names a counted system call class.
type Syscall uint8

const (
	SyscallSocket Syscall = iota
	SyscallConnect
	SyscallAccept
	SyscallRead
	SyscallWrite
	SyscallRecvFrom
	SyscallSendTo
	SyscallClose
	SyscallPoll
)

var syscallNames = [...]string{"socket", "connect", "accept", "read", "write", "recvfrom", "sendto", "close", "poll"}

func (s Syscall) String() string {
	if int(s) < len(syscallNames) {
		return syscallNames[s]
	}
	return "unknown"
}

// Direction of a byte counter.
type Direction uint8

const (
	DirRead Direction = iota
	DirWrite
)

func (d Direction) String() string {
	if d == DirWrite {
		return "write"
	}
	return "read"
}

// Stats receives counters from the engine. Implementations must be cheap;
// they are called on every system call.
type Stats interface {
	Syscall(kind Syscall)
	Bytes(dir Direction, n int)
	// PconnUses records how many requests a closing descriptor carried.
	PconnUses(uses int)
}

// NopStats discards everything.
type NopStats struct{}

func (NopStats) Syscall(Syscall) {}
func (NopStats) Bytes(Direction, int) {}
func (NopStats) PconnUses(int) {}
