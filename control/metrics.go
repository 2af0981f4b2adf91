// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus statistics sink for the comm engine.

package control

import (
	"github.com/momentics/hioload-comm/api"
	"github.com/prometheus/client_golang/prometheus"
)

var allSyscalls = []api.Syscall{
	api.SyscallSocket, api.SyscallConnect, api.SyscallAccept, api.SyscallRead, api.SyscallWrite,
	api.SyscallRecvFrom, api.SyscallSendTo, api.SyscallClose, api.SyscallPoll,
}

// Metrics implements api.Stats on top of Prometheus counters.
type Metrics struct {
	syscalls  *prometheus.CounterVec
	bytes     *prometheus.CounterVec
	pconnUses prometheus.Histogram

	// resolved children, indexed by api.Syscall / api.Direction
	syscallCounters []prometheus.Counter
	byteCounters    [2]prometheus.Counter
}

var _ api.Stats = (*Metrics)(nil)

// NewMetrics creates the collectors and registers them with reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		syscalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "comm",
				Name:      "syscalls_total",
				Help:      "Number of system calls issued by the comm engine.",
			},
			[]string{"syscall"},
		),
		bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "comm",
				Name:      "bytes_total",
				Help:      "Bytes transferred on engine descriptors.",
			},
			[]string{"direction"},
		),
		pconnUses: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "comm",
				Name:      "pconn_uses",
				Help:      "Requests carried by a connection at close time.",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
			},
		),
	}
	for _, s := range allSyscalls {
		m.syscallCounters = append(m.syscallCounters, m.syscalls.WithLabelValues(s.String()))
	}
	m.byteCounters[api.DirRead] = m.bytes.WithLabelValues(api.DirRead.String())
	m.byteCounters[api.DirWrite] = m.bytes.WithLabelValues(api.DirWrite.String())

	if reg != nil {
		reg.MustRegister(m.syscalls, m.bytes, m.pconnUses)
	}
	return m
}

// Syscall counts one system call.
func (m *Metrics) Syscall(kind api.Syscall) {
	if int(kind) < len(m.syscallCounters) {
		m.syscallCounters[kind].Inc()
	}
}

// Bytes adds n to the byte counter for dir.
func (m *Metrics) Bytes(dir api.Direction, n int) {
	if n > 0 && int(dir) < len(m.byteCounters) {
		m.byteCounters[dir].Add(float64(n))
	}
}

// PconnUses records the use count of a closing connection.
func (m *Metrics) PconnUses(uses int) {
	m.pconnUses.Observe(float64(uses))
}
