// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, runtime metrics, logging and debug introspection layer
// around the comm engine.
//
// Provides:
//   - YAML configuration with defaults, validation and a reloadable store
//   - Prometheus statistics sink for syscall and byte counters
//   - Reconfigurable go-kit logger
//   - State export through registered debug probes
package control
