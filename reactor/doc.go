// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the readiness multiplexer behind the comm engine:
// an epoll(7) backend on Linux and an erroring stub elsewhere.
package reactor
