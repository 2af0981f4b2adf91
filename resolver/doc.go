// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package resolver resolves host names for the comm engine without blocking
// its loop. Lookups run on their own goroutines and their results are posted
// back to the loop; a bounded cache keeps each host's address set along with
// a cursor and per-address failure marks, so repeated connects rotate through
// the addresses that still work.
package resolver
