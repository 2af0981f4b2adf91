// Package api
// Author: momentics@gmail.com
//
// Cancellation contract for scheduled work.

package api

// Cancelable is any scheduled operation that may be canceled.
type Cancelable interface {
	// Cancel aborts the operation; false means it already ran or was canceled.
	Cancel() bool
	// Pending reports whether the operation is still waiting to run.
	Pending() bool
}
