// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities shared by the comm engine,
// its multiplexers and resolvers.

package api

import "fmt"

// Common errors used across the library.
var (
	ErrMultiplexerClosed = fmt.Errorf("multiplexer is closed")
	ErrLoopClosed        = fmt.Errorf("event loop is closed")
	ErrInvalidArgument   = fmt.Errorf("invalid argument")
	ErrResourceExhausted = fmt.Errorf("resource exhausted")
	ErrOperationTimeout  = fmt.Errorf("operation timeout")
	ErrNotSupported      = fmt.Errorf("operation not supported")
	ErrNotFound          = fmt.Errorf("resource not found")
)

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeResourceExhausted
	ErrCodeTimeout
	ErrCodeNotSupported
	ErrCodeNotFound
	ErrCodeInternal
)

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (context: %+v)", e.Message, e.Context)
}

// Is lets errors.Is match a structured error against the sentinel of its code.
func (e *Error) Is(target error) bool {
	switch e.Code {
	case ErrCodeInvalidArgument:
		return target == ErrInvalidArgument
	case ErrCodeResourceExhausted:
		return target == ErrResourceExhausted
	case ErrCodeTimeout:
		return target == ErrOperationTimeout
	case ErrCodeNotSupported:
		return target == ErrNotSupported
	case ErrCodeNotFound:
		return target == ErrNotFound
	}
	return false
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}
