package errors

import (
	"fmt"
	"time"
)

// HandlerError wraps an error returned or raised by a named handler.
type HandlerError struct {
	Handler string
	Err     error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s: %v", e.Handler, e.Err)
}

// Unwrap returns the underlying error.
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// TimeoutError indicates a handler did not return within its timeout.
type TimeoutError struct {
	Handler  string
	Duration time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("handler %s timed out after %s", e.Handler, e.Duration)
}

// PanicError captures a recovered handler panic.
type PanicError struct {
	Handler string
	Value   any
	Stack   string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("handler %s panicked: %v", e.Handler, e.Value)
}

// UnknownHandlerError indicates a binding names a handler that is not registered.
type UnknownHandlerError struct {
	Name string
}

// Error implements the error interface.
func (e *UnknownHandlerError) Error() string {
	return fmt.Sprintf("unknown handler: %s", e.Name)
}
