package dispatch

import (
	"errors"
	"fmt"
)

var (
	// Dispatcher state errors
	ErrNotBound         = errors.New("dispatcher not bound")
	ErrCapacityExceeded = errors.New("dispatcher shard at capacity")

	// Registration errors
	ErrNilHandler    = errors.New("handler cannot be nil")
	ErrNilDescriptor = errors.New("descriptor cannot be nil")

	// Dispatch errors
	ErrNilEvent = errors.New("event cannot be nil")

	// Async bus errors
	ErrWorkersRunning    = errors.New("workers already running")
	ErrWorkersNotRunning = errors.New("workers not running")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid dispatch configuration")
)

// SubscriptionError reports a structural problem with a subscriber method
// or its filter: wrong arity, a return value, a parameter that is not an
// event type, or a filter that cannot be instantiated. It is returned
// synchronously from analysis and registration; the caller fixes the
// handler declaration to recover.
type SubscriptionError struct {
	// Reason describes what rule the method violated.
	Reason string

	// Method is the name of the offending subscriber method, when known.
	Method string
}

func (e *SubscriptionError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("subscription error: %s", e.Reason)
	}
	return fmt.Sprintf("subscription error: method %s: %s", e.Method, e.Reason)
}

func newSubscriptionError(method, format string, args ...any) *SubscriptionError {
	return &SubscriptionError{Reason: fmt.Sprintf(format, args...), Method: method}
}

// DispatchError wraps a failure raised by a handler, a filter, or an
// enable check during dispatch. Cause holds the recovered panic value.
type DispatchError struct {
	// Cause is the value recovered from the failing invocation.
	Cause any

	// Descriptor identifies the handler whose invocation failed.
	Descriptor *HandlerDescriptor
}

func (e *DispatchError) Error() string {
	if e.Descriptor != nil {
		return fmt.Sprintf("dispatch error in %s: %v", e.Descriptor.Method(), e.Cause)
	}
	return fmt.Sprintf("dispatch error: %v", e.Cause)
}

// Unwrap exposes an underlying error cause, when the panic value was one.
func (e *DispatchError) Unwrap() error {
	if err, ok := e.Cause.(error); ok {
		return err
	}
	return nil
}

// DispatchErrorEvent is dispatched through the plan of the shard where a
// handler, filter, or enable check failed. On an expander-backed bus,
// DispatchErrorEvent handlers held by other shards do not receive it. It
// is posted at most once per failure: a failure raised while dispatching
// a DispatchErrorEvent is logged and dropped rather than wrapped again.
type DispatchErrorEvent struct {
	BaseEvent

	// Err carries the wrapped failure.
	Err *DispatchError
}
