package xsbus

import (
	"errors"
	"fmt"
)

var (
	// ErrBusClosed is returned by Start, and by operations that send a
	// message, once Close has run.
	ErrBusClosed = errors.New("xsbus: bus is closed")

	// ErrBusNotStarted reports that an operation needs a started bus. None of
	// the Bus methods returns it.
	ErrBusNotStarted = errors.New("xsbus: bus is not started")

	// ErrNoTransportConfigured is returned by Build when no transport was given.
	ErrNoTransportConfigured = errors.New("xsbus: no transport configured")

	// ErrOneWayClient is returned when a receive-side operation is attempted
	// on a bus configured with zero workers.
	ErrOneWayClient = errors.New("xsbus: bus is a one-way client")

	// ErrNoReturnAddress is returned by Reply when the message being handled
	// carries no return-address header.
	ErrNoReturnAddress = errors.New("xsbus: no return-address on message being handled")

	// ErrNoMessageContext is returned by Reply outside of a handler.
	ErrNoMessageContext = errors.New("xsbus: no message is currently being handled")

	// ErrSagaConcurrency signals an optimistic revision mismatch when
	// persisting saga data. It is retried like any handler failure.
	ErrSagaConcurrency = errors.New("xsbus: saga revision conflict")

	// ErrSagaCorrelationConflict signals a correlation property value that is
	// already claimed by another saga instance.
	ErrSagaCorrelationConflict = errors.New("xsbus: saga correlation value already in use")

	// ErrNoHandlers is returned when a message resolves to no handlers at all.
	ErrNoHandlers = errors.New("xsbus: no handlers registered for message")
)

// ErrUnknownTransport is returned when a transport name is not registered.
type ErrUnknownTransport struct{ name string }

func (e ErrUnknownTransport) Error() string { return fmt.Sprintf("unknown transport: %s", e.name) }

// RoutingError is returned by Send when the router has no destination for a
// message type. It is surfaced to the caller, never retried.
type RoutingError struct{ MessageType string }

func (e RoutingError) Error() string {
	return fmt.Sprintf("xsbus: no destination mapped for message type %q", e.MessageType)
}

// IllegalStateError is returned when a transaction context callback is
// registered after its phase already ran.
type IllegalStateError struct {
	Phase string
	State string
}

func (e IllegalStateError) Error() string {
	return fmt.Sprintf("xsbus: cannot register %s callback in state %s", e.Phase, e.State)
}

// UnknownTypeError is returned when a type header does not resolve against
// the type registry.
type UnknownTypeError struct{ Name string }

func (e UnknownTypeError) Error() string {
	return fmt.Sprintf("xsbus: message type %q is not registered", e.Name)
}
