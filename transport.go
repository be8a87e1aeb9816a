package xsbus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Transport is the Strategy interface for queue drivers. Send and Receive
// operate within a transaction context: a transport enqueues outgoing
// messages on commit and returns an unacknowledged incoming message to the
// queue on abort.
type Transport interface {
	// Send delivers msg to the queue named by destination. When tx is
	// non-nil the delivery must become visible only when tx commits.
	Send(ctx context.Context, destination string, msg *TransportMessage, tx *TransactionContext) error

	// Receive returns the next message from the transport's own input queue,
	// or (nil, nil) when no message is available. The acknowledgement is
	// bound to tx: commit acks the message, abort returns it to the queue.
	Receive(ctx context.Context, tx *TransactionContext) (*TransportMessage, error)

	// Address is the transport's own input queue name.
	Address() string

	// CreateQueue provisions the queue named by address. Idempotent.
	CreateQueue(ctx context.Context, address string) error
}

// DeferredDeliveryTransport is an optional capability: a transport that can
// natively deliver a message no earlier than a due time. When the configured
// transport implements it, the bus skips the timeout manager entirely and
// the deferral steps are removed from the incoming pipeline.
type DeferredDeliveryTransport interface {
	Transport
	SendDeferred(ctx context.Context, destination string, due time.Time, msg *TransportMessage, tx *TransactionContext) error
}

// TransportFactory constructs transports from a config blob.
type TransportFactory func(cfg map[string]any) (Transport, error)

var (
	transportRegistryMu sync.RWMutex
	transportRegistry   = map[string]TransportFactory{}
)

// RegisterTransport registers a backend adapter.
func RegisterTransport(name string, factory TransportFactory) error {
	if name == "" {
		return errors.New("transport name must not be empty")
	}
	if factory == nil {
		return errors.New("transport factory must not be nil")
	}
	transportRegistryMu.Lock()
	transportRegistry[name] = factory
	transportRegistryMu.Unlock()
	return nil
}

// NewTransport constructs a transport by name with config.
func NewTransport(name string, cfg map[string]any) (Transport, error) {
	transportRegistryMu.RLock()
	f, ok := transportRegistry[name]
	transportRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownTransport{name: name}
	}
	return f(cfg)
}
