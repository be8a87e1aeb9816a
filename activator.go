package xsbus

import (
	"context"
	"sync"
)

// Handler processes one decoded message body.
type Handler interface {
	Handle(ctx context.Context, msg any) error
}

// HandlerFunc is an Adapter that lets a plain function satisfy Handler.
type HandlerFunc func(ctx context.Context, msg any) error

func (f HandlerFunc) Handle(ctx context.Context, msg any) error { return f(ctx, msg) }

// HandlerActivator resolves the handlers registered for a logical type name.
// Handlers are produced per message scope; anything they acquire should hang
// its release off the transaction context's dispose callbacks.
type HandlerActivator interface {
	Handlers(ctx context.Context, typeName string, tx *TransactionContext) ([]Handler, error)
}

// BuiltinActivator is the registry-backed HandlerActivator: handlers keyed by
// type name, returned in registration order.
type BuiltinActivator struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewBuiltinActivator returns an empty activator.
func NewBuiltinActivator() *BuiltinActivator {
	return &BuiltinActivator{handlers: make(map[string][]Handler)}
}

// Handle registers a handler for a type name. Chainable.
func (a *BuiltinActivator) Handle(typeName string, h Handler) *BuiltinActivator {
	a.mu.Lock()
	a.handlers[typeName] = append(a.handlers[typeName], h)
	a.mu.Unlock()
	return a
}

// HandleFunc registers a plain function for a type name. Chainable.
func (a *BuiltinActivator) HandleFunc(typeName string, fn func(ctx context.Context, msg any) error) *BuiltinActivator {
	return a.Handle(typeName, HandlerFunc(fn))
}

// Handlers returns the handlers for typeName in registration order.
func (a *BuiltinActivator) Handlers(_ context.Context, typeName string, _ *TransactionContext) ([]Handler, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	hs := a.handlers[typeName]
	out := make([]Handler, len(hs))
	copy(out, hs)
	return out, nil
}

// HandleTyped registers a function taking the concrete pointer type the
// serializer materializes for typeName.
func HandleTyped[T any](a *BuiltinActivator, typeName string, fn func(ctx context.Context, m *T) error) {
	a.HandleFunc(typeName, func(ctx context.Context, msg any) error {
		m, ok := msg.(*T)
		if !ok {
			return UnknownTypeError{Name: typeName}
		}
		return fn(ctx, m)
	})
}
