package memory

import (
	"fmt"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xsbus"
)

// Use builds a Bus on the in-memory transport. Mirrors the adapter "Use"
// pattern: explicit construction, panics on misconfiguration.
//
// Example:
//
//	net := memory.NewNetwork()
//	bus := memory.Use(memory.Config{Address: "orders", Network: net},
//	    memory.WithLogger(logger),
//	    memory.WithWorkers(2),
//	)
func Use(cfg Config, opts ...Option) *xsbus.Bus {
	bb := xsbus.NewBusBuilder().
		WithTransportInstance(NewTransport(cfg))

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}

	bus, err := bb.Build()
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}
	return bus
}

// Option configures the xsbus.BusBuilder when calling Use.
type Option func(*xsbus.BusBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xsbus.BusBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xsbus.BusBuilder) { b.WithClock(c) }
}

// WithCodec selects a codec by name (default: "json").
func WithCodec(name string) Option {
	return func(b *xsbus.BusBuilder) { b.WithCodec(name) }
}

// WithWorkers sets the worker count.
func WithWorkers(n int) Option {
	return func(b *xsbus.BusBuilder) { b.WithWorkers(n) }
}

// WithOptions replaces the whole option set.
func WithOptions(o xsbus.Options) Option {
	return func(b *xsbus.BusBuilder) { b.WithOptions(o) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xsbus.Observer) Option {
	return func(b *xsbus.BusBuilder) { b.WithObserver(obs...) }
}
