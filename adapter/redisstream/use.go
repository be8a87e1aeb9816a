package redisstream

import (
	"fmt"

	"github.com/trickstertwo/xsbus"
)

const TransportName = "redis-streams"

func init() {
	if err := xsbus.RegisterTransport(TransportName, func(cfg map[string]any) (xsbus.Transport, error) {
		return NewTransport(configFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xsbus: failed to register transport %q: %w", TransportName, err))
	}
}

// Use builds a Bus on the Redis Streams transport. Mirrors the adapter "Use"
// pattern: explicit construction, panics on misconfiguration.
func Use(cfg Config, opts ...func(*xsbus.BusBuilder)) *xsbus.Bus {
	transport, err := NewTransport(cfg)
	if err != nil {
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}
	bb := xsbus.NewBusBuilder().WithTransportInstance(transport)
	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}
	bus, err := bb.Build()
	if err != nil {
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}
	return bus
}
