package xsbus

import (
	"context"
	"time"
)

// API is the complete bus surface, for extensibility and test doubles.
type API interface {
	Start(ctx context.Context) error
	Close(ctx context.Context) error

	Send(ctx context.Context, msg any, meta map[string]string) error
	SendLocal(ctx context.Context, msg any, meta map[string]string) error
	Reply(ctx context.Context, msg any, meta map[string]string) error
	Defer(ctx context.Context, delay time.Duration, msg any, meta map[string]string) error
	Publish(ctx context.Context, msg any, meta map[string]string) error
	Subscribe(ctx context.Context, typeName string) error
	Unsubscribe(ctx context.Context, typeName string) error

	SetWorkerCount(n int) error
	Metrics() Metrics
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}
