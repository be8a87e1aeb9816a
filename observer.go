package xsbus

import (
	"github.com/trickstertwo/xlog"
)

// Observer receives bus lifecycle events. Implementations should be
// non-blocking; dispatch happens on the observer pool.
type Observer interface {
	OnEvent(e Event)
}

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver is an Adapter that emits bus events via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("queue", e.Queue),
		xlog.Str("message_id", e.MessageID),
		xlog.Str("message_type", e.MessageType),
	)
	switch e.Type {
	case EventPoison:
		ev.Error().Err(e.Err).Msg("xsbus: message dead-lettered")
	case EventError, EventAbort, EventSagaConflict, EventExpired:
		ev.Warn().Err(e.Err).Msg("xsbus event")
	default:
		if e.Duration > 0 {
			ev = ev.With(xlog.Dur("duration", e.Duration))
		}
		ev.Debug().Msg("xsbus event")
	}
}
