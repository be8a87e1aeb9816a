package xsbus

import (
	"context"
	"fmt"

	"github.com/trickstertwo/xlog"
)

// Dispatcher resolves the handlers for an incoming logical message — the
// runtime type and each of its declared ancestors — and invokes them
// sequentially within the message's transaction context. Saga handlers are
// routed through the saga engine instead of being called directly.
type Dispatcher struct {
	registry  *TypeRegistry
	activator HandlerActivator
	sagas     *SagaEngine
	subs      SubscriptionStorage
	logger    *xlog.Logger
}

// NewDispatcher wires a dispatcher. sagas may be nil when no saga storage is
// configured.
func NewDispatcher(registry *TypeRegistry, activator HandlerActivator, sagas *SagaEngine, subs SubscriptionStorage, logger *xlog.Logger) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		activator: activator,
		sagas:     sagas,
		subs:      subs,
		logger:    logger,
	}
}

// Dispatch invokes every handler resolved for the message in sctx. A single
// handler error fails the whole set; side effects registered on the
// transaction context roll back through its abort callbacks.
func (d *Dispatcher) Dispatch(ctx context.Context, sctx *IncomingStepContext) error {
	logical := sctx.Logical

	// Subscription control messages are handled by the bus itself: the
	// publisher owns its local subscription storage.
	switch m := logical.Body.(type) {
	case *SubscribeRequest:
		d.logger.Debug().Str("topic", m.Topic).Str("subscriber", m.SubscriberAddress).Msg("xsbus: subscribe request")
		return d.subs.Register(ctx, m.Topic, m.SubscriberAddress)
	case *UnsubscribeRequest:
		d.logger.Debug().Str("topic", m.Topic).Str("subscriber", m.SubscriberAddress).Msg("xsbus: unsubscribe request")
		return d.subs.Unregister(ctx, m.Topic, m.SubscriberAddress)
	}

	mc := &MessageContext{Headers: logical.Headers, Type: logical.Type, Tx: sctx.Tx}
	hctx := withMessageContext(WithTransactionContext(ctx, sctx.Tx), mc)

	var plain []Handler
	var sagas []sagaInvocation
	// Saga handlers are deduplicated across the ancestor chain: the first
	// (deepest) match wins. Plain handlers are comparably anonymous (often
	// bare functions), so each registration runs once per matched type.
	seenSagas := make(map[SagaHandler]bool)
	for _, name := range d.registry.Resolution(logical.Type) {
		handlers, err := d.activator.Handlers(ctx, name, sctx.Tx)
		if err != nil {
			return err
		}
		for _, h := range handlers {
			if sh, ok := h.(SagaHandler); ok {
				if seenSagas[sh] {
					continue
				}
				seenSagas[sh] = true
				sagas = append(sagas, sagaInvocation{handler: sh, matchedType: name})
				continue
			}
			plain = append(plain, h)
		}
	}

	if len(plain) == 0 && len(sagas) == 0 {
		return fmt.Errorf("%w: %s", ErrNoHandlers, logical.Type)
	}

	for _, h := range plain {
		if err := h.Handle(hctx, logical.Body); err != nil {
			return err
		}
	}

	if len(sagas) > 0 {
		if d.sagas == nil {
			return fmt.Errorf("xsbus: saga handlers registered for %q but no saga storage configured", logical.Type)
		}
		return d.sagas.Process(hctx, sagas, logical.Body, mc)
	}
	return nil
}
