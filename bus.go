package xsbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

var _ API = (*Bus)(nil)

// Bus is the central Facade: the send/publish/reply/subscribe/defer surface
// on top of a transport, a step pipeline, the worker pool and the saga,
// pub/sub and deferral subsystems.
type Bus struct {
	transport  Transport
	pipeline   *Pipeline
	invoker    *PipelineInvoker
	serializer Serializer
	registry   *TypeRegistry
	activator  HandlerActivator
	dispatcher *Dispatcher
	sagas      *SagaEngine
	tracker    *ErrorTracker
	timeouts   TimeoutManager
	subs       SubscriptionStorage
	router     Router

	opts   Options
	oneWay bool
	// nativeDeferral is set when the transport delivers deferred messages
	// itself; the timeout poller is not started then.
	nativeDeferral bool

	pool         *workerPool
	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer

	logger *xlog.Logger
	clock  xclock.Clock

	metrics busMetrics

	loopCancel context.CancelFunc
	loopWG     sync.WaitGroup

	started atomic.Bool
	closed  atomic.Bool
}

// busMetrics uses lock-free atomics for telemetry.
type busMetrics struct {
	received atomic.Uint64
	sent     atomic.Uint64
	acked    atomic.Uint64
	aborted  atomic.Uint64
	poison   atomic.Uint64
	deferred atomic.Uint64
}

// Metrics is the observable telemetry of the bus.
type Metrics struct {
	Received      uint64
	Sent          uint64
	Acked         uint64
	Aborted       uint64
	DeadLettered  uint64
	Deferred      uint64
	EventsDropped uint64
}

// Address returns the bus's own input queue address.
func (b *Bus) Address() string { return b.transport.Address() }

// Registry exposes the type registry for message registration.
func (b *Bus) Registry() *TypeRegistry { return b.registry }

// Pipeline exposes the step pipeline. The step chain is materialized in
// Build, so changes made to the pipeline afterwards are not picked up.
func (b *Bus) Pipeline() *Pipeline { return b.pipeline }

// ErrorTracker exposes the in-flight failure bookkeeping.
func (b *Bus) ErrorTracker() *ErrorTracker { return b.tracker }

// Start provisions the queues and brings up the receive loop, the timeout
// poller and the tracker purge task. A one-way client starts no receive
// loop and never calls Receive.
func (b *Bus) Start(ctx context.Context) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if b.started.Swap(true) {
		return nil
	}

	if !b.oneWay {
		if err := b.transport.CreateQueue(ctx, b.transport.Address()); err != nil {
			return fmt.Errorf("xsbus: create input queue: %w", err)
		}
	}
	if err := b.transport.CreateQueue(ctx, b.opts.ErrorQueueAddress); err != nil {
		return fmt.Errorf("xsbus: create error queue: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.loopCancel = cancel

	if !b.oneWay {
		b.pool.start(loopCtx, b.opts.NumWorkers)
		if b.timeouts != nil && !b.nativeDeferral {
			b.loopWG.Add(1)
			go b.timeoutPollLoop(loopCtx)
		}
	}
	b.loopWG.Add(1)
	go b.trackerPurgeLoop(loopCtx)

	b.logger.Info().
		Str("address", b.transport.Address()).
		Str("error_queue", b.opts.ErrorQueueAddress).
		Msg("xsbus: bus started")
	return nil
}

// Close gracefully shuts the bus down: the receive loop drains up to the
// configured deadline, the background tasks stop, the observer pool flushes
// and the transport is closed when it supports closing.
func (b *Bus) Close(ctx context.Context) error {
	if b.closed.Swap(true) {
		return nil
	}

	if b.started.Load() {
		b.pool.stop(b.opts.ShutdownDrainDeadline)
		if b.loopCancel != nil {
			b.loopCancel()
		}
		b.loopWG.Wait()
	}

	var closeErr error
	if b.observerPool != nil {
		if err := b.observerPool.Close(5 * time.Second); err != nil {
			b.logger.Warn().Err(err).Msg("xsbus: observer pool shutdown timeout")
			closeErr = err
		}
	}
	if closer, ok := b.transport.(interface{ Close(context.Context) error }); ok {
		if err := closer.Close(ctx); err != nil {
			b.logger.Error().Err(err).Msg("xsbus: transport close failed")
			closeErr = err
		}
	}
	b.logger.Info().Msg("xsbus: bus stopped")
	return closeErr
}

// SetWorkerCount adjusts the number of receive workers at runtime. A one-way
// client rejects any attempt to raise it.
func (b *Bus) SetWorkerCount(n int) error {
	if b.oneWay {
		return ErrOneWayClient
	}
	if n < 0 {
		return fmt.Errorf("xsbus: worker count must not be negative")
	}
	b.opts.NumWorkers = n
	if b.started.Load() {
		b.pool.setCount(n)
	}
	return nil
}

// WorkerCount returns the number of running workers.
func (b *Bus) WorkerCount() int {
	if b.pool == nil {
		return 0
	}
	return b.pool.count()
}

// Send routes msg by its type and delivers it point-to-point.
func (b *Bus) Send(ctx context.Context, msg any, meta map[string]string) error {
	name, err := b.typeName(msg)
	if err != nil {
		return err
	}
	dest, err := b.router.Destination(name)
	if err != nil {
		return err
	}
	return b.sendLogical(ctx, []string{dest}, name, msg, meta, IntentPointToPoint, nil)
}

// SendLocal delivers msg to the bus's own input queue.
func (b *Bus) SendLocal(ctx context.Context, msg any, meta map[string]string) error {
	if b.oneWay {
		return ErrOneWayClient
	}
	name, err := b.typeName(msg)
	if err != nil {
		return err
	}
	return b.sendLogical(ctx, []string{b.transport.Address()}, name, msg, meta, IntentPointToPoint, nil)
}

// Reply delivers msg to the return-address of the message currently being
// handled.
func (b *Bus) Reply(ctx context.Context, msg any, meta map[string]string) error {
	mc, ok := MessageContextFromContext(ctx)
	if !ok {
		return ErrNoMessageContext
	}
	dest, ok := mc.ReturnAddress()
	if !ok || dest == "" {
		return ErrNoReturnAddress
	}
	name, err := b.typeName(msg)
	if err != nil {
		return err
	}
	return b.sendLogical(ctx, []string{dest}, name, msg, meta, IntentPointToPoint, nil)
}

// Defer delivers msg to the bus's own input queue no earlier than delay from
// now. Transports with native future delivery carry the message themselves;
// otherwise it goes through the timeout manager.
func (b *Bus) Defer(ctx context.Context, delay time.Duration, msg any, meta map[string]string) error {
	if b.oneWay && b.opts.ExternalTimeoutManagerAddress == "" {
		return ErrOneWayClient
	}
	name, err := b.typeName(msg)
	if err != nil {
		return err
	}
	due := b.clock.Now().Add(delay)
	recipient := b.transport.Address()

	extra := NewHeaders()
	extra.SetTime(HeaderDeferredUntil, due)
	extra.Set(HeaderDeferredRecipient, recipient)

	dest := recipient
	if b.opts.ExternalTimeoutManagerAddress != "" {
		dest = b.opts.ExternalTimeoutManagerAddress
	}
	b.metrics.deferred.Add(1)
	if b.nativeDeferral {
		return b.sendLogical(ctx, []string{recipient}, name, msg, meta, IntentPointToPoint, extra)
	}
	return b.sendLogical(ctx, []string{dest}, name, msg, meta, IntentPointToPoint, extra)
}

// Publish delivers msg to every subscriber of its type's topic. Failures
// toward individual subscribers are logged; the publish fails only when all
// of them do.
func (b *Bus) Publish(ctx context.Context, msg any, meta map[string]string) error {
	name, err := b.typeName(msg)
	if err != nil {
		return err
	}
	subscribers, err := b.subs.Subscribers(ctx, name)
	if err != nil {
		return err
	}
	if len(subscribers) == 0 {
		b.logger.Debug().Str("topic", name).Msg("xsbus: publish with no subscribers")
		return nil
	}
	return b.sendLogical(ctx, subscribers, name, msg, meta, IntentPubSub, nil)
}

// Subscribe registers this bus as a subscriber of the topic derived from
// typeName. With centralized storage the registration is direct; otherwise a
// subscribe request is sent to the publisher that owns the type.
func (b *Bus) Subscribe(ctx context.Context, typeName string) error {
	if b.oneWay {
		return ErrOneWayClient
	}
	if !b.registry.Known(typeName) {
		return UnknownTypeError{Name: typeName}
	}
	own := b.transport.Address()
	if b.subs.IsCentralized() {
		return b.subs.Register(ctx, typeName, own)
	}
	owner, err := b.router.Destination(typeName)
	if err != nil {
		return err
	}
	req := &SubscribeRequest{Topic: typeName, SubscriberAddress: own}
	return b.sendLogical(ctx, []string{owner}, TypeSubscribeRequest, req, nil, IntentPointToPoint, nil)
}

// Unsubscribe removes this bus from the topic derived from typeName.
func (b *Bus) Unsubscribe(ctx context.Context, typeName string) error {
	if b.oneWay {
		return ErrOneWayClient
	}
	if !b.registry.Known(typeName) {
		return UnknownTypeError{Name: typeName}
	}
	own := b.transport.Address()
	if b.subs.IsCentralized() {
		return b.subs.Unregister(ctx, typeName, own)
	}
	owner, err := b.router.Destination(typeName)
	if err != nil {
		return err
	}
	req := &UnsubscribeRequest{Topic: typeName, SubscriberAddress: own}
	return b.sendLogical(ctx, []string{owner}, TypeUnsubscribeRequest, req, nil, IntentPointToPoint, nil)
}

// Metrics returns current bus telemetry.
func (b *Bus) Metrics() Metrics {
	m := Metrics{
		Received:     b.metrics.received.Load(),
		Sent:         b.metrics.sent.Load(),
		Acked:        b.metrics.acked.Load(),
		Aborted:      b.metrics.aborted.Load(),
		DeadLettered: b.metrics.poison.Load(),
		Deferred:     b.metrics.deferred.Load(),
	}
	if b.observerPool != nil {
		m.EventsDropped = b.observerPool.Stats().Dropped
	}
	return m
}

// AddObserver registers an observer (thread-safe).
func (b *Bus) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver removes an observer.
func (b *Bus) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()
	for i, o := range b.observers {
		if o == obs {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			break
		}
	}
}

// typeName resolves the registered logical name of msg.
func (b *Bus) typeName(msg any) (string, error) {
	name, ok := b.registry.NameFor(msg)
	if !ok {
		return "", fmt.Errorf("xsbus: message type %T is not registered", msg)
	}
	return name, nil
}

// sendLogical funnels every outgoing operation through the send pipeline,
// inside the ambient transaction context when one exists or a fresh implicit
// one otherwise.
func (b *Bus) sendLogical(ctx context.Context, destinations []string, typeName string, msg any, meta map[string]string, intent string, extra *Headers) error {
	if b.closed.Load() {
		return ErrBusClosed
	}

	headers := HeadersFrom(meta)
	headers.Set(HeaderIntent, intent)
	if extra != nil {
		extra.Each(func(k, v string) bool {
			headers.Set(k, v)
			return true
		})
	}

	logical := NewLogicalMessage(headers, typeName, msg)
	sctx := &OutgoingStepContext{Destinations: destinations, Logical: logical}

	if tx, ok := TransactionContextFromContext(ctx); ok {
		sctx.Tx = tx
		if err := b.invoker.Outgoing(ctx, sctx); err != nil {
			return err
		}
		b.metrics.sent.Add(uint64(len(destinations)))
		return nil
	}

	// No ambient unit of work: open an implicit one around this send.
	tx := NewTransactionContext(b.logger)
	defer tx.Dispose(ctx)
	sctx.Tx = tx
	if err := b.invoker.Outgoing(WithTransactionContext(ctx, tx), sctx); err != nil {
		if aerr := tx.Abort(ctx); aerr != nil {
			b.logger.Warn().Err(aerr).Msg("xsbus: abort of implicit send context failed")
		}
		return err
	}
	if err := tx.Complete(ctx); err != nil {
		return err
	}
	b.metrics.sent.Add(uint64(len(destinations)))
	return nil
}

// forwardTransportMessage re-sends an existing envelope unchanged through
// the tail of the outgoing pipeline (dead-letters, deferral forwards).
func (b *Bus) forwardTransportMessage(ctx context.Context, destinations []string, msg *TransportMessage, tx *TransactionContext) error {
	sctx := &OutgoingStepContext{
		Destinations:     destinations,
		Logical:          NewLogicalMessage(msg.Headers.Clone(), msg.Type(), nil),
		TransportMessage: msg,
		Tx:               tx,
	}
	return b.invoker.Outgoing(ctx, sctx)
}

// timeoutPollLoop periodically drains due envelopes from the timeout manager
// and re-sends them to their deferred recipient. The store delete is
// registered on the commit of the send's transaction context, so removal is
// atomic with the send.
func (b *Bus) timeoutPollLoop(ctx context.Context) {
	defer b.loopWG.Done()
	ticker := time.NewTicker(b.opts.TimeoutTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.dispatchDueMessages(ctx)
		}
	}
}

func (b *Bus) dispatchDueMessages(ctx context.Context) {
	due, err := b.timeouts.DueMessages(ctx, b.clock.Now())
	if err != nil {
		b.logger.Warn().Err(err).Msg("xsbus: reading due messages failed")
		return
	}
	for _, dm := range due {
		recipient, ok := dm.Headers().Get(HeaderDeferredRecipient)
		if !ok || recipient == "" {
			recipient, ok = dm.Headers().Get(HeaderReturnAddress)
		}
		if !ok || recipient == "" {
			b.logger.Error().Msg("xsbus: due message has no recipient, dropping")
			_ = dm.MarkProcessed(ctx)
			continue
		}

		tx := NewTransactionContext(b.logger)
		msg := NewTransportMessage(dm.Headers().Clone(), dm.Body())
		msg.Headers.Delete(HeaderDeferredRecipient)

		err := b.forwardTransportMessage(ctx, []string{recipient}, msg, tx)
		if err == nil {
			_ = tx.OnCommit(dm.MarkProcessed)
			err = tx.Complete(ctx)
		} else {
			_ = tx.Abort(ctx)
		}
		tx.Dispose(ctx)

		if err != nil {
			b.logger.Warn().Err(err).Str("recipient", recipient).Msg("xsbus: due message dispatch failed")
			continue
		}
		b.notify(Event{Type: EventDueDispatched, Destination: recipient, MessageID: msg.ID()})
	}
}

// trackerPurgeLoop evicts stale error-tracker entries.
func (b *Bus) trackerPurgeLoop(ctx context.Context) {
	defer b.loopWG.Done()
	interval := b.opts.TrackerMaxAge / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := b.tracker.Purge(); n > 0 {
				b.logger.Debug().Str("evicted", fmt.Sprint(n)).Msg("xsbus: purged stale error tracker entries")
			}
		}
	}
}

// notify dispatches an event to the observer pool and keeps the metric
// counters in step with the event stream.
func (b *Bus) notify(e Event) {
	switch e.Type {
	case EventReceiveStart:
		b.metrics.received.Add(1)
	case EventAck:
		b.metrics.acked.Add(1)
	case EventAbort:
		b.metrics.aborted.Add(1)
	case EventPoison:
		b.metrics.poison.Add(1)
	}

	if b.observerPool == nil {
		return
	}
	b.observersMu.RLock()
	if len(b.observers) == 0 {
		b.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.observersMu.RUnlock()
	b.observerPool.Notify(e, observers)
}
