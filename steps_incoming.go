package xsbus

import (
	"context"
	"fmt"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Step IDs of the stock pipeline. Custom steps anchor on these.
const (
	StepRetry          = "retry"
	StepDiscardExpired = "discard-expired"
	StepDeferMessages  = "defer-messages"
	StepHandleDeferred = "handle-deferred"
	StepDeserialize    = "deserialize"
	StepDispatch       = "dispatch"

	StepStampHeaders = "stamp-headers"
	StepSerialize    = "serialize"
	StepSend         = "send"
)

// forwardFunc sends an already-serialized envelope through the outgoing
// pipeline within the given transaction context.
type forwardFunc func(ctx context.Context, destinations []string, msg *TransportMessage, tx *TransactionContext) error

// RetryStep is always first in the incoming pipeline. It records downstream
// failures in the error tracker and dead-letters the message once it turns
// poison: the envelope is enriched with error-details, forwarded to the
// error queue, and the original delivery is acknowledged.
type RetryStep struct {
	tracker    *ErrorTracker
	errorQueue string
	inputQueue string
	forward    forwardFunc
	notify     func(Event)
	logger     *xlog.Logger
}

// NewRetryStep wires the retry step. inputQueue is stamped as the
// source-queue of dead-lettered messages.
func NewRetryStep(tracker *ErrorTracker, errorQueue, inputQueue string, forward forwardFunc, notify func(Event), logger *xlog.Logger) *RetryStep {
	return &RetryStep{
		tracker:    tracker,
		errorQueue: errorQueue,
		inputQueue: inputQueue,
		forward:    forward,
		notify:     notify,
		logger:     logger,
	}
}

func (s *RetryStep) ID() string { return StepRetry }

func (s *RetryStep) Process(ctx context.Context, sctx *IncomingStepContext, next NextFunc) error {
	msg := sctx.TransportMessage
	id, ok := msg.Headers.Get(HeaderMessageID)
	if !ok || id == "" {
		// Without a message id there is nothing to count retries against;
		// the message is irredeemable and goes to the error queue at once.
		s.logger.Error().Msg("xsbus: received message without message-id, dead-lettering")
		return s.deadLetter(ctx, sctx, "message has no message-id header")
	}

	err := next(ctx)
	if err == nil {
		s.tracker.Clear(id)
		return nil
	}

	s.tracker.Track(id, err)
	if !s.tracker.IsPoison(id) {
		// Propagate so the worker aborts the context and the transport
		// returns the message for another delivery attempt.
		return err
	}

	details := s.tracker.ErrorDetails(id)
	s.logger.Error().
		Str("message_id", id).
		Str("queue", s.errorQueue).
		Err(err).
		Msg("xsbus: message failed too many times, dead-lettering")
	if dlErr := s.deadLetter(ctx, sctx, details); dlErr != nil {
		return fmt.Errorf("xsbus: dead-letter %q: %w", id, dlErr)
	}
	s.tracker.Clear(id)
	return nil
}

func (s *RetryStep) deadLetter(ctx context.Context, sctx *IncomingStepContext, details string) error {
	poison := sctx.TransportMessage.Clone()
	poison.Headers.Set(HeaderErrorDetails, details)
	if s.inputQueue != "" && !poison.Headers.Has(HeaderSourceQueue) {
		poison.Headers.Set(HeaderSourceQueue, s.inputQueue)
	}
	if err := s.forward(ctx, []string{s.errorQueue}, poison, sctx.Tx); err != nil {
		return err
	}
	if s.notify != nil {
		s.notify(Event{
			Type:        EventPoison,
			Queue:       s.errorQueue,
			MessageID:   poison.ID(),
			MessageType: poison.Type(),
		})
	}
	return nil
}

// DiscardExpiredStep drops messages whose time-to-be-received elapsed before
// delivery. The drop is an acknowledged consume, not an error.
type DiscardExpiredStep struct {
	clock  xclock.Clock
	notify func(Event)
	logger *xlog.Logger
}

// NewDiscardExpiredStep wires the expiry check.
func NewDiscardExpiredStep(clock xclock.Clock, notify func(Event), logger *xlog.Logger) *DiscardExpiredStep {
	return &DiscardExpiredStep{clock: clock, notify: notify, logger: logger}
}

func (s *DiscardExpiredStep) ID() string { return StepDiscardExpired }

func (s *DiscardExpiredStep) Process(ctx context.Context, sctx *IncomingStepContext, next NextFunc) error {
	headers := sctx.TransportMessage.Headers
	ttr, ok := headers.GetDuration(HeaderTimeToBeReceived)
	if !ok {
		return next(ctx)
	}
	sent, ok := headers.GetTime(HeaderSentTime)
	if !ok {
		return next(ctx)
	}
	if s.clock.Now().Before(sent.Add(ttr)) {
		return next(ctx)
	}
	s.logger.Warn().
		Str("message_id", sctx.TransportMessage.ID()).
		Dur("time_to_be_received", ttr).
		Msg("xsbus: message expired before delivery, discarding")
	if s.notify != nil {
		s.notify(Event{Type: EventExpired, MessageID: sctx.TransportMessage.ID()})
	}
	return nil
}

// DeferredMessagesStep forwards deferred envelopes to an external timeout
// manager endpoint when one is configured; local deferral is handled by
// HandleDeferredMessagesStep. Removed at configuration time for transports
// with native future delivery.
type DeferredMessagesStep struct {
	externalAddress string
	forward         forwardFunc
	notify          func(Event)
}

// NewDeferredMessagesStep wires the forwarding step.
func NewDeferredMessagesStep(externalAddress string, forward forwardFunc, notify func(Event)) *DeferredMessagesStep {
	return &DeferredMessagesStep{externalAddress: externalAddress, forward: forward, notify: notify}
}

func (s *DeferredMessagesStep) ID() string { return StepDeferMessages }

func (s *DeferredMessagesStep) Process(ctx context.Context, sctx *IncomingStepContext, next NextFunc) error {
	headers := sctx.TransportMessage.Headers
	if !headers.Has(HeaderDeferredUntil) || s.externalAddress == "" {
		return next(ctx)
	}
	msg := sctx.TransportMessage.Clone()
	if !msg.Headers.Has(HeaderDeferredRecipient) {
		if ret, ok := msg.Headers.Get(HeaderReturnAddress); ok {
			msg.Headers.Set(HeaderDeferredRecipient, ret)
		}
	}
	if err := s.forward(ctx, []string{s.externalAddress}, msg, sctx.Tx); err != nil {
		return err
	}
	if s.notify != nil {
		s.notify(Event{Type: EventDeferred, Destination: s.externalAddress, MessageID: msg.ID()})
	}
	return nil
}

// HandleDeferredMessagesStep stores deferred envelopes in the timeout
// manager; the bus's timeout poller returns them to their recipient when
// due. Removed at configuration time for transports with native future
// delivery.
type HandleDeferredMessagesStep struct {
	timeouts TimeoutManager
	notify   func(Event)
}

// NewHandleDeferredMessagesStep wires the storing step.
func NewHandleDeferredMessagesStep(timeouts TimeoutManager, notify func(Event)) *HandleDeferredMessagesStep {
	return &HandleDeferredMessagesStep{timeouts: timeouts, notify: notify}
}

func (s *HandleDeferredMessagesStep) ID() string { return StepHandleDeferred }

func (s *HandleDeferredMessagesStep) Process(ctx context.Context, sctx *IncomingStepContext, next NextFunc) error {
	headers := sctx.TransportMessage.Headers
	due, ok := headers.GetTime(HeaderDeferredUntil)
	if !ok {
		return next(ctx)
	}
	stored := headers.Clone()
	stored.Delete(HeaderDeferredUntil)
	if !stored.Has(HeaderDeferredRecipient) {
		if ret, ok := stored.Get(HeaderReturnAddress); ok {
			stored.Set(HeaderDeferredRecipient, ret)
		}
	}
	if err := s.timeouts.Defer(ctx, due, stored, sctx.TransportMessage.Body); err != nil {
		return err
	}
	if s.notify != nil {
		s.notify(Event{Type: EventDeferred, MessageID: sctx.TransportMessage.ID()})
	}
	return nil
}

// DeserializeStep decodes the transport message into a logical message.
type DeserializeStep struct {
	serializer Serializer
}

// NewDeserializeStep wires the serializer.
func NewDeserializeStep(serializer Serializer) *DeserializeStep {
	return &DeserializeStep{serializer: serializer}
}

func (s *DeserializeStep) ID() string { return StepDeserialize }

func (s *DeserializeStep) Process(ctx context.Context, sctx *IncomingStepContext, next NextFunc) error {
	logical, err := s.serializer.Deserialize(sctx.TransportMessage)
	if err != nil {
		return err
	}
	sctx.Logical = logical
	return next(ctx)
}

// DispatchStep hands the logical message to the dispatcher.
type DispatchStep struct {
	dispatcher *Dispatcher
}

// NewDispatchStep wires the dispatcher.
func NewDispatchStep(dispatcher *Dispatcher) *DispatchStep {
	return &DispatchStep{dispatcher: dispatcher}
}

func (s *DispatchStep) ID() string { return StepDispatch }

func (s *DispatchStep) Process(ctx context.Context, sctx *IncomingStepContext, next NextFunc) error {
	if sctx.Logical == nil {
		return fmt.Errorf("xsbus: dispatch step reached without a deserialized message")
	}
	if err := s.dispatcher.Dispatch(ctx, sctx); err != nil {
		return err
	}
	return next(ctx)
}
