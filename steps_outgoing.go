package xsbus

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// StampHeadersStep fills in the headers every outgoing message carries:
// message-id, sent-time, return-address and the correlation chain. Headers
// already present are left untouched so callers can override any of them.
type StampHeadersStep struct {
	returnAddress string
	clock         xclock.Clock
}

// NewStampHeadersStep wires the stamping step. returnAddress is the bus's
// own input queue; empty for one-way clients.
func NewStampHeadersStep(returnAddress string, clock xclock.Clock) *StampHeadersStep {
	return &StampHeadersStep{returnAddress: returnAddress, clock: clock}
}

func (s *StampHeadersStep) ID() string { return StepStampHeaders }

func (s *StampHeadersStep) Process(ctx context.Context, sctx *OutgoingStepContext, next NextFunc) error {
	headers := sctx.Logical.Headers

	if !headers.Has(HeaderMessageID) {
		headers.Set(HeaderMessageID, uuid.NewString())
	}
	if !headers.Has(HeaderSentTime) {
		headers.SetTime(HeaderSentTime, s.clock.Now())
	}
	if s.returnAddress != "" && !headers.Has(HeaderReturnAddress) {
		headers.Set(HeaderReturnAddress, s.returnAddress)
	}
	if !headers.Has(HeaderIntent) {
		headers.Set(HeaderIntent, IntentPointToPoint)
	}

	// Correlation: continue the chain of the message being handled, or start
	// a fresh one at this message.
	if !headers.Has(HeaderCorrelationID) {
		if mc, ok := MessageContextFromContext(ctx); ok {
			id, _ := headers.Get(HeaderMessageID)
			corr := mc.Headers.GetOrDefault(HeaderCorrelationID, mc.Headers.GetOrDefault(HeaderMessageID, id))
			headers.Set(HeaderCorrelationID, corr)
			seq := 0
			if v, ok := mc.Headers.Get(HeaderCorrelationSequence); ok {
				if n, err := strconv.Atoi(v); err == nil {
					seq = n + 1
				}
			}
			headers.Set(HeaderCorrelationSequence, strconv.Itoa(seq))
		} else {
			id, _ := headers.Get(HeaderMessageID)
			headers.Set(HeaderCorrelationID, id)
			headers.Set(HeaderCorrelationSequence, "0")
		}
	}

	return next(ctx)
}

// SerializeStep collapses the logical message into a transport message. A
// preset transport message (dead-letter forwards, deferral forwards) passes
// through untouched.
type SerializeStep struct {
	serializer Serializer
}

// NewSerializeStep wires the serializer.
func NewSerializeStep(serializer Serializer) *SerializeStep {
	return &SerializeStep{serializer: serializer}
}

func (s *SerializeStep) ID() string { return StepSerialize }

func (s *SerializeStep) Process(ctx context.Context, sctx *OutgoingStepContext, next NextFunc) error {
	if sctx.TransportMessage == nil {
		msg, err := s.serializer.Serialize(sctx.Logical)
		if err != nil {
			return err
		}
		sctx.TransportMessage = msg
	}
	return next(ctx)
}

// SendStep hands the envelope to the transport, once per destination, inside
// the context's transaction. For multi-destination sends (publish) a failure
// toward one subscriber is logged and the send continues; only when every
// destination fails does the step fail.
type SendStep struct {
	transport Transport
	notify    func(Event)
	logger    *xlog.Logger
}

// NewSendStep wires the transport.
func NewSendStep(transport Transport, notify func(Event), logger *xlog.Logger) *SendStep {
	return &SendStep{transport: transport, notify: notify, logger: logger}
}

func (s *SendStep) ID() string { return StepSend }

func (s *SendStep) Process(ctx context.Context, sctx *OutgoingStepContext, next NextFunc) error {
	msg := sctx.TransportMessage

	// Native future delivery: hand deferred envelopes to the transport with
	// their due time instead of the timeout manager.
	if due, ok := msg.Headers.GetTime(HeaderDeferredUntil); ok {
		if dt, native := s.transport.(DeferredDeliveryTransport); native {
			stripped := msg.Clone()
			stripped.Headers.Delete(HeaderDeferredUntil)
			stripped.Headers.Delete(HeaderDeferredRecipient)
			for _, dest := range sctx.Destinations {
				if err := dt.SendDeferred(ctx, dest, due, stripped, sctx.Tx); err != nil {
					return err
				}
			}
			return next(ctx)
		}
	}

	var firstErr error
	failures := 0
	for _, dest := range sctx.Destinations {
		err := s.transport.Send(ctx, dest, msg, sctx.Tx)
		if err != nil {
			failures++
			if firstErr == nil {
				firstErr = err
			}
			s.logger.Warn().
				Str("destination", dest).
				Str("message_id", msg.ID()).
				Err(err).
				Msg("xsbus: send failed")
			continue
		}
		if s.notify != nil {
			s.notify(Event{
				Type:        EventSend,
				Destination: dest,
				MessageID:   msg.ID(),
				MessageType: msg.Type(),
			})
		}
	}
	if failures > 0 && failures == len(sctx.Destinations) {
		return firstErr
	}
	return next(ctx)
}
