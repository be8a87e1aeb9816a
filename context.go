package xsbus

import (
	"context"

	"github.com/trickstertwo/xlog"
)

// ctxKey is the base for all context keys in xsbus (prevents collisions).
type ctxKey string

const (
	txCtxKey      ctxKey = "xsbus:tx"
	messageCtxKey ctxKey = "xsbus:message"
	loggerCtxKey  ctxKey = "xsbus:logger"
)

// WithTransactionContext attaches the ambient transaction context. Sends
// issued with the returned context join that unit of work instead of opening
// an implicit one.
func WithTransactionContext(ctx context.Context, tx *TransactionContext) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, txCtxKey, tx)
}

// TransactionContextFromContext retrieves the ambient transaction context.
func TransactionContextFromContext(ctx context.Context) (*TransactionContext, bool) {
	if v := ctx.Value(txCtxKey); v != nil {
		if tx, ok := v.(*TransactionContext); ok && tx != nil {
			return tx, true
		}
	}
	return nil, false
}

// MessageContext describes the message currently being handled. It is set by
// the dispatch step for the duration of handler invocation.
type MessageContext struct {
	// Headers of the incoming transport message.
	Headers *Headers
	// Type is the logical type name of the message.
	Type string
	// Tx is the transaction context of the current unit of work.
	Tx *TransactionContext

	sagaComplete bool
}

// ReturnAddress returns the return-address header of the handled message.
func (m *MessageContext) ReturnAddress() (string, bool) {
	return m.Headers.Get(HeaderReturnAddress)
}

func withMessageContext(ctx context.Context, mc *MessageContext) context.Context {
	return context.WithValue(ctx, messageCtxKey, mc)
}

// MessageContextFromContext retrieves the message currently being handled,
// if the caller runs inside a handler invocation.
func MessageContextFromContext(ctx context.Context) (*MessageContext, bool) {
	if v := ctx.Value(messageCtxKey); v != nil {
		if mc, ok := v.(*MessageContext); ok && mc != nil {
			return mc, true
		}
	}
	return nil, false
}

// CompleteSaga marks the saga handled in the current invocation as complete;
// the engine deletes its data instead of updating it. A no-op outside of a
// saga handler.
func CompleteSaga(ctx context.Context) {
	if mc, ok := MessageContextFromContext(ctx); ok {
		mc.sagaComplete = true
	}
}

func injectLogger(ctx context.Context, l *xlog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, l)
}

// LoggerFromContext retrieves a logger previously injected into the context.
func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	if v := ctx.Value(loggerCtxKey); v != nil {
		if l, ok := v.(*xlog.Logger); ok && l != nil {
			return l, true
		}
	}
	return nil, false
}
