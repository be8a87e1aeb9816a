package xsbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/trickstertwo/xlog"
)

// TxCallback runs during a transaction context phase transition.
type TxCallback func(ctx context.Context) error

// txState tracks the transaction context lifecycle:
// Fresh -> (Completing -> Completed) | Aborted; -> Disposed.
type txState int

const (
	txFresh txState = iota
	txCompleting
	txCompleted
	txAborted
	txDisposed
)

func (s txState) String() string {
	switch s {
	case txFresh:
		return "fresh"
	case txCompleting:
		return "completing"
	case txCompleted:
		return "completed"
	case txAborted:
		return "aborted"
	case txDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// TransactionContext is the unit of work around one received (or sent)
// message: a scoped item bag plus ordered callback lists for commit,
// completion, abort and dispose. It is owned by exactly one worker and is
// never shared across worker boundaries.
type TransactionContext struct {
	mu        sync.Mutex
	state     txState
	completed bool
	aborted   bool

	items map[string]any

	onCommit    []TxCallback
	onCompleted []TxCallback
	onAborted   []TxCallback
	onDisposed  []TxCallback

	logger *xlog.Logger
}

// NewTransactionContext returns a fresh context. The logger is used for
// dispose-phase errors, which are logged but never thrown.
func NewTransactionContext(logger *xlog.Logger) *TransactionContext {
	return &TransactionContext{
		items:  make(map[string]any),
		logger: logger,
	}
}

// Set stores an item in the context bag.
func (t *TransactionContext) Set(key string, value any) {
	t.mu.Lock()
	t.items[key] = value
	t.mu.Unlock()
}

// Get reads an item from the context bag.
func (t *TransactionContext) Get(key string) (any, bool) {
	t.mu.Lock()
	v, ok := t.items[key]
	t.mu.Unlock()
	return v, ok
}

// GetOrAdd memoizes a value within the context: the factory runs at most once
// per key even under concurrent callers.
func (t *TransactionContext) GetOrAdd(key string, factory func() any) any {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.items[key]; ok {
		return v
	}
	v := factory()
	t.items[key] = v
	return v
}

// OnCommit registers a callback to run when the context completes, before the
// completed callbacks. Registration fails once commit processing started.
func (t *TransactionContext) OnCommit(fn TxCallback) error {
	return t.register(&t.onCommit, fn, "commit", txFresh)
}

// OnCompleted registers a callback to run after a successful commit.
func (t *TransactionContext) OnCompleted(fn TxCallback) error {
	return t.register(&t.onCompleted, fn, "completed", txCompleting)
}

// OnAborted registers a callback to run when the context aborts.
func (t *TransactionContext) OnAborted(fn TxCallback) error {
	return t.register(&t.onAborted, fn, "aborted", txCompleting)
}

// OnDisposed registers a cleanup callback. Disposed callbacks run last, in
// reverse registration order, regardless of outcome.
func (t *TransactionContext) OnDisposed(fn TxCallback) error {
	return t.register(&t.onDisposed, fn, "disposed", txAborted)
}

// register appends fn while the state has not passed maxState.
func (t *TransactionContext) register(list *[]TxCallback, fn TxCallback, phase string, maxState txState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state > maxState {
		return IllegalStateError{Phase: phase, State: t.state.String()}
	}
	*list = append(*list, fn)
	return nil
}

// Complete transitions Fresh -> Completing, runs the commit callbacks in
// registration order, then transitions to Completed and runs the completed
// callbacks. Any commit error aborts the context instead and the first error
// is returned.
func (t *TransactionContext) Complete(ctx context.Context) error {
	t.mu.Lock()
	if t.state != txFresh {
		state := t.state
		t.mu.Unlock()
		return fmt.Errorf("xsbus: cannot complete transaction context in state %s", state)
	}
	t.state = txCompleting
	commit := t.snapshot(t.onCommit)
	t.mu.Unlock()

	if err := runCallbacks(ctx, commit); err != nil {
		t.mu.Lock()
		t.state = txAborted
		t.aborted = true
		aborted := t.snapshot(t.onAborted)
		t.mu.Unlock()
		if aerr := runCallbacks(ctx, aborted); aerr != nil && t.logger != nil {
			t.logger.Warn().Err(aerr).Msg("xsbus: abort callback failed during rollback")
		}
		return err
	}

	t.mu.Lock()
	t.state = txCompleted
	t.completed = true
	completed := t.snapshot(t.onCompleted)
	t.mu.Unlock()
	return runCallbacks(ctx, completed)
}

// Abort transitions to Aborted and runs the aborted callbacks in registration
// order. The first callback error is returned.
func (t *TransactionContext) Abort(ctx context.Context) error {
	t.mu.Lock()
	if t.state != txFresh {
		state := t.state
		t.mu.Unlock()
		return fmt.Errorf("xsbus: cannot abort transaction context in state %s", state)
	}
	t.state = txAborted
	t.aborted = true
	aborted := t.snapshot(t.onAborted)
	t.mu.Unlock()
	return runCallbacks(ctx, aborted)
}

// Dispose runs the disposed callbacks in reverse registration order. Errors
// are logged, never propagated. Dispose is idempotent and is the terminal
// state of every context.
func (t *TransactionContext) Dispose(ctx context.Context) {
	t.mu.Lock()
	if t.state == txDisposed {
		t.mu.Unlock()
		return
	}
	t.state = txDisposed
	disposed := t.snapshot(t.onDisposed)
	t.mu.Unlock()

	for i := len(disposed) - 1; i >= 0; i-- {
		if err := disposed[i](ctx); err != nil && t.logger != nil {
			t.logger.Warn().Err(err).Msg("xsbus: dispose callback failed")
		}
	}
}

// Completed reports whether the context ever reached the Completed state.
func (t *TransactionContext) Completed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed
}

// Aborted reports whether the context ever reached the Aborted state.
func (t *TransactionContext) Aborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborted
}

func (t *TransactionContext) snapshot(list []TxCallback) []TxCallback {
	out := make([]TxCallback, len(list))
	copy(out, list)
	return out
}

func runCallbacks(ctx context.Context, callbacks []TxCallback) error {
	for _, fn := range callbacks {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}
