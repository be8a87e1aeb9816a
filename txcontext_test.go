package xsbus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xlog"
)

func newTestTx() *TransactionContext {
	return NewTransactionContext(xlog.Default())
}

func TestTransactionContextCallbackOrdering(t *testing.T) {
	tx := newTestTx()
	ctx := context.Background()

	var order []string
	record := func(name string) TxCallback {
		return func(context.Context) error {
			order = append(order, name)
			return nil
		}
	}

	require.NoError(t, tx.OnCommit(record("commit-1")))
	require.NoError(t, tx.OnCommit(record("commit-2")))
	require.NoError(t, tx.OnCompleted(record("completed")))
	require.NoError(t, tx.OnDisposed(record("disposed-1")))
	require.NoError(t, tx.OnDisposed(record("disposed-2")))

	require.NoError(t, tx.Complete(ctx))
	tx.Dispose(ctx)

	// Commit callbacks run in registration order, completed after commit,
	// disposed last in reverse registration order.
	assert.Equal(t, []string{"commit-1", "commit-2", "completed", "disposed-2", "disposed-1"}, order)
	assert.True(t, tx.Completed())
	assert.False(t, tx.Aborted())
}

func TestTransactionContextCommitErrorAborts(t *testing.T) {
	tx := newTestTx()
	ctx := context.Background()

	boom := errors.New("boom")
	aborted := false
	secondCommit := false

	require.NoError(t, tx.OnCommit(func(context.Context) error { return boom }))
	require.NoError(t, tx.OnCommit(func(context.Context) error { secondCommit = true; return nil }))
	require.NoError(t, tx.OnAborted(func(context.Context) error { aborted = true; return nil }))

	err := tx.Complete(ctx)
	require.ErrorIs(t, err, boom)
	assert.False(t, secondCommit, "commit chain stops at the first error")
	assert.True(t, aborted)
	assert.True(t, tx.Aborted())
	assert.False(t, tx.Completed())
}

func TestTransactionContextAbort(t *testing.T) {
	tx := newTestTx()
	ctx := context.Background()

	var order []string
	require.NoError(t, tx.OnAborted(func(context.Context) error { order = append(order, "a1"); return nil }))
	require.NoError(t, tx.OnAborted(func(context.Context) error { order = append(order, "a2"); return nil }))

	require.NoError(t, tx.Abort(ctx))
	assert.Equal(t, []string{"a1", "a2"}, order)
	assert.True(t, tx.Aborted())

	// Exactly-once settlement: a second outcome is rejected.
	require.Error(t, tx.Complete(ctx))
	require.Error(t, tx.Abort(ctx))
}

func TestTransactionContextRegistrationAfterPhase(t *testing.T) {
	tx := newTestTx()
	ctx := context.Background()
	require.NoError(t, tx.Complete(ctx))

	var illegal IllegalStateError
	err := tx.OnCommit(func(context.Context) error { return nil })
	require.ErrorAs(t, err, &illegal)
	assert.Equal(t, "commit", illegal.Phase)

	require.Error(t, tx.OnCompleted(func(context.Context) error { return nil }))
	require.Error(t, tx.OnAborted(func(context.Context) error { return nil }))

	// Dispose callbacks may still be registered until disposal.
	require.NoError(t, tx.OnDisposed(func(context.Context) error { return nil }))
	tx.Dispose(ctx)
	require.Error(t, tx.OnDisposed(func(context.Context) error { return nil }))
}

func TestTransactionContextDisposeSwallowsErrors(t *testing.T) {
	tx := newTestTx()
	ctx := context.Background()

	ran := false
	// Dispose runs LIFO, so the failing callback registered last runs first.
	require.NoError(t, tx.OnDisposed(func(context.Context) error { ran = true; return nil }))
	require.NoError(t, tx.OnDisposed(func(context.Context) error { return errors.New("cleanup failed") }))

	require.NoError(t, tx.Complete(ctx))
	tx.Dispose(ctx)
	assert.True(t, ran, "later dispose callbacks run despite earlier errors")

	// Idempotent.
	tx.Dispose(ctx)
}

func TestTransactionContextGetOrAdd(t *testing.T) {
	tx := newTestTx()

	calls := 0
	factory := func() any {
		calls++
		return "value"
	}

	v1 := tx.GetOrAdd("key", factory)
	v2 := tx.GetOrAdd("key", factory)
	assert.Equal(t, "value", v1)
	assert.Equal(t, "value", v2)
	assert.Equal(t, 1, calls)

	tx.Set("other", 42)
	got, ok := tx.Get("other")
	require.True(t, ok)
	assert.Equal(t, 42, got)
}
