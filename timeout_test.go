package xsbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryTimeoutManagerDueOnlyAfterDueTime(t *testing.T) {
	ctx := context.Background()
	tm := NewInMemoryTimeoutManager()
	now := time.Now()

	headers := NewHeaders()
	headers.Set(HeaderDeferredRecipient, "orders")
	require.NoError(t, tm.Defer(ctx, now.Add(time.Hour), headers, []byte("later")))
	require.NoError(t, tm.Defer(ctx, now.Add(-time.Second), headers, []byte("due")))

	due, err := tm.DueMessages(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, []byte("due"), due[0].Body())
	recipient, _ := due[0].Headers().Get(HeaderDeferredRecipient)
	assert.Equal(t, "orders", recipient)
}

func TestInMemoryTimeoutManagerLease(t *testing.T) {
	ctx := context.Background()
	tm := NewInMemoryTimeoutManager()
	now := time.Now()

	require.NoError(t, tm.Defer(ctx, now.Add(-time.Second), NewHeaders(), []byte("x")))

	due, err := tm.DueMessages(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)

	// Leased envelopes are not handed out again within the lease window.
	again, err := tm.DueMessages(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, again)

	// A never-processed envelope shows up once the lease expires.
	later, err := tm.DueMessages(ctx, now.Add(dueLease+time.Second))
	require.NoError(t, err)
	assert.Len(t, later, 1)
}

func TestInMemoryTimeoutManagerMarkProcessed(t *testing.T) {
	ctx := context.Background()
	tm := NewInMemoryTimeoutManager()
	now := time.Now()

	require.NoError(t, tm.Defer(ctx, now.Add(-time.Second), NewHeaders(), []byte("x")))
	due, err := tm.DueMessages(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, due[0].MarkProcessed(ctx))
	assert.Equal(t, 0, tm.Len())

	later, err := tm.DueMessages(ctx, now.Add(dueLease+time.Second))
	require.NoError(t, err)
	assert.Empty(t, later)
}
