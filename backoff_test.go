package xsbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultBackoffIdleWait(t *testing.T) {
	b := NewDefaultBackoff(20*time.Millisecond, 10*time.Millisecond, 100*time.Millisecond)

	start := time.Now()
	require.NoError(t, b.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestDefaultBackoffErrorWaitGrows(t *testing.T) {
	b := NewDefaultBackoff(time.Millisecond, 10*time.Millisecond, 500*time.Millisecond)

	first := timeWait(t, b.WaitError)
	_ = timeWait(t, b.WaitError)
	third := timeWait(t, b.WaitError)
	assert.Greater(t, third, first)

	// Reset drops back to the base delay.
	b.Reset()
	again := timeWait(t, b.WaitError)
	assert.Less(t, again, third)
}

func TestDefaultBackoffCancellable(t *testing.T) {
	b := NewDefaultBackoff(time.Minute, time.Minute, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := b.Wait(ctx)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func timeWait(t *testing.T, wait func(context.Context) error) time.Duration {
	t.Helper()
	start := time.Now()
	require.NoError(t, wait(context.Background()))
	return time.Since(start)
}
