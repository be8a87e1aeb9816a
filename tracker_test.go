package xsbus

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorTrackerPoisonThreshold(t *testing.T) {
	tr := NewErrorTracker(3, time.Minute, nil)

	tr.Track("m1", errors.New("one"))
	assert.False(t, tr.IsPoison("m1"))
	tr.Track("m1", errors.New("two"))
	assert.False(t, tr.IsPoison("m1"))
	tr.Track("m1", errors.New("three"))
	assert.True(t, tr.IsPoison("m1"))
	assert.Equal(t, 3, tr.Failures("m1"))

	// Other messages are unaffected.
	assert.False(t, tr.IsPoison("m2"))
}

func TestErrorTrackerClear(t *testing.T) {
	tr := NewErrorTracker(2, time.Minute, nil)
	tr.Track("m1", errors.New("boom"))
	tr.Clear("m1")
	assert.Equal(t, 0, tr.Failures("m1"))
	assert.Equal(t, 0, tr.Len())
}

func TestErrorTrackerDetails(t *testing.T) {
	tr := NewErrorTracker(5, time.Minute, nil)
	tr.Track("m1", errors.New("first failure"))
	tr.Track("m1", errors.New("second failure"))

	details := tr.ErrorDetails("m1")
	assert.Contains(t, details, "attempt 1: first failure")
	assert.Contains(t, details, "attempt 2: second failure")
	assert.Equal(t, "", tr.ErrorDetails("unknown"))
}

func TestErrorTrackerDetailsAreCapped(t *testing.T) {
	tr := NewErrorTracker(1000, time.Minute, nil)
	for i := 0; i < 500; i++ {
		tr.Track("m1", fmt.Errorf("failure %04d with a reasonably long description attached", i))
	}
	assert.LessOrEqual(t, len(tr.ErrorDetails("m1")), errorDetailsCap)
}

func TestErrorTrackerPurge(t *testing.T) {
	tr := NewErrorTracker(5, 10*time.Millisecond, nil)
	tr.Track("stale", errors.New("old"))
	time.Sleep(30 * time.Millisecond)
	tr.Track("fresh", errors.New("new"))

	removed := tr.Purge()
	require.Equal(t, 1, removed)
	assert.Equal(t, 0, tr.Failures("stale"))
	assert.Equal(t, 1, tr.Failures("fresh"))
}
