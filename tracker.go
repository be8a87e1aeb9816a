package xsbus

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
)

// errorDetailsCap bounds the error-details header written on dead-lettered
// messages.
const errorDetailsCap = 8192

// ErrorTracker records delivery failures per message id and decides when a
// message is poison. Entries are evicted on success, on dead-lettering, or by
// the periodic purge once they exceed the configured age.
type ErrorTracker struct {
	mu      sync.Mutex
	entries map[string]*trackedError

	maxAttempts int
	maxAge      time.Duration
	clock       xclock.Clock
}

type trackedError struct {
	firstSeen time.Time
	lastSeen  time.Time
	errs      []error
}

// NewErrorTracker builds a tracker with the poison threshold and entry age.
func NewErrorTracker(maxAttempts int, maxAge time.Duration, clock xclock.Clock) *ErrorTracker {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if clock == nil {
		clock = xclock.Default()
	}
	return &ErrorTracker{
		entries:     make(map[string]*trackedError),
		maxAttempts: maxAttempts,
		maxAge:      maxAge,
		clock:       clock,
	}
}

// Track records one failed delivery of the message.
func (t *ErrorTracker) Track(messageID string, err error) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[messageID]
	if !ok {
		e = &trackedError{firstSeen: now}
		t.entries[messageID] = e
	}
	e.lastSeen = now
	e.errs = append(e.errs, err)
}

// Failures returns how many failures are recorded for the message.
func (t *ErrorTracker) Failures(messageID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[messageID]; ok {
		return len(e.errs)
	}
	return 0
}

// IsPoison reports whether the message reached the poison threshold.
func (t *ErrorTracker) IsPoison(messageID string) bool {
	return t.Failures(messageID) >= t.maxAttempts
}

// Clear evicts the entry for the message, if any.
func (t *ErrorTracker) Clear(messageID string) {
	t.mu.Lock()
	delete(t.entries, messageID)
	t.mu.Unlock()
}

// ErrorDetails concatenates the recorded exceptions, capped in length, for
// the error-details header of a dead-lettered message.
func (t *ErrorTracker) ErrorDetails(messageID string) string {
	t.mu.Lock()
	e, ok := t.entries[messageID]
	if !ok {
		t.mu.Unlock()
		return ""
	}
	errs := make([]error, len(e.errs))
	copy(errs, e.errs)
	t.mu.Unlock()

	var b strings.Builder
	for i, err := range errs {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(fmt.Sprintf("attempt %d: %v", i+1, err))
		if b.Len() >= errorDetailsCap {
			break
		}
	}
	s := b.String()
	if len(s) > errorDetailsCap {
		s = s[:errorDetailsCap]
	}
	return s
}

// Purge removes entries whose last failure is older than the configured age
// and returns how many were evicted.
func (t *ErrorTracker) Purge() int {
	if t.maxAge <= 0 {
		return 0
	}
	cutoff := t.clock.Now().Add(-t.maxAge)
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, e := range t.entries {
		if e.lastSeen.Before(cutoff) {
			delete(t.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked messages.
func (t *ErrorTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
