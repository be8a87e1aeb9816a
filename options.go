package xsbus

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Options is the recognized configuration set of the bus core.
type Options struct {
	// NumWorkers is the worker count; 0 configures a one-way client with no
	// receive loop.
	NumWorkers int
	// MaxParallelism bounds in-flight pipeline invocations per worker.
	MaxParallelism int
	// MaxDeliveryAttempts is the error-tracker poison threshold.
	MaxDeliveryAttempts int
	// ErrorQueueAddress is the dead-letter destination.
	ErrorQueueAddress string
	// MaxLockBuckets stripes the saga exclusive-access lock.
	MaxLockBuckets int
	// TimeoutTickInterval is the timeout manager poll cadence.
	TimeoutTickInterval time.Duration
	// ShutdownDrainDeadline caps the wait for in-flight messages at Stop.
	ShutdownDrainDeadline time.Duration
	// TrackerMaxAge is the age after which stale error-tracker entries are
	// purged.
	TrackerMaxAge time.Duration
	// ExternalTimeoutManagerAddress, when set, routes deferred messages to a
	// dedicated timeout manager endpoint instead of the local store.
	ExternalTimeoutManagerAddress string
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		NumWorkers:            1,
		MaxParallelism:        1,
		MaxDeliveryAttempts:   5,
		ErrorQueueAddress:     "error",
		MaxLockBuckets:        1024,
		TimeoutTickInterval:   time.Second,
		ShutdownDrainDeadline: 30 * time.Second,
		TrackerMaxAge:         10 * time.Minute,
	}
}

// Validate checks the option set before the bus is assembled.
func (o Options) Validate() error {
	return validation.ValidateStruct(&o,
		validation.Field(&o.NumWorkers, validation.Min(0)),
		validation.Field(&o.MaxParallelism, validation.Min(1)),
		validation.Field(&o.MaxDeliveryAttempts, validation.Min(1)),
		validation.Field(&o.ErrorQueueAddress, validation.Required),
		validation.Field(&o.MaxLockBuckets, validation.Min(1)),
		validation.Field(&o.TimeoutTickInterval, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&o.ShutdownDrainDeadline, validation.Min(time.Duration(0))),
	)
}
