package xsbus

import (
	"context"

	"github.com/cespare/xxhash/v2"
)

// ExclusiveLock is a keyed lock over a fixed number of buckets. Acquire
// blocks cooperatively and returns false only on cancellation. Callers that
// hold multiple buckets must acquire them in ascending order; the saga engine
// relies on that to stay deadlock-free.
type ExclusiveLock interface {
	Acquire(ctx context.Context, bucket int) bool
	Release(bucket int)
	Buckets() int
}

// LockBucket maps a lock id onto a bucket index.
func LockBucket(lockID string, buckets int) int {
	return int(xxhash.Sum64String(lockID) % uint64(buckets))
}

// semaphoreLock is the in-process ExclusiveLock: one single-slot semaphore
// per bucket.
type semaphoreLock struct {
	slots []chan struct{}
}

// NewSemaphoreLock builds an in-process lock with the given bucket count.
func NewSemaphoreLock(buckets int) ExclusiveLock {
	if buckets < 1 {
		buckets = 1
	}
	slots := make([]chan struct{}, buckets)
	for i := range slots {
		slots[i] = make(chan struct{}, 1)
	}
	return &semaphoreLock{slots: slots}
}

func (l *semaphoreLock) Acquire(ctx context.Context, bucket int) bool {
	select {
	case l.slots[bucket] <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (l *semaphoreLock) Release(bucket int) {
	select {
	case <-l.slots[bucket]:
	default:
		panic("xsbus: release of a lock bucket that is not held")
	}
}

func (l *semaphoreLock) Buckets() int { return len(l.slots) }
