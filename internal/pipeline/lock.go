package pipeline

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// bufferLock is a mutex whose acquisition gives up after a timeout.
type bufferLock struct {
	sem *semaphore.Weighted
}

func newBufferLock() *bufferLock {
	return &bufferLock{sem: semaphore.NewWeighted(1)}
}

// acquire reports whether the lock was taken within timeout.
func (l *bufferLock) acquire(timeout time.Duration) bool {
	if l.sem.TryAcquire(1) {
		return true
	}
	if timeout <= 0 {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return l.sem.Acquire(ctx, 1) == nil
}

func (l *bufferLock) release() {
	l.sem.Release(1)
}

// wait blocks until the lock is taken. Only teardown uses it.
func (l *bufferLock) wait() {
	_ = l.sem.Acquire(context.Background(), 1)
}
