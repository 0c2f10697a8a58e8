package core

// limiter.go caps how many jobs run at once.
//
// The limiter is a semaphore. A dispatched job blocks in Acquire while all
// slots are taken and stays pending until a running job releases its slot.
// When a wait limit is configured, Acquire gives up with ErrTooManyJobs.

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTooManyJobs is returned when no job slot frees up within the wait limit.
var ErrTooManyJobs = errors.New("too many concurrent jobs, please try again later")

// DefaultMaxConcurrentJobs is the default limit for running jobs.
const DefaultMaxConcurrentJobs = 4

// JobLimiter controls how many jobs are in the running state.
type JobLimiter struct {
	semaphore chan struct{}
	maxWait   time.Duration // Zero waits until ctx is done

	mu     sync.RWMutex
	active int
}

// NewJobLimiter creates a limiter that allows at most maxConcurrent running
// jobs. A positive maxWait bounds how long Acquire blocks.
func NewJobLimiter(maxConcurrent int, maxWait time.Duration) *JobLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentJobs
	}
	if maxWait < 0 {
		maxWait = 0
	}

	return &JobLimiter{
		semaphore: make(chan struct{}, maxConcurrent),
		maxWait:   maxWait,
	}
}

// Acquire takes a job slot, blocking while none is free.
// The caller MUST call Release when the job finishes.
func (l *JobLimiter) Acquire(ctx context.Context) error {
	waitCtx := ctx
	if l.maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.maxWait)
		defer cancel()
	}

	select {
	case l.semaphore <- struct{}{}:
		l.mu.Lock()
		l.active++
		l.mu.Unlock()
		return nil

	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrTooManyJobs
	}
}

// Release frees a slot taken by Acquire.
func (l *JobLimiter) Release() {
	l.mu.Lock()
	l.active--
	l.mu.Unlock()

	<-l.semaphore
}

// ActiveCount returns the number of running jobs.
func (l *JobLimiter) ActiveCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

// MaxConcurrent returns the slot count.
func (l *JobLimiter) MaxConcurrent() int {
	return cap(l.semaphore)
}

// Available returns the number of free slots.
func (l *JobLimiter) Available() int {
	return cap(l.semaphore) - len(l.semaphore)
}

// JobLimiterStatus is a snapshot of the limiter for health output.
type JobLimiterStatus struct {
	Active        int `json:"active"`
	Available     int `json:"available"`
	MaxConcurrent int `json:"maxConcurrent"`
}

// Status returns the current limiter state.
func (l *JobLimiter) Status() JobLimiterStatus {
	l.mu.RLock()
	active := l.active
	l.mu.RUnlock()

	return JobLimiterStatus{
		Active:        active,
		Available:     l.Available(),
		MaxConcurrent: cap(l.semaphore),
	}
}
