package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sony/gobreaker"
)

// WritePolicy controls retries and the outage breaker for import writes.
type WritePolicy struct {
	MaxAttempts int           // Tries per row for transient failures
	RetryMin    time.Duration // First backoff delay
	RetryMax    time.Duration // Backoff cap
	TripAfter   int           // Consecutive transient failures that mark the store unreachable
}

// DefaultWritePolicy returns the policy used when none is configured.
func DefaultWritePolicy() WritePolicy {
	return WritePolicy{
		MaxAttempts: 3,
		RetryMin:    100 * time.Millisecond,
		RetryMax:    2 * time.Second,
		TripAfter:   5,
	}
}

func (p WritePolicy) withDefaults() WritePolicy {
	d := DefaultWritePolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.RetryMin <= 0 {
		p.RetryMin = d.RetryMin
	}
	if p.RetryMax < p.RetryMin {
		p.RetryMax = p.RetryMin
	}
	if p.TripAfter <= 0 {
		p.TripAfter = d.TripAfter
	}
	return p
}

// resilientWriter retries transient write failures with backoff and counts
// them in a circuit breaker. Constraint and permission failures pass through
// untouched and do not count against the breaker. Once the breaker opens,
// every write fails with ErrStoreUnavailable.
type resilientWriter struct {
	next    EntityWriter
	policy  WritePolicy
	breaker *gobreaker.CircuitBreaker
	lastErr error
}

// newResilientWriter builds a writer for a single import run.
func newResilientWriter(next EntityWriter, policy WritePolicy, name string) *resilientWriter {
	policy = policy.withDefaults()
	trip := uint32(policy.TripAfter)
	return &resilientWriter{
		next:   next,
		policy: policy,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			// The breaker lives for one run; once open it stays open.
			Timeout: 24 * time.Hour,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= trip
			},
			IsSuccessful: func(err error) bool {
				return err == nil || !IsTransient(err)
			},
		}),
	}
}

// Write applies rec, retrying transient failures.
func (w *resilientWriter) Write(ctx context.Context, def EntityDefinition, rec Record) error {
	b := &backoff.Backoff{
		Min:    w.policy.RetryMin,
		Max:    w.policy.RetryMax,
		Factor: 2,
		Jitter: true,
	}

	for attempt := 1; ; attempt++ {
		_, err := w.breaker.Execute(func() (any, error) {
			return nil, w.next.Write(ctx, def, rec)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, w.lastErr)
		}
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		w.lastErr = err
		if attempt >= w.policy.MaxAttempts {
			return err
		}

		timer := time.NewTimer(b.Duration())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
