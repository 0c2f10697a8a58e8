package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

func breakerOpen(w *resilientWriter) bool {
	return w.breaker.State() == gobreaker.StateOpen
}

// scriptedWriter returns errors from a script, then succeeds.
type scriptedWriter struct {
	mu     sync.Mutex
	script []error
	calls  int
}

func (w *scriptedWriter) Write(_ context.Context, _ EntityDefinition, _ Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if len(w.script) == 0 {
		return nil
	}
	err := w.script[0]
	w.script = w.script[1:]
	return err
}

// alwaysWriter fails every write with err.
type alwaysWriter struct {
	err   error
	calls int
}

func (w *alwaysWriter) Write(_ context.Context, _ EntityDefinition, _ Record) error {
	w.calls++
	return w.err
}

var (
	errTransient  = NewStorageError(StorageTransient, errors.New("connection refused"))
	errConstraint = NewStorageError(StorageConstraint, errors.New("duplicate key value violates unique constraint"))
)

func fastPolicy(attempts, tripAfter int) WritePolicy {
	return WritePolicy{
		MaxAttempts: attempts,
		RetryMin:    time.Millisecond,
		RetryMax:    2 * time.Millisecond,
		TripAfter:   tripAfter,
	}
}

func TestResilientWriter_RetriesTransient(t *testing.T) {
	next := &scriptedWriter{script: []error{errTransient, errTransient}}
	w := newResilientWriter(next, fastPolicy(3, 10), "test")

	if err := w.Write(context.Background(), bookDefinition(), Record{}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if next.calls != 3 {
		t.Errorf("calls = %d, want 3", next.calls)
	}
}

func TestResilientWriter_GivesUpAfterMaxAttempts(t *testing.T) {
	next := &alwaysWriter{err: errTransient}
	w := newResilientWriter(next, fastPolicy(2, 10), "test")

	err := w.Write(context.Background(), bookDefinition(), Record{})
	if !IsTransient(err) || errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("err = %v, want the transient error", err)
	}
	if next.calls != 2 {
		t.Errorf("calls = %d, want 2", next.calls)
	}
}

func TestResilientWriter_NonTransientNotRetried(t *testing.T) {
	for _, err := range []error{errConstraint, NewStorageError(StoragePermission, errors.New("permission denied"))} {
		next := &alwaysWriter{err: err}
		w := newResilientWriter(next, fastPolicy(3, 2), "test")

		for i := 0; i < 5; i++ {
			if got := w.Write(context.Background(), bookDefinition(), Record{}); !errors.Is(got, err) {
				t.Fatalf("write %d = %v, want %v", i, got, err)
			}
		}
		if next.calls != 5 {
			t.Errorf("%v: calls = %d, want 5 (one per write)", err, next.calls)
		}
		if breakerOpen(w) {
			t.Errorf("%v: row-level failures must not open the breaker", err)
		}
	}
}

func TestResilientWriter_TripsOnOutage(t *testing.T) {
	next := &alwaysWriter{err: errTransient}
	w := newResilientWriter(next, fastPolicy(2, 3), "test")
	ctx := context.Background()

	// Two attempts for the first write, then the third failure trips the
	// breaker during the second write.
	if err := w.Write(ctx, bookDefinition(), Record{}); errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("first write tripped too early: %v", err)
	}
	err := w.Write(ctx, bookDefinition(), Record{})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("second write = %v, want ErrStoreUnavailable", err)
	}
	if !breakerOpen(w) {
		t.Error("breaker should be open")
	}

	calls := next.calls
	if err := w.Write(ctx, bookDefinition(), Record{}); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("write after trip = %v, want ErrStoreUnavailable", err)
	}
	if next.calls != calls {
		t.Error("open breaker should not reach the store")
	}
}

func TestResilientWriter_SuccessResetsFailureRun(t *testing.T) {
	next := &scriptedWriter{script: []error{errTransient, nil, errTransient, nil, errTransient, nil}}
	w := newResilientWriter(next, fastPolicy(2, 2), "test")

	for i := 0; i < 3; i++ {
		if err := w.Write(context.Background(), bookDefinition(), Record{}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if breakerOpen(w) {
		t.Error("isolated transient failures should not open the breaker")
	}
}

func TestResilientWriter_ContextCancelledDuringBackoff(t *testing.T) {
	next := &alwaysWriter{err: errTransient}
	w := newResilientWriter(next, WritePolicy{MaxAttempts: 5, RetryMin: time.Second, RetryMax: time.Second, TripAfter: 10}, "test")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := w.Write(ctx, bookDefinition(), Record{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("backoff ignored context cancellation")
	}
}
