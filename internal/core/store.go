package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// JobStore is the durable home of job records. It is the only writer of job
// status and counters; workers reach it through a JobHandle.
//
// Reads return copies. Save replaces a job's snapshot and appends its new row
// errors in one step, so readers never observe counters without the errors
// that produced them.
type JobStore interface {
	// Create inserts a new job.
	Create(ctx context.Context, job *Job) error

	// Get returns a job with its first row errors and RemainingErrors set.
	Get(ctx context.Context, id string) (*Job, error)

	// List returns jobs matching filter, newest first, without row errors.
	List(ctx context.Context, filter JobFilter) ([]*Job, error)

	// Save replaces the stored snapshot with job and appends newErrors.
	// It returns ErrJobFinalized when the stored job is terminal, and an
	// error when the new snapshot breaks a counter invariant.
	Save(ctx context.Context, job *Job, newErrors []RowError) error

	// Errors pages through all row errors of a job in row order.
	Errors(ctx context.Context, id string, offset, limit int) ([]RowError, error)

	// ListExpired returns completed exports whose artifact expired at or
	// before now and has not been swept yet.
	ListExpired(ctx context.Context, now time.Time) ([]*Job, error)

	// MarkArtifactExpired records that a job's artifact was deleted. It is
	// the one change allowed on a terminal job.
	MarkArtifactExpired(ctx context.Context, id string) error
}

// ValidateSave checks a replacement snapshot against the stored one. Every
// JobStore implementation runs it before accepting a Save.
// storedErrors is the number of row errors already persisted.
func ValidateSave(prev, next *Job, storedErrors, newErrors int) error {
	if prev.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobFinalized, prev.ID, prev.Status)
	}
	if !prev.Status.CanTransition(next.Status) {
		return fmt.Errorf("job %s: invalid transition %s -> %s", prev.ID, prev.Status, next.Status)
	}
	if next.Kind != prev.Kind || next.EntityType != prev.EntityType {
		return fmt.Errorf("job %s: identity fields are immutable", prev.ID)
	}
	if next.ProcessedRows < prev.ProcessedRows {
		return fmt.Errorf("job %s: processed rows went backwards (%d -> %d)",
			prev.ID, prev.ProcessedRows, next.ProcessedRows)
	}
	if err := next.checkCounters(); err != nil {
		return err
	}
	if next.Kind == KindImport && storedErrors+newErrors != next.FailedRows {
		return fmt.Errorf("job %s: %d row errors recorded for %d failed rows",
			prev.ID, storedErrors+newErrors, next.FailedRows)
	}
	return nil
}

// clipErrors returns the first n errors of all and how many were left out.
func clipErrors(all []RowError, n int) ([]RowError, int) {
	if n < 0 {
		n = 0
	}
	if len(all) <= n {
		return all, 0
	}
	return all[:n], len(all) - n
}

// =============================================================================
// In-memory store
// =============================================================================

type memoryJob struct {
	job    *Job
	errors []RowError
}

// MemoryJobStore keeps jobs in process memory. Each save swaps in a fresh
// snapshot under the lock, so concurrent readers see either the old or the
// new state of a job, never a mix.
type MemoryJobStore struct {
	mu      sync.RWMutex
	jobs    map[string]*memoryJob
	preview int
}

// NewMemoryJobStore creates a store that surfaces the first preview row
// errors on Get.
func NewMemoryJobStore(preview int) *MemoryJobStore {
	return &MemoryJobStore{
		jobs:    make(map[string]*memoryJob),
		preview: preview,
	}
}

func (s *MemoryJobStore) Create(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if err := job.checkCounters(); err != nil {
		return err
	}
	stored := job.Clone()
	stored.Errors = nil
	stored.RemainingErrors = 0
	s.jobs[job.ID] = &memoryJob{job: stored}
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mj, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	out := mj.job.Clone()
	shown, rest := clipErrors(mj.errors, s.preview)
	out.Errors = cloneRowErrors(shown)
	if out.Errors == nil {
		out.Errors = []RowError{}
	}
	out.RemainingErrors = rest
	return out, nil
}

func (s *MemoryJobStore) List(_ context.Context, filter JobFilter) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Job
	for _, mj := range s.jobs {
		if filter.Matches(mj.job) {
			j := mj.job.Clone()
			j.Errors = []RowError{}
			j.RemainingErrors = len(mj.errors)
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.After(out[k].CreatedAt)
		}
		return out[i].ID > out[k].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryJobStore) Save(_ context.Context, job *Job, newErrors []RowError) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mj, ok := s.jobs[job.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, job.ID)
	}
	if err := ValidateSave(mj.job, job, len(mj.errors), len(newErrors)); err != nil {
		return err
	}

	next := job.Clone()
	next.Errors = nil
	next.RemainingErrors = 0
	errs := mj.errors
	if len(newErrors) > 0 {
		errs = append(errs[:len(errs):len(errs)], cloneRowErrors(newErrors)...)
	}
	s.jobs[job.ID] = &memoryJob{job: next, errors: errs}
	return nil
}

func (s *MemoryJobStore) Errors(_ context.Context, id string, offset, limit int) ([]RowError, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mj, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(mj.errors) {
		return []RowError{}, nil
	}
	end := len(mj.errors)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return cloneRowErrors(mj.errors[offset:end]), nil
}

func (s *MemoryJobStore) ListExpired(_ context.Context, now time.Time) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Job
	for _, mj := range s.jobs {
		j := mj.job
		if j.Kind == KindExport && j.Status == StatusCompleted && !j.ArtifactExpired &&
			j.ExpiresAt != nil && !now.Before(*j.ExpiresAt) {
			out = append(out, j.Clone())
		}
	}
	return out, nil
}

func (s *MemoryJobStore) MarkArtifactExpired(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mj, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	next := mj.job.Clone()
	next.ArtifactExpired = true
	next.UpdatedAt = time.Now().UTC()
	s.jobs[id] = &memoryJob{job: next, errors: mj.errors}
	return nil
}
