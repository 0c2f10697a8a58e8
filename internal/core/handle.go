package core

import (
	"context"
	"sync"
	"time"
)

// ArtifactInfo describes a stored export file.
type ArtifactInfo struct {
	Path      string
	SizeBytes int64
	ExpiresAt time.Time
}

// JobHandle is the update capability a worker holds for the one job it owns.
// Every method persists a new snapshot through the JobStore before
// returning; on error the handle keeps its last persisted state.
type JobHandle struct {
	mu    sync.Mutex
	store JobStore
	job   *Job
	now   func() time.Time
}

func newJobHandle(store JobStore, job *Job, now func() time.Time) *JobHandle {
	j := job.Clone()
	j.Errors = nil
	return &JobHandle{store: store, job: j, now: now}
}

// ID returns the job id.
func (h *JobHandle) ID() string {
	return h.job.ID
}

// Snapshot returns a copy of the last persisted state.
func (h *JobHandle) Snapshot() *Job {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.job.Clone()
}

// apply copies the current state, lets mutate change it, and saves the copy.
func (h *JobHandle) apply(ctx context.Context, newErrors []RowError, mutate func(j *Job)) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	next := h.job.Clone()
	mutate(next)
	next.UpdatedAt = h.now()
	if err := h.store.Save(ctx, next, newErrors); err != nil {
		return err
	}
	h.job = next
	return nil
}

// Start moves the job to running.
func (h *JobHandle) Start(ctx context.Context) error {
	return h.apply(ctx, nil, func(j *Job) {
		now := h.now()
		j.Status = StatusRunning
		j.StartedAt = &now
	})
}

// SetTotal records the number of rows the job will process.
func (h *JobHandle) SetTotal(ctx context.Context, total int) error {
	return h.apply(ctx, nil, func(j *Job) {
		j.TotalRows = total
	})
}

// RowSucceeded counts one processed row as successful.
func (h *JobHandle) RowSucceeded(ctx context.Context) error {
	return h.apply(ctx, nil, func(j *Job) {
		j.SuccessfulRows++
		j.ProcessedRows++
		growTotal(j)
	})
}

// RowFailed counts one processed row as failed and records why.
func (h *JobHandle) RowFailed(ctx context.Context, row int, messages []string) error {
	rowErr := RowError{Row: row, Messages: append([]string(nil), messages...)}
	return h.apply(ctx, []RowError{rowErr}, func(j *Job) {
		j.FailedRows++
		j.ProcessedRows++
		growTotal(j)
	})
}

// Progress sets the number of rows serialized so far by an export.
func (h *JobHandle) Progress(ctx context.Context, rows int) error {
	return h.apply(ctx, nil, func(j *Job) {
		if rows > j.SuccessfulRows {
			j.SuccessfulRows = rows
			j.ProcessedRows = rows + j.FailedRows
		}
		growTotal(j)
	})
}

// growTotal keeps processed <= total when a source yields more rows than it
// first reported.
func growTotal(j *Job) {
	if j.ProcessedRows > j.TotalRows {
		j.TotalRows = j.ProcessedRows
	}
}

// Flag attaches an operator attention note without changing status.
func (h *JobHandle) Flag(ctx context.Context, note string) error {
	return h.apply(ctx, nil, func(j *Job) {
		j.Attention = note
	})
}

// Complete marks the job completed, attaching the artifact for exports.
func (h *JobHandle) Complete(ctx context.Context, artifact *ArtifactInfo) error {
	return h.apply(ctx, nil, func(j *Job) {
		h.finish(j, StatusCompleted)
		if artifact != nil {
			expires := artifact.ExpiresAt
			j.ArtifactPath = artifact.Path
			j.ArtifactSizeBytes = artifact.SizeBytes
			j.ExpiresAt = &expires
		}
	})
}

// Fail marks the job failed with a single job-level message.
func (h *JobHandle) Fail(ctx context.Context, message string) error {
	return h.apply(ctx, nil, func(j *Job) {
		h.finish(j, StatusFailed)
		j.Error = message
	})
}

// Cancel marks the job cancelled. Counters keep their current values.
func (h *JobHandle) Cancel(ctx context.Context) error {
	return h.apply(ctx, nil, func(j *Job) {
		h.finish(j, StatusCancelled)
	})
}

func (h *JobHandle) finish(j *Job, status JobStatus) {
	now := h.now()
	j.Status = status
	j.FinishedAt = &now
}
