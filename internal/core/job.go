package core

import (
	"fmt"
	"time"

	"github.com/idost/parasto-jobs/internal/codec"
)

// JobKind distinguishes export jobs from import jobs.
type JobKind string

const (
	KindExport JobKind = "export"
	KindImport JobKind = "import"
)

// Valid reports whether k is a known kind.
func (k JobKind) Valid() bool {
	return k == KindExport || k == KindImport
}

// JobStatus is a job's lifecycle state.
//
//	pending -> running -> completed | failed | cancelled
//
// A pending job may also fail directly (for example when the process shuts
// down before a worker picks it up). Terminal states have no exits.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is a final state.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether a job in state s may move to next.
// Staying in the same non-terminal state is allowed (progress updates).
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusPending || next == StatusRunning || next == StatusFailed
	case StatusRunning:
		return next == StatusRunning || next.Terminal()
	}
	return false
}

// RowError lists every problem found in one import row. Row is 1-based over
// the data rows of the file, blank rows included.
type RowError struct {
	Row      int      `json:"row"`
	Messages []string `json:"messages"`
}

// Job is a snapshot of one import or export job.
//
// Snapshots handed out by a JobStore are copies; mutating one never affects
// the stored record.
type Job struct {
	ID         string       `json:"id"`
	Kind       JobKind      `json:"kind"`
	EntityType EntityType   `json:"entityType"`
	Status     JobStatus    `json:"status"`
	Format     codec.Format `json:"format,omitempty"`
	FileName   string       `json:"fileName,omitempty"`

	TotalRows      int `json:"totalRows"`
	ProcessedRows  int `json:"processedRows"`
	SuccessfulRows int `json:"successfulRows"`
	FailedRows     int `json:"failedRows"`

	// Errors holds the first rows errors; RemainingErrors counts the rest.
	Errors          []RowError `json:"errors"`
	RemainingErrors int        `json:"remainingErrors"`

	// Error is the single job-level failure message.
	Error string `json:"error,omitempty"`

	// Attention is set when a run showed a pattern an operator should look at,
	// such as many consecutive rows failing with the same storage error.
	Attention string `json:"attention,omitempty"`

	ArtifactPath      string     `json:"artifactPath,omitempty"`
	ArtifactSizeBytes int64      `json:"artifactSizeBytes,omitempty"`
	ExpiresAt         *time.Time `json:"expiresAt,omitempty"`
	ArtifactExpired   bool       `json:"artifactExpired,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Errors = cloneRowErrors(j.Errors)
	c.ExpiresAt = cloneTime(j.ExpiresAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.FinishedAt = cloneTime(j.FinishedAt)
	return &c
}

func cloneRowErrors(errs []RowError) []RowError {
	if errs == nil {
		return nil
	}
	out := make([]RowError, len(errs))
	for i, e := range errs {
		out[i] = RowError{Row: e.Row, Messages: append([]string(nil), e.Messages...)}
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Expired reports whether a completed export's artifact is past its expiry.
func (j *Job) Expired(now time.Time) bool {
	if j.ArtifactExpired {
		return true
	}
	return j.ExpiresAt != nil && !now.Before(*j.ExpiresAt)
}

// Downloadable reports whether the job has an artifact that may be served.
func (j *Job) Downloadable(now time.Time) bool {
	return j.Kind == KindExport &&
		j.Status == StatusCompleted &&
		j.ArtifactPath != "" &&
		!j.Expired(now)
}

// checkCounters enforces the counter invariants every stored snapshot obeys.
func (j *Job) checkCounters() error {
	if j.ProcessedRows != j.SuccessfulRows+j.FailedRows {
		return fmt.Errorf("job %s: processed %d != successful %d + failed %d",
			j.ID, j.ProcessedRows, j.SuccessfulRows, j.FailedRows)
	}
	if j.TotalRows > 0 && j.ProcessedRows > j.TotalRows {
		return fmt.Errorf("job %s: processed %d exceeds total %d", j.ID, j.ProcessedRows, j.TotalRows)
	}
	if j.ProcessedRows < 0 || j.SuccessfulRows < 0 || j.FailedRows < 0 || j.TotalRows < 0 {
		return fmt.Errorf("job %s: negative counter", j.ID)
	}
	return nil
}

// JobFilter narrows a job listing. Zero values match everything.
type JobFilter struct {
	Kind       JobKind
	EntityType EntityType
	Status     JobStatus
	Limit      int
}

// Matches reports whether j satisfies the filter (ignoring Limit).
func (f JobFilter) Matches(j *Job) bool {
	if f.Kind != "" && j.Kind != f.Kind {
		return false
	}
	if f.EntityType != "" && j.EntityType != f.EntityType {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	return true
}
