package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/idost/parasto-jobs/internal/codec"
	"github.com/idost/parasto-jobs/internal/core"
)

// JobStore persists job records and their row errors.
//
// Save locks the job row, validates the new snapshot against the stored one
// and appends row errors in the same transaction, so a reader sees counters
// and errors change together.
type JobStore struct {
	pool    *pgxpool.Pool
	preview int
}

var _ core.JobStore = (*JobStore)(nil)

// NewJobStore creates a store that surfaces the first preview row errors
// on Get.
func NewJobStore(pool *pgxpool.Pool, preview int) *JobStore {
	return &JobStore{pool: pool, preview: preview}
}

const jobColumns = `id::text, kind, entity_type, status, format, file_name,
	total_rows, processed_rows, successful_rows, failed_rows,
	error, attention, artifact_path, artifact_size_bytes, expires_at, artifact_expired,
	created_at, updated_at, started_at, finished_at`

func scanJob(row pgx.Row) (*core.Job, error) {
	var (
		j                        core.Job
		kind, entity, status, fm string
	)
	err := row.Scan(
		&j.ID, &kind, &entity, &status, &fm, &j.FileName,
		&j.TotalRows, &j.ProcessedRows, &j.SuccessfulRows, &j.FailedRows,
		&j.Error, &j.Attention, &j.ArtifactPath, &j.ArtifactSizeBytes, &j.ExpiresAt, &j.ArtifactExpired,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Kind = core.JobKind(kind)
	j.EntityType = core.EntityType(entity)
	j.Status = core.JobStatus(status)
	j.Format = codec.Format(fm)
	return &j, nil
}

// notFound maps a missing row, or an id that cannot be a job id, to
// ErrJobNotFound.
func notFound(id string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", core.ErrJobNotFound, id)
	}
	return err
}

func validID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %s", core.ErrJobNotFound, id)
	}
	return nil
}

func (s *JobStore) Create(ctx context.Context, job *core.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, kind, entity_type, status, format, file_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, string(job.Kind), string(job.EntityType), string(job.Status),
		string(job.Format), job.FileName, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// queryer is the read surface shared by the pool and a transaction.
type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Get reads the job row, its error count and the error preview inside one
// repeatable-read transaction, so the counters and errors agree even while
// the worker keeps saving.
func (s *JobStore) Get(ctx context.Context, id string) (*core.Job, error) {
	if err := validID(id); err != nil {
		return nil, err
	}

	var job *core.Job
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	}, func(tx pgx.Tx) error {
		var err error
		job, err = readJob(ctx, tx, id, s.preview)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func readJob(ctx context.Context, q queryer, id string, preview int) (*core.Job, error) {
	job, err := scanJob(q.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(id, err)
	}

	var stored int
	if err := q.QueryRow(ctx, `SELECT count(*) FROM job_errors WHERE job_id = $1`, id).Scan(&stored); err != nil {
		return nil, fmt.Errorf("count job errors: %w", err)
	}
	job.Errors = []core.RowError{}
	if preview > 0 && stored > 0 {
		if job.Errors, err = errorPage(ctx, q, id, 0, preview); err != nil {
			return nil, err
		}
	}
	job.RemainingErrors = stored - len(job.Errors)
	return job, nil
}

func (s *JobStore) List(ctx context.Context, filter core.JobFilter) ([]*core.Job, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.Kind != "" {
		add("kind = $%d", string(filter.Kind))
	}
	if filter.EntityType != "" {
		add("entity_type = $%d", string(filter.EntityType))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}

	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*core.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		// Import errors match failed rows one to one.
		j.Errors = []core.RowError{}
		j.RemainingErrors = j.FailedRows
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *JobStore) Save(ctx context.Context, job *core.Job, newErrors []core.RowError) error {
	if err := validID(job.ID); err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		prev, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, job.ID))
		if err != nil {
			return notFound(job.ID, err)
		}
		var stored int
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM job_errors WHERE job_id = $1`, job.ID).Scan(&stored); err != nil {
			return fmt.Errorf("count job errors: %w", err)
		}
		if err := core.ValidateSave(prev, job, stored, len(newErrors)); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE jobs SET
				status = $2, total_rows = $3, processed_rows = $4, successful_rows = $5, failed_rows = $6,
				error = $7, attention = $8, artifact_path = $9, artifact_size_bytes = $10, expires_at = $11,
				updated_at = $12, started_at = $13, finished_at = $14
			WHERE id = $1`,
			job.ID, string(job.Status), job.TotalRows, job.ProcessedRows, job.SuccessfulRows, job.FailedRows,
			job.Error, job.Attention, job.ArtifactPath, job.ArtifactSizeBytes, job.ExpiresAt,
			job.UpdatedAt, job.StartedAt, job.FinishedAt,
		)
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}

		if len(newErrors) == 0 {
			return nil
		}
		jobID := pgUUID(job.ID)
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"job_errors"},
			[]string{"job_id", "row_number", "messages"},
			pgx.CopyFromSlice(len(newErrors), func(i int) ([]any, error) {
				e := newErrors[i]
				return []any{jobID, e.Row, e.Messages}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("append job errors: %w", err)
		}
		return nil
	})
}

func (s *JobStore) Errors(ctx context.Context, id string, offset, limit int) ([]core.RowError, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	out, err := errorPage(ctx, s.pool, id, offset, limit)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check job: %w", err)
		}
		if !exists {
			return nil, fmt.Errorf("%w: %s", core.ErrJobNotFound, id)
		}
	}
	return out, nil
}

// errorPage reads row errors in row order. A non-positive limit reads to the end.
func errorPage(ctx context.Context, q queryer, id string, offset, limit int) ([]core.RowError, error) {
	if offset < 0 {
		offset = 0
	}
	// A NULL limit is LIMIT ALL.
	var pageSize any
	if limit > 0 {
		pageSize = limit
	}

	rows, err := q.Query(ctx, `
		SELECT row_number, messages FROM job_errors
		WHERE job_id = $1
		ORDER BY row_number
		OFFSET $2 LIMIT $3`, id, offset, pageSize)
	if err != nil {
		return nil, fmt.Errorf("list job errors: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.RowError, error) {
		var e core.RowError
		err := row.Scan(&e.Row, &e.Messages)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan job errors: %w", err)
	}
	if out == nil {
		out = []core.RowError{}
	}
	return out, nil
}

func (s *JobStore) ListExpired(ctx context.Context, now time.Time) ([]*core.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE kind = 'export' AND status = 'completed'
		  AND NOT artifact_expired AND expires_at <= $1
		ORDER BY expires_at`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*core.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *JobStore) MarkArtifactExpired(ctx context.Context, id string) error {
	if err := validID(id); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET artifact_expired = TRUE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark artifact expired: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", core.ErrJobNotFound, id)
	}
	return nil
}
