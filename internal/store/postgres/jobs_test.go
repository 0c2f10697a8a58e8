package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/idost/parasto-jobs/internal/codec"
	"github.com/idost/parasto-jobs/internal/core"
)

// fakeRow fills Scan destinations from fixed values.
type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case *int:
			*p = r.values[i].(int)
		case *int64:
			*p = r.values[i].(int64)
		case *bool:
			*p = r.values[i].(bool)
		case *[]string:
			*p = r.values[i].([]string)
		case *time.Time:
			*p = r.values[i].(time.Time)
		case **time.Time:
			if v, ok := r.values[i].(time.Time); ok {
				*p = &v
			}
		}
	}
	return nil
}

func TestScanJob(t *testing.T) {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	row := fakeRow{values: []any{
		"7d0b7c52-5a8e-4f0e-a6f4-3c2b0b7d9e11", "import", "audiobooks", "running", "csv", "books.csv",
		10, 4, 3, 1,
		"", "", "", int64(0), nil, false,
		created, created, created, nil,
	}}

	j, err := scanJob(row)
	if err != nil {
		t.Fatalf("scanJob: %v", err)
	}
	if j.Kind != core.KindImport || j.EntityType != core.EntityAudiobooks || j.Status != core.StatusRunning {
		t.Errorf("identity = %s %s %s", j.Kind, j.EntityType, j.Status)
	}
	if j.Format != codec.FormatCSV || j.FileName != "books.csv" {
		t.Errorf("file = %s %s", j.Format, j.FileName)
	}
	if j.TotalRows != 10 || j.ProcessedRows != 4 || j.SuccessfulRows != 3 || j.FailedRows != 1 {
		t.Errorf("counters = %d/%d/%d/%d", j.TotalRows, j.ProcessedRows, j.SuccessfulRows, j.FailedRows)
	}
	if j.StartedAt == nil || j.FinishedAt != nil || j.ExpiresAt != nil {
		t.Errorf("times = %v %v %v", j.StartedAt, j.FinishedAt, j.ExpiresAt)
	}
}

func TestNotFound(t *testing.T) {
	_, err := scanJob(fakeRow{err: pgx.ErrNoRows})
	if !errors.Is(notFound("x", err), core.ErrJobNotFound) {
		t.Error("no rows should map to ErrJobNotFound")
	}

	other := errors.New("connection reset")
	if got := notFound("x", other); got != other {
		t.Errorf("notFound = %v, want the original error", got)
	}

	if err := validID("not-a-uuid"); !errors.Is(err, core.ErrJobNotFound) {
		t.Errorf("validID = %v", err)
	}
	if err := validID("7d0b7c52-5a8e-4f0e-a6f4-3c2b0b7d9e11"); err != nil {
		t.Errorf("validID = %v", err)
	}
}

// fakeRows iterates fixed rows.
type fakeRows struct {
	rows [][]any
	pos  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	return fakeRow{values: r.rows[r.pos-1]}.Scan(dest...)
}

func (r *fakeRows) Values() ([]any, error) {
	return r.rows[r.pos-1], nil
}

// snapshotQueryer answers the reads of one job and records every statement.
type snapshotQueryer struct {
	job        fakeRow
	stored     int
	errors     [][]any
	statements []string
}

func (q *snapshotQueryer) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	q.statements = append(q.statements, sql)
	if strings.Contains(sql, "count(*)") {
		return fakeRow{values: []any{q.stored}}
	}
	return q.job
}

func (q *snapshotQueryer) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	q.statements = append(q.statements, sql)
	rows := q.errors
	if limit, ok := args[2].(int); ok && limit < len(rows) {
		rows = rows[:limit]
	}
	return &fakeRows{rows: rows}, nil
}

func TestReadJob_OneSnapshot(t *testing.T) {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	jobRow := fakeRow{values: []any{
		"7d0b7c52-5a8e-4f0e-a6f4-3c2b0b7d9e11", "import", "audiobooks", "running", "csv", "books.csv",
		10, 6, 0, 6,
		"", "", "", int64(0), nil, false,
		created, created, created, nil,
	}}
	var rowErrors [][]any
	for i := 1; i <= 6; i++ {
		rowErrors = append(rowErrors, []any{i, []string{"price: must be a number"}})
	}

	tests := []struct {
		name          string
		preview       int
		wantShown     int
		wantStatement int
	}{
		{"preview clipped", 2, 2, 3},
		{"preview covers all", 20, 6, 3},
		{"no preview", 0, 0, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &snapshotQueryer{job: jobRow, stored: 6, errors: rowErrors}

			j, err := readJob(context.Background(), q, "7d0b7c52-5a8e-4f0e-a6f4-3c2b0b7d9e11", tt.preview)
			if err != nil {
				t.Fatalf("readJob: %v", err)
			}
			if len(j.Errors) != tt.wantShown {
				t.Errorf("errors shown = %d, want %d", len(j.Errors), tt.wantShown)
			}
			if len(j.Errors)+j.RemainingErrors != j.FailedRows {
				t.Errorf("shown %d + remaining %d != failed %d", len(j.Errors), j.RemainingErrors, j.FailedRows)
			}
			if len(q.statements) != tt.wantStatement {
				t.Errorf("statements on the snapshot = %d, want %d", len(q.statements), tt.wantStatement)
			}
		})
	}
}

func TestReadJob_NotFound(t *testing.T) {
	q := &snapshotQueryer{job: fakeRow{err: pgx.ErrNoRows}}
	if _, err := readJob(context.Background(), q, "7d0b7c52-5a8e-4f0e-a6f4-3c2b0b7d9e11", 5); !errors.Is(err, core.ErrJobNotFound) {
		t.Errorf("readJob = %v, want ErrJobNotFound", err)
	}
}
