package core

// importer.go runs import jobs.
//
// An import is best-effort at row granularity: a row that fails validation
// or storage is recorded against the job and the run moves on. Only three
// things end a run early:
//   - the file cannot be parsed, or lacks required columns (Failed)
//   - the entity store is unreachable for the run (Failed)
//   - an operator asked to cancel (Cancelled)
//
// Cancellation and shutdown are checked between rows, never inside a write.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/idost/parasto-jobs/internal/codec"
	"github.com/idost/parasto-jobs/internal/logging"
)

// MsgInterrupted is the job error recorded when shutdown stops a job.
const MsgInterrupted = "interrupted by shutdown"

// streak tracks consecutive rows failing with the same storage error.
type streak struct {
	cause string
	count int
}

func (s *streak) observe(cause string) int {
	if cause == s.cause {
		s.count++
	} else {
		s.cause, s.count = cause, 1
	}
	return s.count
}

func (s *streak) reset() {
	s.cause, s.count = "", 0
}

func (c *Coordinator) runImport(ctx context.Context, h *JobHandle, def EntityDefinition, path string) {
	start := time.Now()
	save := context.WithoutCancel(ctx)
	log := logging.WithJob(ctx, h.ID(), string(KindImport), string(def.Type))

	ctx, span := c.tracer.Start(ctx, "job.import", trace.WithAttributes(
		attribute.String("job.id", h.ID()),
		attribute.String("job.entity_type", string(def.Type)),
	))
	defer span.End()

	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("remove spooled upload", "path", path, "error", err)
		}
		if err := c.deps.Cancels.Clear(save, h.ID()); err != nil {
			log.Warn("clear cancellation flag", "error", err)
		}
	}()

	if err := h.Start(save); err != nil {
		log.Error("start import", "error", err)
		return
	}
	log.Info("import started", "file", h.Snapshot().FileName)

	table, err := readUpload(path, h.Snapshot().Format)
	if err != nil {
		c.failJob(save, h, log, span, err.Error())
		return
	}

	rows, err := NewRowValidator(def, table.Header)
	if err != nil {
		c.failJob(save, h, log, span, err.Error())
		return
	}

	if len(table.Rows) == 0 {
		if err := h.SetTotal(save, 0); err != nil {
			c.abortJob(save, h, log, span, err)
			return
		}
		c.completeJob(save, h, log, span, nil, start)
		return
	}

	if err := h.SetTotal(save, len(table.Rows)); err != nil {
		c.abortJob(save, h, log, span, err)
		return
	}
	log.Info("import rows parsed", "total_rows", len(table.Rows))

	writer := newResilientWriter(c.deps.Writer, c.opts.Write, "import-"+h.ID())
	var failures streak
	flagged := false

	for i, row := range table.Rows {
		n := table.RowNumbers[i]

		if c.cancelRequested(ctx, log, h.ID()) {
			if err := h.Cancel(save); err != nil {
				c.abortJob(save, h, log, span, err)
				return
			}
			j := h.Snapshot()
			log.Info("import cancelled",
				"processed_rows", j.ProcessedRows,
				"total_rows", j.TotalRows,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			span.SetAttributes(attribute.Bool("job.cancelled", true))
			return
		}
		if ctx.Err() != nil {
			c.failJob(save, h, log, span, MsgInterrupted)
			return
		}

		rec, msgs := rows.ValidateRow(row)
		if len(msgs) > 0 {
			failures.reset()
			if err := h.RowFailed(save, n, msgs); err != nil {
				c.abortJob(save, h, log, span, err)
				return
			}
			continue
		}

		err := writer.Write(ctx, def, rec)
		switch {
		case err == nil:
			failures.reset()
			err = h.RowSucceeded(save)

		case errors.Is(err, ErrStoreUnavailable):
			log.Error("entity store unreachable", "row", n, "error", err)
			c.failJob(save, h, log, span, err.Error())
			return

		case ctx.Err() != nil:
			c.failJob(save, h, log, span, MsgInterrupted)
			return

		default:
			msg := storageRowMessage(err)
			log.Debug("row write failed", "row", n, "class", StorageClassOf(err), "error", err)
			if err = h.RowFailed(save, n, []string{msg}); err != nil {
				break
			}
			if count := failures.observe(msg); count >= c.opts.EscalateAfter && !flagged {
				flagged = true
				note := fmt.Sprintf("%d consecutive rows failed with the same storage error: %s", count, msg)
				log.Warn("import needs attention", "row", n, "consecutive_failures", count, "cause", msg)
				err = h.Flag(save, note)
			}
		}
		if err != nil {
			c.abortJob(save, h, log, span, err)
			return
		}
	}

	c.completeJob(save, h, log, span, nil, start)
}

// readUpload decodes a spooled import file.
func readUpload(path string, format codec.Format) (*codec.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()
	return codec.Decode(format, f)
}

// cancelRequested checks the registry. A registry failure is logged and
// treated as no request, so an unavailable broker cannot stall imports.
func (c *Coordinator) cancelRequested(ctx context.Context, log *slog.Logger, id string) bool {
	requested, err := c.deps.Cancels.Requested(ctx, id)
	if err != nil {
		log.Warn("check cancellation", "error", err)
		return false
	}
	return requested
}

// storageRowMessage renders a write failure as a row error. Failures with
// the same cause render identically.
func storageRowMessage(err error) string {
	msg := MapError(err)
	return fmt.Sprintf("storage error (%s): %s", msg.Code, msg.Message)
}

// failJob ends a job as failed with a single message.
func (c *Coordinator) failJob(ctx context.Context, h *JobHandle, log *slog.Logger, span trace.Span, message string) {
	span.SetStatus(codes.Error, message)
	if err := h.Fail(ctx, message); err != nil {
		log.Error("record job failure", "error", err, "message", message)
		return
	}
	j := h.Snapshot()
	log.Error("job failed",
		"error", message,
		"processed_rows", j.ProcessedRows,
		"failed_rows", j.FailedRows,
	)
}

// abortJob handles a failed save of the job record itself.
func (c *Coordinator) abortJob(ctx context.Context, h *JobHandle, log *slog.Logger, span trace.Span, err error) {
	log.Error("update job record", "error", err)
	span.RecordError(err)
	if errors.Is(err, ErrJobFinalized) {
		return
	}
	c.failJob(ctx, h, log, span, "internal error: "+err.Error())
}

// completeJob marks a job completed and logs its counters.
func (c *Coordinator) completeJob(ctx context.Context, h *JobHandle, log *slog.Logger, span trace.Span, artifact *ArtifactInfo, start time.Time) bool {
	if err := h.Complete(ctx, artifact); err != nil {
		c.abortJob(ctx, h, log, span, err)
		return false
	}
	j := h.Snapshot()
	span.SetAttributes(
		attribute.Int("job.total_rows", j.TotalRows),
		attribute.Int("job.failed_rows", j.FailedRows),
	)
	span.SetStatus(codes.Ok, "")
	log.Info("job completed",
		"total_rows", j.TotalRows,
		"successful_rows", j.SuccessfulRows,
		"failed_rows", j.FailedRows,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return true
}
