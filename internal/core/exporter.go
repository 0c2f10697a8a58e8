package core

// exporter.go runs export jobs.
//
// The entity source and the encoder run as a producer/consumer pair so a
// large collection is never held in memory. Output goes to a scratch file
// and is handed to the artifact store only once encoding has finished, so
// a failed export leaves no artifact behind.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/idost/parasto-jobs/internal/codec"
	"github.com/idost/parasto-jobs/internal/logging"
)

// exportBuffer is how many rows the source may run ahead of the encoder.
const exportBuffer = 256

func (c *Coordinator) runExport(ctx context.Context, h *JobHandle, def EntityDefinition, format codec.Format) {
	start := time.Now()
	save := context.WithoutCancel(ctx)
	log := logging.WithJob(ctx, h.ID(), string(KindExport), string(def.Type))

	ctx, span := c.tracer.Start(ctx, "job.export", trace.WithAttributes(
		attribute.String("job.id", h.ID()),
		attribute.String("job.entity_type", string(def.Type)),
		attribute.String("job.format", string(format)),
	))
	defer span.End()

	if err := h.Start(save); err != nil {
		log.Error("start export", "error", err)
		return
	}
	log.Info("export started", "format", format)

	tmp, err := os.CreateTemp(c.opts.SpoolDir, "export-*"+format.Extension())
	if err != nil {
		c.failJob(save, h, log, span, fmt.Sprintf("create export file: %v", err))
		return
	}
	defer func() {
		tmp.Close()
		if err := os.Remove(tmp.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("remove export scratch file", "path", tmp.Name(), "error", err)
		}
	}()

	if err := c.encodeExport(ctx, h, def, format, tmp); err != nil {
		c.failJob(save, h, log, span, exportFailureMessage(ctx, err))
		return
	}

	size, err := tmp.Seek(0, io.SeekCurrent)
	if err == nil {
		_, err = tmp.Seek(0, io.SeekStart)
	}
	if err != nil {
		c.failJob(save, h, log, span, fmt.Sprintf("read export file: %v", err))
		return
	}

	key, err := artifactKey(def.Type, h.ID(), format)
	if err != nil {
		c.failJob(save, h, log, span, err.Error())
		return
	}
	if err := c.deps.Artifacts.Put(ctx, key, tmp, size, format.ContentType()); err != nil {
		if derr := c.deps.Artifacts.Delete(save, key); derr != nil {
			log.Warn("remove partial artifact", "key", key, "error", derr)
		}
		c.failJob(save, h, log, span, exportFailureMessage(ctx, fmt.Errorf("artifact write failed: %w", err)))
		return
	}

	artifact := &ArtifactInfo{
		Path:      key,
		SizeBytes: size,
		ExpiresAt: c.now().Add(c.opts.Retention),
	}
	if !c.completeJob(save, h, log, span, artifact, start) {
		if err := c.deps.Artifacts.Delete(save, key); err != nil {
			log.Warn("remove orphaned artifact", "key", key, "error", err)
		}
		return
	}
	log.Info("export artifact stored", "key", key, "size_bytes", size, "expires_at", artifact.ExpiresAt)
}

// encodeExport streams every record of def from the source into w.
func (c *Coordinator) encodeExport(ctx context.Context, h *JobHandle, def EntityDefinition, format codec.Format, w io.Writer) error {
	save := context.WithoutCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	records := make(chan []any, exportBuffer)

	g.Go(func() error {
		defer close(records)
		return c.deps.Source.Scan(gctx, def,
			func(total int) error {
				return h.SetTotal(save, total)
			},
			func(values []any) error {
				select {
				case records <- values:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
			},
		)
	})

	written := 0
	g.Go(func() error {
		enc, err := codec.NewEncoder(format, w, def.Columns())
		if err != nil {
			return err
		}
		for values := range records {
			if err := enc.WriteRecord(values); err != nil {
				return err
			}
			written++
			if written%c.opts.ProgressInterval == 0 {
				if err := h.Progress(save, written); err != nil {
					return err
				}
			}
		}
		return enc.Close()
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return h.Progress(save, written)
}

// artifactKey names an export artifact. The random suffix keeps keys
// unguessable even when job ids leak.
func artifactKey(entity EntityType, jobID string, format codec.Format) (string, error) {
	suffix, err := gonanoid.New(12)
	if err != nil {
		return "", fmt.Errorf("artifact key: %w", err)
	}
	return fmt.Sprintf("exports/%s/%s-%s%s", entity, jobID, suffix, format.Extension()), nil
}

func exportFailureMessage(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		return MsgInterrupted
	}
	return "export failed: " + err.Error()
}
