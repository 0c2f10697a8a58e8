package core

// sweeper.go removes export artifacts once their retention window ends.
//
// The sweep only looks at completed exports, so it never races a running
// job. Deleting the artifact and marking the job are separate steps; if the
// mark fails the next sweep deletes again.

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often expired artifacts are collected.
const DefaultSweepInterval = 15 * time.Minute

// StartSweeper runs Sweep immediately and then every interval until ctx is
// cancelled. It blocks; run it in its own goroutine.
func (c *Coordinator) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	slog.Info("artifact sweeper started", "interval", interval.String())

	c.runSweep(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("artifact sweeper stopped")
			return
		case <-ticker.C:
			c.runSweep(ctx)
		}
	}
}

func (c *Coordinator) runSweep(ctx context.Context) {
	start := time.Now()
	swept, err := c.Sweep(ctx)
	if err != nil {
		slog.Error("artifact sweep failed", "error", err, "swept", swept)
		return
	}
	if swept > 0 {
		slog.Info("expired artifacts removed",
			"swept", swept,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// Sweep deletes every artifact whose expiry has passed and marks its job.
// It returns how many jobs were marked. A failure on one job is logged and
// does not stop the others.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	expired, err := c.deps.Jobs.ListExpired(ctx, c.now())
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, job := range expired {
		if ctx.Err() != nil {
			return swept, ctx.Err()
		}
		if job.ArtifactPath != "" {
			if err := c.deps.Artifacts.Delete(ctx, job.ArtifactPath); err != nil {
				slog.Warn("delete expired artifact", "job_id", job.ID, "key", job.ArtifactPath, "error", err)
				continue
			}
		}
		if err := c.deps.Jobs.MarkArtifactExpired(ctx, job.ID); err != nil {
			slog.Warn("mark artifact expired", "job_id", job.ID, "error", err)
			continue
		}
		swept++
	}
	return swept, nil
}
