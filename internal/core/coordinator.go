package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/idost/parasto-jobs/internal/codec"
	"github.com/idost/parasto-jobs/internal/logging"
)

// Deps are the collaborators a Coordinator drives.
type Deps struct {
	Jobs      JobStore
	Writer    EntityWriter
	Source    EntitySource
	Artifacts ArtifactStore
	Cancels   CancelRegistry // Defaults to an in-process registry
}

// Options tune the engine. Zero values fall back to defaults.
type Options struct {
	MaxConcurrent    int           // Jobs allowed in running at once
	MaxWait          time.Duration // How long a dispatched job may wait for a slot; zero waits indefinitely
	Retention        time.Duration // Lifetime of an export artifact
	ProgressInterval int           // Export rows between progress saves
	SpoolDir         string        // Scratch space for uploads and export files
	MaxFileSize      int64         // Upload size limit in bytes
	Write            WritePolicy
	EscalateAfter    int // Identical consecutive storage errors that flag a job

	Tracer trace.TracerProvider // Defaults to the global provider
	Now    func() time.Time
}

const (
	DefaultRetention        = 48 * time.Hour
	DefaultProgressInterval = 500
	DefaultMaxFileSize      = 100 * 1024 * 1024
	DefaultEscalateAfter    = 25
)

func (o Options) withDefaults() Options {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = DefaultMaxConcurrentJobs
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = DefaultProgressInterval
	}
	if o.SpoolDir == "" {
		o.SpoolDir = os.TempDir()
	}
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.EscalateAfter <= 0 {
		o.EscalateAfter = DefaultEscalateAfter
	}
	o.Write = o.Write.withDefaults()
	if o.Tracer == nil {
		o.Tracer = otel.GetTracerProvider()
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// Coordinator is the entry point of the job engine. It creates jobs,
// dispatches exactly one worker per job, and serves reads of job records.
type Coordinator struct {
	deps    Deps
	opts    Options
	limiter *JobLimiter
	tracer  trace.Tracer

	// ctx is handed to workers; stop interrupts them at shutdown.
	ctx  context.Context
	stop context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewCoordinator validates deps and returns a ready coordinator.
func NewCoordinator(deps Deps, opts Options) (*Coordinator, error) {
	switch {
	case deps.Jobs == nil:
		return nil, errors.New("coordinator: job store is required")
	case deps.Writer == nil:
		return nil, errors.New("coordinator: entity writer is required")
	case deps.Source == nil:
		return nil, errors.New("coordinator: entity source is required")
	case deps.Artifacts == nil:
		return nil, errors.New("coordinator: artifact store is required")
	}
	if deps.Cancels == nil {
		deps.Cancels = NewMemoryCancelRegistry()
	}
	opts = opts.withDefaults()

	if err := os.MkdirAll(opts.SpoolDir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool directory: %w", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Coordinator{
		deps:    deps,
		opts:    opts,
		limiter: NewJobLimiter(opts.MaxConcurrent, opts.MaxWait),
		tracer:  opts.Tracer.Tracer("github.com/idost/parasto-jobs/internal/core"),
		ctx:     ctx,
		stop:    stop,
	}, nil
}

func (c *Coordinator) now() time.Time {
	return c.opts.Now()
}

// Limiter exposes the running-job limiter for health output.
func (c *Coordinator) Limiter() *JobLimiter {
	return c.limiter
}

// CreateExportJob records a pending export and dispatches its worker.
// It returns as soon as the job is stored.
func (c *Coordinator) CreateExportJob(ctx context.Context, entity EntityType, format codec.Format) (*Job, error) {
	def, ok := Lookup(entity)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, entity)
	}
	if !format.Valid() {
		return nil, fmt.Errorf("%w: %q", codec.ErrUnsupportedFormat, format)
	}
	if c.isClosed() {
		return nil, ErrShuttingDown
	}

	now := c.now()
	job := &Job{
		ID:         uuid.NewString(),
		Kind:       KindExport,
		EntityType: entity,
		Status:     StatusPending,
		Format:     format,
		FileName:   fmt.Sprintf("%s-%s%s", entity, now.Format("20060102-150405"), format.Extension()),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := c.deps.Jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create export job: %w", err)
	}

	err := c.dispatch(job, func(ctx context.Context, h *JobHandle) {
		c.runExport(ctx, h, def, format)
	})
	if err != nil {
		c.abandon(ctx, job, err)
		return nil, err
	}
	return job.Clone(), nil
}

// CreateImportJob spools r to disk, records a pending import and dispatches
// its worker. The file format comes from fileName's extension.
func (c *Coordinator) CreateImportJob(ctx context.Context, entity EntityType, fileName string, r io.Reader) (*Job, error) {
	def, ok := Lookup(entity)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, entity)
	}
	if !def.Importable {
		return nil, fmt.Errorf("%w: %s", ErrImportNotSupported, entity)
	}
	format, err := codec.FormatFromFileName(fileName)
	if err != nil {
		return nil, err
	}
	if c.isClosed() {
		return nil, ErrShuttingDown
	}

	path, err := c.spool(r, format)
	if err != nil {
		return nil, err
	}

	now := c.now()
	job := &Job{
		ID:         uuid.NewString(),
		Kind:       KindImport,
		EntityType: entity,
		Status:     StatusPending,
		Format:     format,
		FileName:   filepath.Base(fileName),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := c.deps.Jobs.Create(ctx, job); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("create import job: %w", err)
	}

	err = c.dispatch(job, func(ctx context.Context, h *JobHandle) {
		c.runImport(ctx, h, def, path)
	})
	if err != nil {
		os.Remove(path)
		c.abandon(ctx, job, err)
		return nil, err
	}
	return job.Clone(), nil
}

// spool copies an upload to a scratch file, enforcing the size limit.
func (c *Coordinator) spool(r io.Reader, format codec.Format) (string, error) {
	f, err := os.CreateTemp(c.opts.SpoolDir, "import-*"+format.Extension())
	if err != nil {
		return "", fmt.Errorf("spool upload: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(r, c.opts.MaxFileSize+1))
	closeErr := f.Close()
	switch {
	case err != nil:
		err = fmt.Errorf("spool upload: %w", err)
	case closeErr != nil:
		err = fmt.Errorf("spool upload: %w", closeErr)
	case n > c.opts.MaxFileSize:
		err = fmt.Errorf("%w: limit is %d bytes", ErrFileTooLarge, c.opts.MaxFileSize)
	case n == 0:
		err = ErrEmptyUpload
	}
	if err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// dispatch starts the single worker that owns job. The worker waits in
// pending until the limiter grants a slot.
func (c *Coordinator) dispatch(job *Job, run func(ctx context.Context, h *JobHandle)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrShuttingDown
	}
	c.wg.Add(1)
	c.mu.Unlock()

	h := newJobHandle(c.deps.Jobs, job, c.now)
	go func() {
		defer c.wg.Done()

		log := logging.WithJob(c.ctx, job.ID, string(job.Kind), string(job.EntityType))
		save := context.WithoutCancel(c.ctx)

		if err := c.limiter.Acquire(c.ctx); err != nil {
			msg := MsgInterrupted
			if errors.Is(err, ErrTooManyJobs) {
				msg = err.Error()
			}
			log.Warn("job never started", "error", err)
			if ferr := h.Fail(save, msg); ferr != nil {
				log.Error("record job failure", "error", ferr)
			}
			return
		}
		defer c.limiter.Release()

		defer func() {
			if r := recover(); r != nil {
				log.Error("panic in job worker", "panic", r)
				if err := h.Fail(save, "internal error"); err != nil {
					log.Error("record job failure", "error", err)
				}
			}
		}()

		run(c.ctx, h)
	}()
	return nil
}

// abandon fails a stored job that could not be dispatched.
func (c *Coordinator) abandon(ctx context.Context, job *Job, cause error) {
	h := newJobHandle(c.deps.Jobs, job, c.now)
	if err := h.Fail(context.WithoutCancel(ctx), cause.Error()); err != nil {
		logging.WithJob(ctx, job.ID, string(job.Kind), string(job.EntityType)).
			Error("record job failure", "error", err)
	}
}

// Cancel asks a running import to stop at its next row boundary. It
// reports whether this call placed the request; cancelling an export, a
// job that is not running, or a job already asked to stop is a no-op.
func (c *Coordinator) Cancel(ctx context.Context, id string) (bool, error) {
	job, err := c.deps.Jobs.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if job.Kind != KindImport || job.Status != StatusRunning {
		return false, nil
	}
	placed, err := c.deps.Cancels.Request(ctx, id)
	if err != nil {
		return false, fmt.Errorf("request cancellation: %w", err)
	}
	if !placed {
		return false, nil
	}

	log := logging.WithJob(ctx, id, string(job.Kind), string(job.EntityType))

	// The worker may have finished, and cleared its flag, after the status
	// read above. Nothing would clear this flag then.
	after, err := c.deps.Jobs.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if after.Status.Terminal() {
		if err := c.deps.Cancels.Clear(ctx, id); err != nil {
			log.Warn("clear cancellation flag", "error", err)
		}
		return false, nil
	}

	log.Info("cancellation requested")
	return true, nil
}

// Reconcile fails every job left pending or running by a previous process.
// It must run before this coordinator dispatches any job. It returns the
// number of jobs it failed.
func (c *Coordinator) Reconcile(ctx context.Context) (int, error) {
	save := context.WithoutCancel(ctx)
	failed := 0
	for _, status := range []JobStatus{StatusPending, StatusRunning} {
		jobs, err := c.deps.Jobs.List(ctx, JobFilter{Status: status})
		if err != nil {
			return failed, fmt.Errorf("list %s jobs: %w", status, err)
		}
		for _, job := range jobs {
			log := logging.WithJob(ctx, job.ID, string(job.Kind), string(job.EntityType))
			h := newJobHandle(c.deps.Jobs, job, c.now)
			if err := h.Fail(save, MsgInterrupted); err != nil {
				if errors.Is(err, ErrJobFinalized) {
					continue
				}
				return failed, fmt.Errorf("fail orphaned job %s: %w", job.ID, err)
			}
			if err := c.deps.Cancels.Clear(save, job.ID); err != nil {
				log.Warn("clear cancellation flag", "error", err)
			}
			log.Warn("orphaned job failed", "previous_status", status)
			failed++
		}
	}
	return failed, nil
}

// Get returns a snapshot of one job.
func (c *Coordinator) Get(ctx context.Context, id string) (*Job, error) {
	return c.deps.Jobs.Get(ctx, id)
}

// List returns jobs matching filter, newest first.
func (c *Coordinator) List(ctx context.Context, filter JobFilter) ([]*Job, error) {
	return c.deps.Jobs.List(ctx, filter)
}

// Errors pages through every row error of a job.
func (c *Coordinator) Errors(ctx context.Context, id string, offset, limit int) ([]RowError, error) {
	return c.deps.Jobs.Errors(ctx, id, offset, limit)
}

// DownloadURL returns a URL for a completed, unexpired export. ok is false
// for every other job.
func (c *Coordinator) DownloadURL(ctx context.Context, id string) (url string, ok bool, err error) {
	job, err := c.deps.Jobs.Get(ctx, id)
	if err != nil {
		return "", false, err
	}
	if !job.Downloadable(c.now()) {
		return "", false, nil
	}
	url, err = c.deps.Artifacts.URL(ctx, job.ArtifactPath)
	if err != nil {
		return "", false, fmt.Errorf("artifact url: %w", err)
	}
	return url, true, nil
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close stops accepting jobs and waits for running ones. If ctx ends first,
// workers are interrupted and their jobs fail as interrupted by shutdown.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.stop()
		return nil
	case <-ctx.Done():
		c.stop()
		<-done
		return ctx.Err()
	}
}
