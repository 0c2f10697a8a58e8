package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/idost/parasto-jobs/internal/codec"
)

// memArtifacts is an in-memory ArtifactStore.
type memArtifacts struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemArtifacts() *memArtifacts {
	return &memArtifacts{files: make(map[string][]byte)}
}

func (a *memArtifacts) Put(_ context.Context, key string, r io.Reader, size int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: read %d, declared %d", len(data), size)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.files[key] = data
	return nil
}

func (a *memArtifacts) URL(_ context.Context, key string) (string, error) {
	return "mem://" + key, nil
}

func (a *memArtifacts) Delete(_ context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.files, key)
	return nil
}

func (a *memArtifacts) get(key string) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, ok := a.files[key]
	return data, ok
}

func (a *memArtifacts) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.files)
}

// gatedWriter blocks the write numbered at until released or ctx ends.
type gatedWriter struct {
	next    EntityWriter
	at      int
	reached chan struct{}
	release chan struct{}

	mu    sync.Mutex
	calls int
}

func newGatedWriter(next EntityWriter, at int) *gatedWriter {
	return &gatedWriter{
		next:    next,
		at:      at,
		reached: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (w *gatedWriter) Write(ctx context.Context, def EntityDefinition, rec Record) error {
	w.mu.Lock()
	w.calls++
	n := w.calls
	w.mu.Unlock()

	if n == w.at {
		close(w.reached)
		select {
		case <-w.release:
		case <-ctx.Done():
			return NewStorageError(StorageTransient, ctx.Err())
		}
	}
	return w.next.Write(ctx, def, rec)
}

// panicWriter panics on every write.
type panicWriter struct{}

func (panicWriter) Write(context.Context, EntityDefinition, Record) error {
	panic("boom")
}

type testEngine struct {
	c         *Coordinator
	jobs      *MemoryJobStore
	entities  *MemoryEntityStore
	artifacts *memArtifacts
	clock     *fakeClock
}

func newTestEngine(t *testing.T, writer EntityWriter, opts Options) *testEngine {
	t.Helper()
	registerFixtures(t)

	e := &testEngine{
		jobs:      NewMemoryJobStore(20),
		entities:  NewMemoryEntityStore(),
		artifacts: newMemArtifacts(),
		clock:     newFakeClock(),
	}
	if writer == nil {
		writer = e.entities
	}
	opts.SpoolDir = t.TempDir()
	opts.Now = e.clock.Now
	if opts.Write == (WritePolicy{}) {
		opts.Write = fastPolicy(2, 5)
	}

	c, err := NewCoordinator(Deps{
		Jobs:      e.jobs,
		Writer:    writer,
		Source:    e.entities,
		Artifacts: e.artifacts,
	}, opts)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	e.c = c
	return e
}

// waitTerminal polls until the job reaches a terminal state.
func waitTerminal(t *testing.T, c *Coordinator, id string) *Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := c.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		if job.Status.Terminal() {
			return job
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return nil
}

func bookCSV(n int, invalid map[int]bool) string {
	var b strings.Builder
	b.WriteString("title,price,status\n")
	for i := 1; i <= n; i++ {
		if invalid[i] {
			fmt.Fprintf(&b, "Broken %d,not-a-price,draft\n", i)
			continue
		}
		fmt.Fprintf(&b, "Book %d,%d.50,published\n", i, i)
	}
	return b.String()
}

func titles(t *testing.T, e *testEngine) map[string]bool {
	t.Helper()
	out := make(map[string]bool)
	def, _ := Lookup(EntityAudiobooks)
	err := e.entities.Scan(context.Background(), def,
		func(int) error { return nil },
		func(values []any) error {
			out[values[1].(string)] = true
			return nil
		})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	return out
}

// ----------------------------------------------------------------------------
// Import
// ----------------------------------------------------------------------------

func TestImport_ContinuesPastRowFailures(t *testing.T) {
	e := newTestEngine(t, nil, Options{})
	ctx := context.Background()

	csv := bookCSV(10, map[int]bool{2: true, 5: true, 7: true})
	job, err := e.c.CreateImportJob(ctx, EntityAudiobooks, "books.csv", strings.NewReader(csv))
	if err != nil {
		t.Fatalf("CreateImportJob: %v", err)
	}
	if job.Status != StatusPending || job.Kind != KindImport {
		t.Errorf("created job = %+v, want a pending import", job)
	}

	got := waitTerminal(t, e.c, job.ID)
	if got.Status != StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", got.Status, got.Error)
	}
	if got.TotalRows != 10 || got.SuccessfulRows != 7 || got.FailedRows != 3 || got.ProcessedRows != 10 {
		t.Errorf("counters = total %d processed %d ok %d failed %d",
			got.TotalRows, got.ProcessedRows, got.SuccessfulRows, got.FailedRows)
	}

	var rows []int
	for _, re := range got.Errors {
		rows = append(rows, re.Row)
		if len(re.Messages) == 0 || !strings.HasPrefix(re.Messages[0], "price:") {
			t.Errorf("row %d messages = %q", re.Row, re.Messages)
		}
	}
	if fmt.Sprint(rows) != "[2 5 7]" {
		t.Errorf("error rows = %v, want [2 5 7]", rows)
	}

	stored := titles(t, e)
	for i := 1; i <= 10; i++ {
		want := !(i == 2 || i == 5 || i == 7)
		if stored[fmt.Sprintf("Book %d", i)] != want {
			t.Errorf("Book %d stored = %v, want %v", i, !want, want)
		}
	}
	if e.entities.Len(EntityAudiobooks) != 7 {
		t.Errorf("stored rows = %d, want 7", e.entities.Len(EntityAudiobooks))
	}
}

func TestImport_MalformedFileFailsWithoutWrites(t *testing.T) {
	tests := []struct {
		name     string
		fileName string
		body     string
		wantErr  string
	}{
		{
			name:     "broken quoting",
			fileName: "books.csv",
			body:     "title,price\n\"Book 1,1\nBook 2,2\n",
			wantErr:  "malformed csv file",
		},
		{
			name:     "missing required column",
			fileName: "books.csv",
			body:     "title,status\nBook 1,draft\n",
			wantErr:  "missing required column: price",
		},
		{
			name:     "invalid json",
			fileName: "books.json",
			body:     `[{"title": "Book 1", "price": 1}`,
			wantErr:  "malformed json file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, nil, Options{})
			job, err := e.c.CreateImportJob(context.Background(), EntityAudiobooks, tt.fileName, strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("CreateImportJob: %v", err)
			}

			got := waitTerminal(t, e.c, job.ID)
			if got.Status != StatusFailed {
				t.Fatalf("status = %s, want failed", got.Status)
			}
			if got.ProcessedRows != 0 {
				t.Errorf("processed = %d, want 0", got.ProcessedRows)
			}
			if !strings.Contains(got.Error, tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", got.Error, tt.wantErr)
			}
			if n := e.entities.Len(EntityAudiobooks); n != 0 {
				t.Errorf("stored rows = %d, want 0", n)
			}
		})
	}
}

func TestImport_HeaderOnlyCompletesEmpty(t *testing.T) {
	e := newTestEngine(t, nil, Options{})
	job, err := e.c.CreateImportJob(context.Background(), EntityAudiobooks, "books.csv", strings.NewReader("title,price\n\n  ,  \n"))
	if err != nil {
		t.Fatalf("CreateImportJob: %v", err)
	}
	got := waitTerminal(t, e.c, job.ID)
	if got.Status != StatusCompleted || got.TotalRows != 0 || got.ProcessedRows != 0 {
		t.Errorf("job = %+v, want completed with no rows", got)
	}
}

func TestImport_HeaderOnlyMissingColumnsFails(t *testing.T) {
	e := newTestEngine(t, nil, Options{})
	job, err := e.c.CreateImportJob(context.Background(), EntityAudiobooks, "books.csv", strings.NewReader("foo,bar\n"))
	if err != nil {
		t.Fatalf("CreateImportJob: %v", err)
	}
	got := waitTerminal(t, e.c, job.ID)
	if got.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.Error, "missing required column: title, price") {
		t.Errorf("error = %q", got.Error)
	}
}

func TestImport_ErrorRowsMatchFileRows(t *testing.T) {
	e := newTestEngine(t, nil, Options{})
	csv := "title,price,status\n\nBook 1,1,draft\n , , \nBroken,not-a-price,draft\n"
	job, err := e.c.CreateImportJob(context.Background(), EntityAudiobooks, "books.csv", strings.NewReader(csv))
	if err != nil {
		t.Fatalf("CreateImportJob: %v", err)
	}
	got := waitTerminal(t, e.c, job.ID)
	if got.TotalRows != 2 || got.SuccessfulRows != 1 || got.FailedRows != 1 {
		t.Fatalf("counters = total %d ok %d failed %d", got.TotalRows, got.SuccessfulRows, got.FailedRows)
	}
	if len(got.Errors) != 1 || got.Errors[0].Row != 4 {
		t.Errorf("errors = %+v, want one error on row 4", got.Errors)
	}
}

func TestImport_RecordsSpan(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	e := newTestEngine(t, nil, Options{Tracer: sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))})

	job, err := e.c.CreateImportJob(context.Background(), EntityAudiobooks, "books.csv", strings.NewReader(bookCSV(3, nil)))
	if err != nil {
		t.Fatalf("CreateImportJob: %v", err)
	}
	waitTerminal(t, e.c, job.ID)
	// The span ends after the final save; Close waits for the worker.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "job.import" {
		t.Fatalf("spans = %v, want one job.import span", spans)
	}
	attrs := make(map[string]string)
	for _, kv := range spans[0].Attributes {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["job.id"] != job.ID || attrs["job.total_rows"] != "3" {
		t.Errorf("attributes = %v", attrs)
	}
}

func TestImport_CancelMidRun(t *testing.T) {
	gate := newGatedWriter(nil, 100)
	e := newTestEngine(t, gate, Options{})
	gate.next = e.entities
	ctx := context.Background()

	job, err := e.c.CreateImportJob(ctx, EntityAudiobooks, "books.csv", strings.NewReader(bookCSV(1000, nil)))
	if err != nil {
		t.Fatalf("CreateImportJob: %v", err)
	}

	select {
	case <-gate.reached:
	case <-time.After(10 * time.Second):
		t.Fatal("import never reached row 100")
	}

	cancelled, err := e.c.Cancel(ctx, job.ID)
	if err != nil || !cancelled {
		t.Fatalf("Cancel = %v, %v; want true", cancelled, err)
	}
	again, err := e.c.Cancel(ctx, job.ID)
	if err != nil || again {
		t.Errorf("second Cancel = %v, %v; want false", again, err)
	}
	close(gate.release)

	got := waitTerminal(t, e.c, job.ID)
	if got.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if got.ProcessedRows != 100 || got.SuccessfulRows != 100 {
		t.Errorf("processed = %d, want 100 (the row in flight finishes)", got.ProcessedRows)
	}
	if got.TotalRows != 1000 {
		t.Errorf("total = %d, want 1000", got.TotalRows)
	}
	if n := e.entities.Len(EntityAudiobooks); n != 100 {
		t.Errorf("stored rows = %d, want 100 (cancel is not a rollback)", n)
	}

	time.Sleep(20 * time.Millisecond)
	after, _ := e.c.Get(ctx, job.ID)
	if after.ProcessedRows != got.ProcessedRows || !after.UpdatedAt.Equal(got.UpdatedAt) {
		t.Error("job changed after cancellation was observed")
	}
	if ok, _ := e.c.Cancel(ctx, job.ID); ok {
		t.Error("Cancel on a cancelled job should be a no-op")
	}
}

// finishingRegistry completes the job inside Request, as a worker would
// if it finished between Cancel's status read and its request.
type finishingRegistry struct {
	*MemoryCancelRegistry
	finish func()
}

func (r *finishingRegistry) Request(ctx context.Context, id string) (bool, error) {
	r.finish()
	return r.MemoryCancelRegistry.Request(ctx, id)
}

// seedJob stores an import job and moves it to status.
func seedJob(t *testing.T, store JobStore, id string, status JobStatus) *JobHandle {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	job := &Job{
		ID:         id,
		Kind:       KindImport,
		EntityType: EntityAudiobooks,
		Status:     StatusPending,
		Format:     codec.FormatCSV,
		FileName:   "books.csv",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	h := newJobHandle(store, job, func() time.Time { return now })
	if status == StatusPending {
		return h
	}
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	var err error
	switch status {
	case StatusCompleted:
		err = h.Complete(ctx, nil)
	case StatusFailed:
		err = h.Fail(ctx, "boom")
	}
	if err != nil {
		t.Fatalf("finish %s: %v", status, err)
	}
	return h
}

func TestCancel_JobFinishesDuringRequest(t *testing.T) {
	registerFixtures(t)
	ctx := context.Background()
	jobs := NewMemoryJobStore(5)
	entities := NewMemoryEntityStore()
	registry := &finishingRegistry{MemoryCancelRegistry: NewMemoryCancelRegistry()}

	c, err := NewCoordinator(Deps{
		Jobs:      jobs,
		Writer:    entities,
		Source:    entities,
		Artifacts: newMemArtifacts(),
		Cancels:   registry,
	}, Options{SpoolDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	h := seedJob(t, jobs, "job-racing", StatusRunning)
	registry.finish = func() {
		if err := h.Complete(ctx, nil); err != nil {
			t.Errorf("Complete: %v", err)
		}
	}

	placed, err := c.Cancel(ctx, "job-racing")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if placed {
		t.Error("Cancel reported a request for a job that had already completed")
	}
	if requested, _ := registry.Requested(ctx, "job-racing"); requested {
		t.Error("cancellation flag left behind for a finished job")
	}
}

func TestCoordinator_ReconcileFailsOrphanedJobs(t *testing.T) {
	e := newTestEngine(t, nil, Options{})
	ctx := context.Background()

	seedJob(t, e.jobs, "job-pending", StatusPending)
	seedJob(t, e.jobs, "job-running", StatusRunning)
	seedJob(t, e.jobs, "job-done", StatusCompleted)
	if _, err := e.c.deps.Cancels.Request(ctx, "job-running"); err != nil {
		t.Fatalf("Request: %v", err)
	}

	n, err := e.c.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if n != 2 {
		t.Errorf("reconciled %d jobs, want 2", n)
	}

	tests := []struct {
		id        string
		want      JobStatus
		wantError string
	}{
		{"job-pending", StatusFailed, MsgInterrupted},
		{"job-running", StatusFailed, MsgInterrupted},
		{"job-done", StatusCompleted, ""},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			got, err := e.c.Get(ctx, tt.id)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Status != tt.want || got.Error != tt.wantError {
				t.Errorf("job = %s %q, want %s %q", got.Status, got.Error, tt.want, tt.wantError)
			}
		})
	}

	if requested, _ := e.c.deps.Cancels.Requested(ctx, "job-running"); requested {
		t.Error("cancellation flag should be cleared for a reconciled job")
	}
	if n, _ := e.c.Reconcile(ctx); n != 0 {
		t.Errorf("second Reconcile failed %d jobs, want 0", n)
	}
}

func TestImport_StoreOutageFailsJob(t *testing.T) {
	writer := &alwaysWriter{err: errTransient}
	e := newTestEngine(t, writer, Options{Write: fastPolicy(2, 3)})

	job, err := e.c.CreateImportJob(context.Background(), EntityAudiobooks, "books.csv", strings.NewReader(bookCSV(50, nil)))
	if err != nil {
		t.Fatalf("CreateImportJob: %v", err)
	}

	got := waitTerminal(t, e.c, job.ID)
	if got.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.HasPrefix(got.Error, "storage unavailable") {
		t.Errorf("error = %q, want storage unavailable", got.Error)
	}
	if got.ProcessedRows >= got.TotalRows {
		t.Errorf("processed = %d of %d; the run should stop early", got.ProcessedRows, got.TotalRows)
	}
	if len(got.Errors) != got.FailedRows {
		t.Errorf("errors = %d, failed rows = %d", len(got.Errors), got.FailedRows)
	}
}

func TestImport_RepeatedStorageErrorFlagsJob(t *testing.T) {
	writer := &alwaysWriter{err: errConstraint}
	e := newTestEngine(t, writer, Options{EscalateAfter: 3})

	job, err := e.c.CreateImportJob(context.Background(), EntityAudiobooks, "books.csv", strings.NewReader(bookCSV(5, nil)))
	if err != nil {
		t.Fatalf("CreateImportJob: %v", err)
	}

	got := waitTerminal(t, e.c, job.ID)
	if got.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed (row failures are not fatal)", got.Status)
	}
	if got.FailedRows != 5 || got.SuccessfulRows != 0 {
		t.Errorf("counters = ok %d failed %d, want 0 and 5", got.SuccessfulRows, got.FailedRows)
	}
	if !strings.Contains(got.Attention, "3 consecutive rows") {
		t.Errorf("attention = %q", got.Attention)
	}
	if msg := got.Errors[0].Messages[0]; !strings.Contains(msg, "DB001") {
		t.Errorf("row error = %q, want the mapped storage code", msg)
	}
}

func TestImport_WorkerPanicFailsJob(t *testing.T) {
	e := newTestEngine(t, panicWriter{}, Options{})

	job, err := e.c.CreateImportJob(context.Background(), EntityAudiobooks, "books.csv", strings.NewReader(bookCSV(3, nil)))
	if err != nil {
		t.Fatalf("CreateImportJob: %v", err)
	}
	got := waitTerminal(t, e.c, job.ID)
	if got.Status != StatusFailed || got.Error != "internal error" {
		t.Errorf("job = %s %q, want failed with internal error", got.Status, got.Error)
	}
}

func TestImport_CounterInvariantsWhileRunning(t *testing.T) {
	e := newTestEngine(t, nil, Options{})
	ctx := context.Background()

	csv := bookCSV(400, map[int]bool{3: true, 90: true, 200: true})
	job, err := e.c.CreateImportJob(ctx, EntityAudiobooks, "books.csv", strings.NewReader(csv))
	if err != nil {
		t.Fatalf("CreateImportJob: %v", err)
	}

	lastProcessed := 0
	for {
		j, err := e.c.Get(ctx, job.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if j.ProcessedRows != j.SuccessfulRows+j.FailedRows {
			t.Fatalf("torn counters: %+v", j)
		}
		if j.TotalRows > 0 && j.ProcessedRows > j.TotalRows {
			t.Fatalf("processed %d > total %d", j.ProcessedRows, j.TotalRows)
		}
		if len(j.Errors)+j.RemainingErrors != j.FailedRows {
			t.Fatalf("errors %d + %d != failed %d", len(j.Errors), j.RemainingErrors, j.FailedRows)
		}
		if j.ProcessedRows < lastProcessed {
			t.Fatalf("progress went backwards: %d -> %d", lastProcessed, j.ProcessedRows)
		}
		lastProcessed = j.ProcessedRows
		if j.Status.Terminal() {
			break
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCreateImportJob_Rejections(t *testing.T) {
	e := newTestEngine(t, nil, Options{MaxFileSize: 64})
	ctx := context.Background()

	tests := []struct {
		name     string
		entity   EntityType
		fileName string
		body     string
		wantErr  error
	}{
		{name: "unknown entity", entity: "songs", fileName: "a.csv", body: "x", wantErr: ErrUnknownEntity},
		{name: "export only", entity: EntityAnalytics, fileName: "a.csv", body: "x", wantErr: ErrImportNotSupported},
		{name: "unsupported format", entity: EntityAudiobooks, fileName: "a.pdf", body: "x", wantErr: codec.ErrUnsupportedFormat},
		{name: "no extension", entity: EntityAudiobooks, fileName: "upload", body: "x", wantErr: codec.ErrUnsupportedFormat},
		{name: "too large", entity: EntityAudiobooks, fileName: "a.csv", body: strings.Repeat("x", 65), wantErr: ErrFileTooLarge},
		{name: "empty", entity: EntityAudiobooks, fileName: "a.csv", body: "", wantErr: ErrEmptyUpload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.c.CreateImportJob(ctx, tt.entity, tt.fileName, strings.NewReader(tt.body))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}

	jobs, _ := e.c.List(ctx, JobFilter{})
	if len(jobs) != 0 {
		t.Errorf("rejected uploads created %d jobs", len(jobs))
	}
}

// ----------------------------------------------------------------------------
// Export
// ----------------------------------------------------------------------------

func seedBooks(t *testing.T, e *testEngine, n int) {
	t.Helper()
	def, _ := Lookup(EntityAudiobooks)
	for i := 1; i <= n; i++ {
		rec := Record{
			"title":            fmt.Sprintf("Book %d, \"annotated\"", i),
			"price":            float64(i) + 0.25,
			"status":           "published",
			"published_at":     time.Date(2024, 1, i%28+1, 0, 0, 0, 0, time.UTC),
			"is_free":          i%2 == 0,
			"duration_seconds": int64(i * 60),
		}
		if i%5 == 0 {
			rec["status"] = nil
		}
		if err := e.entities.Seed(def, rec); err != nil {
			t.Fatalf("Seed: %v", err)
		}
	}
}

func TestExport_CompleteAndReimportable(t *testing.T) {
	const n = 37

	for _, format := range codec.Formats() {
		t.Run(string(format), func(t *testing.T) {
			e := newTestEngine(t, nil, Options{ProgressInterval: 10})
			seedBooks(t, e, n)
			ctx := context.Background()

			job, err := e.c.CreateExportJob(ctx, EntityAudiobooks, format)
			if err != nil {
				t.Fatalf("CreateExportJob: %v", err)
			}
			got := waitTerminal(t, e.c, job.ID)
			if got.Status != StatusCompleted {
				t.Fatalf("status = %s (%s), want completed", got.Status, got.Error)
			}
			if got.TotalRows != n || got.ProcessedRows != n || got.SuccessfulRows != n {
				t.Errorf("counters = %d/%d/%d, want %d", got.TotalRows, got.ProcessedRows, got.SuccessfulRows, n)
			}
			if !strings.HasPrefix(got.ArtifactPath, "exports/audiobooks/"+job.ID) ||
				!strings.HasSuffix(got.ArtifactPath, format.Extension()) {
				t.Errorf("artifact path = %q", got.ArtifactPath)
			}
			want := e.clock.Now().Add(DefaultRetention)
			if got.ExpiresAt == nil || !got.ExpiresAt.Equal(want) {
				t.Errorf("expiresAt = %v, want %v", got.ExpiresAt, want)
			}

			data, ok := e.artifacts.get(got.ArtifactPath)
			if !ok {
				t.Fatal("artifact not stored")
			}
			if int64(len(data)) != got.ArtifactSizeBytes {
				t.Errorf("size = %d, recorded %d", len(data), got.ArtifactSizeBytes)
			}
			table, err := codec.Decode(format, bytes.NewReader(data))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if len(table.Rows) != n {
				t.Errorf("artifact rows = %d, want %d", len(table.Rows), n)
			}

			// Re-import into an empty engine yields the same records.
			other := newTestEngine(t, nil, Options{})
			imp, err := other.c.CreateImportJob(ctx, EntityAudiobooks, "roundtrip"+format.Extension(), bytes.NewReader(data))
			if err != nil {
				t.Fatalf("CreateImportJob: %v", err)
			}
			back := waitTerminal(t, other.c, imp.ID)
			if back.Status != StatusCompleted || back.SuccessfulRows != n || back.FailedRows != 0 {
				t.Fatalf("re-import = %s ok %d failed %d errors %+v", back.Status, back.SuccessfulRows, back.FailedRows, back.Errors)
			}
			if other.entities.Len(EntityAudiobooks) != n {
				t.Errorf("re-imported rows = %d, want %d", other.entities.Len(EntityAudiobooks), n)
			}
		})
	}
}

func TestExport_EmptyCollection(t *testing.T) {
	e := newTestEngine(t, nil, Options{})

	job, err := e.c.CreateExportJob(context.Background(), EntityAnalytics, codec.FormatCSV)
	if err != nil {
		t.Fatalf("CreateExportJob: %v", err)
	}
	got := waitTerminal(t, e.c, job.ID)
	if got.Status != StatusCompleted || got.TotalRows != 0 {
		t.Fatalf("job = %+v, want completed with 0 rows", got)
	}
	data, _ := e.artifacts.get(got.ArtifactPath)
	if string(data) != "day,audiobook_id,plays\n" {
		t.Errorf("artifact = %q, want the header only", data)
	}
}

// failingSource fails after yielding some rows.
type failingSource struct{}

func (failingSource) Scan(_ context.Context, _ EntityDefinition, begin func(int) error, row func([]any) error) error {
	if err := begin(10); err != nil {
		return err
	}
	for i := 0; i < 3; i++ {
		if err := row([]any{nil, "Book", 1.0, nil, nil, nil, nil}); err != nil {
			return err
		}
	}
	return errors.New("connection reset by peer")
}

func TestExport_QueryFailureLeavesNoArtifact(t *testing.T) {
	registerFixtures(t)
	artifacts := newMemArtifacts()
	jobs := NewMemoryJobStore(20)
	c, err := NewCoordinator(Deps{
		Jobs:      jobs,
		Writer:    NewMemoryEntityStore(),
		Source:    failingSource{},
		Artifacts: artifacts,
	}, Options{SpoolDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	defer c.Close(context.Background())

	job, err := c.CreateExportJob(context.Background(), EntityAudiobooks, codec.FormatCSV)
	if err != nil {
		t.Fatalf("CreateExportJob: %v", err)
	}
	got := waitTerminal(t, c, job.ID)
	if got.Status != StatusFailed || !strings.Contains(got.Error, "connection reset") {
		t.Errorf("job = %s %q, want failed with the query error", got.Status, got.Error)
	}
	if got.ArtifactPath != "" || artifacts.count() != 0 {
		t.Error("failed export left an artifact")
	}
	if url, ok, _ := c.DownloadURL(context.Background(), job.ID); ok || url != "" {
		t.Error("failed export should have no download URL")
	}
}

func TestExport_RejectsUnknownEntityAndFormat(t *testing.T) {
	e := newTestEngine(t, nil, Options{})
	ctx := context.Background()

	if _, err := e.c.CreateExportJob(ctx, "songs", codec.FormatCSV); !errors.Is(err, ErrUnknownEntity) {
		t.Errorf("unknown entity err = %v", err)
	}
	if _, err := e.c.CreateExportJob(ctx, EntityAudiobooks, codec.Format("pdf")); !errors.Is(err, codec.ErrUnsupportedFormat) {
		t.Errorf("bad format err = %v", err)
	}
}

func TestExport_NotCancellable(t *testing.T) {
	e := newTestEngine(t, nil, Options{})
	seedBooks(t, e, 5)
	ctx := context.Background()

	job, err := e.c.CreateExportJob(ctx, EntityAudiobooks, codec.FormatCSV)
	if err != nil {
		t.Fatalf("CreateExportJob: %v", err)
	}
	if ok, err := e.c.Cancel(ctx, job.ID); ok || err != nil {
		t.Errorf("Cancel(export) = %v, %v; want false, nil", ok, err)
	}
	if got := waitTerminal(t, e.c, job.ID); got.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func TestDownloadURL_Expiry(t *testing.T) {
	e := newTestEngine(t, nil, Options{Retention: 2 * time.Hour})
	seedBooks(t, e, 3)
	ctx := context.Background()

	job, _ := e.c.CreateExportJob(ctx, EntityAudiobooks, codec.FormatCSV)
	got := waitTerminal(t, e.c, job.ID)

	url, ok, err := e.c.DownloadURL(ctx, job.ID)
	if err != nil || !ok || url != "mem://"+got.ArtifactPath {
		t.Fatalf("DownloadURL = %q, %v, %v", url, ok, err)
	}

	e.clock.Advance(2 * time.Hour)

	url, ok, err = e.c.DownloadURL(ctx, job.ID)
	if err != nil || ok || url != "" {
		t.Errorf("DownloadURL after expiry = %q, %v, %v; want none", url, ok, err)
	}
	if j, _ := e.c.Get(ctx, job.ID); j.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", j.Status)
	}

	swept, err := e.c.Sweep(ctx)
	if err != nil || swept != 1 {
		t.Fatalf("Sweep = %d, %v; want 1", swept, err)
	}
	if _, ok := e.artifacts.get(got.ArtifactPath); ok {
		t.Error("sweep left the artifact")
	}
	j, _ := e.c.Get(ctx, job.ID)
	if !j.ArtifactExpired || j.Status != StatusCompleted {
		t.Errorf("after sweep = %+v", j)
	}
	if swept, _ := e.c.Sweep(ctx); swept != 0 {
		t.Errorf("second sweep = %d, want 0", swept)
	}
}

func TestDownloadURL_ImportAndUnknown(t *testing.T) {
	e := newTestEngine(t, nil, Options{})
	ctx := context.Background()

	job, _ := e.c.CreateImportJob(ctx, EntityAudiobooks, "b.csv", strings.NewReader(bookCSV(2, nil)))
	waitTerminal(t, e.c, job.ID)
	if _, ok, err := e.c.DownloadURL(ctx, job.ID); ok || err != nil {
		t.Errorf("DownloadURL(import) = %v, %v", ok, err)
	}
	if _, _, err := e.c.DownloadURL(ctx, "nope"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("DownloadURL(unknown) err = %v", err)
	}
}

// ----------------------------------------------------------------------------
// Scheduling and shutdown
// ----------------------------------------------------------------------------

func TestCoordinator_ConcurrencyCapKeepsJobsPending(t *testing.T) {
	gate := newGatedWriter(nil, 1)
	e := newTestEngine(t, gate, Options{MaxConcurrent: 1})
	gate.next = e.entities
	ctx := context.Background()

	first, _ := e.c.CreateImportJob(ctx, EntityAudiobooks, "a.csv", strings.NewReader(bookCSV(2, nil)))
	<-gate.reached
	second, _ := e.c.CreateImportJob(ctx, EntityAudiobooks, "b.csv", strings.NewReader(bookCSV(2, nil)))

	time.Sleep(30 * time.Millisecond)
	if j, _ := e.c.Get(ctx, second.ID); j.Status != StatusPending {
		t.Errorf("second job = %s, want pending while the slot is taken", j.Status)
	}

	close(gate.release)
	for _, id := range []string{first.ID, second.ID} {
		if got := waitTerminal(t, e.c, id); got.Status != StatusCompleted {
			t.Errorf("job %s = %s, want completed", id, got.Status)
		}
	}
}

func TestCoordinator_ShutdownInterruptsRunningJobs(t *testing.T) {
	gate := newGatedWriter(nil, 2)
	e := newTestEngine(t, gate, Options{})
	gate.next = e.entities
	ctx := context.Background()

	job, _ := e.c.CreateImportJob(ctx, EntityAudiobooks, "a.csv", strings.NewReader(bookCSV(5, nil)))
	<-gate.reached

	closeCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := e.c.Close(closeCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close = %v, want deadline exceeded", err)
	}

	got, _ := e.c.Get(ctx, job.ID)
	if got.Status != StatusFailed || got.Error != MsgInterrupted {
		t.Errorf("job = %s %q, want failed: %s", got.Status, got.Error, MsgInterrupted)
	}
	if got.ProcessedRows != 1 {
		t.Errorf("processed = %d, want 1", got.ProcessedRows)
	}

	if _, err := e.c.CreateExportJob(ctx, EntityAudiobooks, codec.FormatCSV); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("create after Close = %v, want ErrShuttingDown", err)
	}
}

func TestCoordinator_CloseWaitsForRunningJobs(t *testing.T) {
	e := newTestEngine(t, nil, Options{})
	seedBooks(t, e, 200)
	ctx := context.Background()

	job, _ := e.c.CreateExportJob(ctx, EntityAudiobooks, codec.FormatJSON)
	if err := e.c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	got, _ := e.c.Get(ctx, job.ID)
	if got.Status != StatusCompleted {
		t.Errorf("status after graceful Close = %s, want completed", got.Status)
	}
}

func TestCoordinator_RequiresDeps(t *testing.T) {
	if _, err := NewCoordinator(Deps{}, Options{}); err == nil {
		t.Error("NewCoordinator without deps should fail")
	}
}
