package core

import (
	"context"
	"io"
)

// EntityWriter applies one normalized record as a create-or-update.
// A write either fully applies or has no effect. Failures should be
// *StorageError values so the import can tell outages from bad rows.
type EntityWriter interface {
	Write(ctx context.Context, def EntityDefinition, rec Record) error
}

// EntitySource reads entity collections for export.
type EntitySource interface {
	// Scan reads every record of def from one consistent snapshot. begin is
	// called once with the row count before the first row; row receives
	// values in def.Columns() order.
	Scan(ctx context.Context, def EntityDefinition, begin func(total int) error, row func(values []any) error) error
}

// ArtifactStore persists export files and hands out download URLs.
type ArtifactStore interface {
	// Put stores size bytes from r under key.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error

	// URL returns a time-limited URL for key.
	URL(ctx context.Context, key string) (string, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// CancelRegistry carries cancellation requests from the API to the worker
// that owns a job, possibly in another process.
type CancelRegistry interface {
	// Request flags id for cancellation. It reports false when the flag
	// was already set.
	Request(ctx context.Context, id string) (bool, error)

	// Requested reports whether id has been flagged.
	Requested(ctx context.Context, id string) (bool, error)

	// Clear drops the flag once the job is finished.
	Clear(ctx context.Context, id string) error
}
