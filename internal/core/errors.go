package core

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when no job has the requested id.
	ErrJobNotFound = errors.New("job not found")

	// ErrUnknownEntity is returned for an entity type that is not registered.
	ErrUnknownEntity = errors.New("unknown entity type")

	// ErrImportNotSupported is returned when importing an export-only entity.
	ErrImportNotSupported = errors.New("import not supported for entity type")

	// ErrJobFinalized is returned when a write targets a job in a terminal state.
	ErrJobFinalized = errors.New("job already finalized")

	// ErrStoreUnavailable marks the entity store as unreachable for the rest
	// of an import run.
	ErrStoreUnavailable = errors.New("storage unavailable")

	// ErrShuttingDown is returned when a job is submitted during shutdown.
	ErrShuttingDown = errors.New("job engine is shutting down")

	// ErrFileTooLarge is returned when an upload exceeds the configured limit.
	ErrFileTooLarge = errors.New("file too large")

	// ErrEmptyUpload is returned when an import is created without content.
	ErrEmptyUpload = errors.New("empty file")
)

// StorageClass groups write failures by how the import should react.
type StorageClass string

const (
	// StorageConstraint covers duplicate keys and invalid references.
	StorageConstraint StorageClass = "constraint"
	// StorageTransient covers outages that may clear on retry.
	StorageTransient StorageClass = "transient"
	// StoragePermission covers denied writes; never retried.
	StoragePermission StorageClass = "permission"
	// StorageUnknown is anything else; treated as a row failure.
	StorageUnknown StorageClass = "unknown"
)

// StorageError is a classified entity write failure.
type StorageError struct {
	Class StorageClass
	Err   error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s storage error: %v", e.Class, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps err with a class.
func NewStorageError(class StorageClass, err error) *StorageError {
	return &StorageError{Class: class, Err: err}
}

// StorageClassOf returns the class of a write error. Unclassified errors
// are StorageUnknown.
func StorageClassOf(err error) StorageClass {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Class
	}
	return StorageUnknown
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return err != nil && StorageClassOf(err) == StorageTransient
}
