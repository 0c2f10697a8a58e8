// Package core is the bulk import/export job engine.
//
// The engine turns long-running transfers of entity collections into jobs
// with a tracked lifecycle. It knows nothing about HTTP or a particular
// database: storage, artifacts and cancellation are reached through the
// interfaces in ports.go, and cmd/server wires concrete implementations.
//
// # Jobs
//
// A [Job] moves through
//
//	pending -> running -> completed | failed | cancelled
//
// and never leaves a terminal state. The [JobStore] holds the authoritative
// record. A worker updates its job only through a [JobHandle], which saves a
// complete new snapshot on every change so readers never see counters
// half-updated. Counters always satisfy processed = successful + failed and
// processed <= total. After a restart, [Coordinator.Reconcile] fails the
// jobs a previous process left unfinished.
//
// # Entities
//
// Entity types are registered at init time with [Register]:
//
//	core.Register(core.EntityDefinition{
//	    Type:       core.EntityCategories,
//	    Key:        []string{"slug"},
//	    Importable: true,
//	    Fields: []core.FieldSpec{
//	        {Name: "slug", Type: core.FieldText, Required: true, Rules: "slug"},
//	        {Name: "name", Type: core.FieldText, Required: true},
//	    },
//	})
//
// # Imports
//
// An import parses the whole upload first; a structurally broken file fails
// the job before any row is written. Each row is then validated and written
// on its own. Row failures are recorded and the run continues. Transient
// storage failures are retried with backoff; a run of them trips a circuit
// breaker and fails the job as storage unavailable. Cancellation is checked
// between rows.
//
// # Exports
//
// An export streams the collection into a scratch file, stores it as an
// artifact and records when it expires. The sweeper deletes expired
// artifacts and marks their jobs.
//
// # Error Handling
//
// Technical errors are mapped to user-facing messages with [MapError]. Each
// category has a code for support reference:
//
//   - DB001-DB009: Storage errors (duplicates, constraints, outages)
//   - VAL001-VAL007: Validation errors (formats, missing columns)
//   - FILE001-FILE005: File errors (size, structure, format)
//   - JOB001-JOB006: Job errors (not found, finalized, shutdown)
//   - EXP001-EXP002: Export errors (download, artifact)
package core
