package core

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryEntityStore keeps entity records in process memory. It serves as
// both EntityWriter and EntitySource for the in-memory deployment and for
// tests.
type MemoryEntityStore struct {
	mu     sync.RWMutex
	tables map[EntityType]*memoryTable
}

type memoryTable struct {
	order []string
	rows  map[string]Record
}

// NewMemoryEntityStore creates an empty store.
func NewMemoryEntityStore() *MemoryEntityStore {
	return &MemoryEntityStore{tables: make(map[EntityType]*memoryTable)}
}

func (s *MemoryEntityStore) table(t EntityType) *memoryTable {
	tbl, ok := s.tables[t]
	if !ok {
		tbl = &memoryTable{rows: make(map[string]Record)}
		s.tables[t] = tbl
	}
	return tbl
}

// Write upserts rec by the definition's key. Columns missing from rec keep
// their stored values.
func (s *MemoryEntityStore) Write(ctx context.Context, def EntityDefinition, rec Record) error {
	if err := ctx.Err(); err != nil {
		return NewStorageError(StorageTransient, err)
	}

	row := make(Record, len(rec)+1)
	for k, v := range rec {
		row[k] = v
	}
	for _, k := range def.Key {
		if row[k] != nil {
			continue
		}
		f, _ := def.Field(k)
		if !f.Generated {
			return NewStorageError(StorageConstraint, fmt.Errorf("null value in key column %q", k))
		}
		row[k] = uuid.NewString()
	}

	key := recordKey(def, row)

	s.mu.Lock()
	defer s.mu.Unlock()

	tbl := s.table(def.Type)
	if existing, ok := tbl.rows[key]; ok {
		for k, v := range row {
			existing[k] = v
		}
		return nil
	}
	tbl.rows[key] = row
	tbl.order = append(tbl.order, key)
	return nil
}

// Scan yields every stored record of def in insertion order.
func (s *MemoryEntityStore) Scan(ctx context.Context, def EntityDefinition, begin func(total int) error, row func(values []any) error) error {
	cols := def.Columns()

	s.mu.RLock()
	tbl := s.tables[def.Type]
	var snapshot [][]any
	if tbl != nil {
		snapshot = make([][]any, 0, len(tbl.order))
		for _, key := range tbl.order {
			rec := tbl.rows[key]
			values := make([]any, len(cols))
			for i, c := range cols {
				values[i] = rec[c]
			}
			snapshot = append(snapshot, values)
		}
	}
	s.mu.RUnlock()

	if err := begin(len(snapshot)); err != nil {
		return err
	}
	for _, values := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := row(values); err != nil {
			return err
		}
	}
	return nil
}

// Seed inserts records directly, for export-only entities and tests.
func (s *MemoryEntityStore) Seed(def EntityDefinition, recs ...Record) error {
	for _, rec := range recs {
		if err := s.Write(context.Background(), def, rec); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of stored records of type t.
func (s *MemoryEntityStore) Len(t EntityType) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tbl, ok := s.tables[t]; ok {
		return len(tbl.rows)
	}
	return 0
}

// Find returns the record of def whose key columns equal key.
func (s *MemoryEntityStore) Find(def EntityDefinition, key Record) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tbl, ok := s.tables[def.Type]
	if !ok {
		return nil, false
	}
	rec, ok := tbl.rows[recordKey(def, key)]
	if !ok {
		return nil, false
	}
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out, true
}

func recordKey(def EntityDefinition, rec Record) string {
	parts := make([]string, len(def.Key))
	for i, k := range def.Key {
		parts[i] = fmt.Sprint(rec[k])
	}
	return strings.Join(parts, "\x1f")
}
