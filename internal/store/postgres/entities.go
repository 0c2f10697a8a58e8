package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/idost/parasto-jobs/internal/core"
)

// EntityStore reads entity collections for export and applies imported
// records as upserts.
type EntityStore struct {
	pool *pgxpool.Pool
}

var (
	_ core.EntityWriter = (*EntityStore)(nil)
	_ core.EntitySource = (*EntityStore)(nil)
)

// NewEntityStore creates an entity store on pool.
func NewEntityStore(pool *pgxpool.Pool) *EntityStore {
	return &EntityStore{pool: pool}
}

// Write upserts rec by the definition's key in a single statement. Columns
// absent from rec keep their stored values on update.
func (s *EntityStore) Write(ctx context.Context, def core.EntityDefinition, rec core.Record) error {
	sql, args, err := upsertStatement(def, rec)
	if err != nil {
		return core.NewStorageError(core.StorageConstraint, err)
	}
	if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
		return storageError(err)
	}
	return nil
}

// Scan reads every record of def inside one repeatable-read, read-only
// transaction, so the count handed to begin matches the rows that follow.
func (s *EntityStore) Scan(ctx context.Context, def core.EntityDefinition, begin func(total int) error, row func(values []any) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return fmt.Errorf("begin export snapshot: %w", err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	table := pgx.Identifier{def.Table}.Sanitize()

	var total int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM `+table).Scan(&total); err != nil {
		return fmt.Errorf("count %s: %w", def.Table, err)
	}
	if err := begin(total); err != nil {
		return err
	}

	rows, err := tx.Query(ctx, selectStatement(def))
	if err != nil {
		return fmt.Errorf("query %s: %w", def.Table, err)
	}
	defer rows.Close()

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return fmt.Errorf("read %s row: %w", def.Table, err)
		}
		if err := row(values); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read %s: %w", def.Table, err)
	}
	return tx.Commit(ctx)
}

// upsertStatement builds INSERT ... ON CONFLICT for the columns present in
// rec, in definition order. A missing generated key gets a fresh UUID.
func upsertStatement(def core.EntityDefinition, rec core.Record) (string, []any, error) {
	var (
		cols, params, updates []string
		args                  []any
	)
	isKey := make(map[string]bool, len(def.Key))
	for _, k := range def.Key {
		isKey[k] = true
	}

	for _, f := range def.Fields {
		v, ok := rec[f.Name]
		if isKey[f.Name] && (!ok || v == nil) {
			if !f.Generated {
				return "", nil, fmt.Errorf("null value in key column %q", f.Name)
			}
			v, ok = uuid.NewString(), true
		}
		if !ok {
			continue
		}

		arg, err := toParam(f, v)
		if err != nil {
			return "", nil, err
		}
		args = append(args, arg)
		ident := pgx.Identifier{f.Name}.Sanitize()
		cols = append(cols, ident)
		params = append(params, fmt.Sprintf("$%d", len(args)))
		if !isKey[f.Name] {
			updates = append(updates, ident+" = EXCLUDED."+ident)
		}
	}

	keys := make([]string, len(def.Key))
	for i, k := range def.Key {
		keys[i] = pgx.Identifier{k}.Sanitize()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) ",
		pgx.Identifier{def.Table}.Sanitize(),
		strings.Join(cols, ", "),
		strings.Join(params, ", "),
		strings.Join(keys, ", "),
	)
	if len(updates) == 0 {
		b.WriteString("DO NOTHING")
	} else {
		b.WriteString("DO UPDATE SET " + strings.Join(updates, ", ") + ", updated_at = now()")
	}
	return b.String(), args, nil
}

// toParam converts a validated record value for pgx.
func toParam(f core.FieldSpec, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if f.Type != core.FieldUUID {
		return v, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("column %q: expected uuid string, got %T", f.Name, v)
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("column %q: %w", f.Name, err)
	}
	return pgtype.UUID{Bytes: u, Valid: true}, nil
}

// selectStatement lists def's columns cast to the types the export codecs
// accept: text, bigint, float8, boolean, date and timestamptz.
func selectStatement(def core.EntityDefinition) string {
	cols := make([]string, len(def.Fields))
	for i, f := range def.Fields {
		ident := pgx.Identifier{f.Name}.Sanitize()
		switch f.Type {
		case core.FieldUUID, core.FieldEnum, core.FieldText:
			cols[i] = ident + "::text"
		case core.FieldInt:
			cols[i] = ident + "::bigint"
		case core.FieldNumeric:
			cols[i] = ident + "::float8"
		case core.FieldTimestamp:
			cols[i] = ident + "::timestamptz"
		default:
			cols[i] = ident
		}
	}
	return fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
		strings.Join(cols, ", "),
		pgx.Identifier{def.Table}.Sanitize(),
		def.OrderBy,
	)
}

func pgUUID(id string) pgtype.UUID {
	u, err := uuid.Parse(id)
	if err != nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: u, Valid: true}
}
