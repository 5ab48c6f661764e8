package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"openalexetl/internal/warehouse"
)

// Repo implements warehouse.Repository for Postgres.
//
// Conflict handling:
//   - overwrite tables use INSERT ... ON CONFLICT (...) DO UPDATE SET
//     col = EXCLUDED.col for every non-key column
//   - ignore tables use INSERT ... ON CONFLICT (...) DO NOTHING
//
// Both make a flush idempotent: replaying the same file after a crash cannot
// duplicate rows or resurrect stale values.
type Repo struct {
	pool *pgxpool.Pool
}

func init() {
	warehouse.Register("postgres", New)
}

// New creates a Postgres-backed Repo.
func New(ctx context.Context, cfg warehouse.Config) (warehouse.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return &Repo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

// Ping verifies pool health. pgxpool re-establishes broken connections on the
// next acquire, so a successful Ping means the following Begin will not fail
// on a stale connection.
func (r *Repo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Parameter budget per statement. Postgres caps bind parameters at 65535; we
// stay well below so generated SQL stays small.
const maxParams = 32000

// LoadBatch writes every non-empty table of the batch inside one transaction.
func (r *Repo) LoadBatch(ctx context.Context, tables []warehouse.TableSpec, batch warehouse.Batch) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, spec := range tables {
		rows := batch[spec.Name]
		if len(rows) == 0 {
			continue
		}
		if err := insertTableTx(ctx, tx, spec, rows); err != nil {
			return fmt.Errorf("postgres: load %s: %w", spec.Name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// insertTableTx inserts one table's rows, chunked to respect maxParams.
func insertTableTx(ctx context.Context, tx pgx.Tx, spec warehouse.TableSpec, rows [][]any) error {
	perRow := len(spec.Columns)
	chunk := maxParams / perRow
	if chunk < 1 {
		chunk = 1
	}

	for start := 0; start < len(rows); start += chunk {
		end := start + chunk
		if end > len(rows) {
			end = len(rows)
		}
		sql, args := buildUpsertSQL(spec, rows[start:end])
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return err
		}
	}
	return nil
}

// buildUpsertSQL constructs a single INSERT statement and its args.
//
// Why this exists:
//   - It is pure and deterministic, so we can unit test correctness
//     (placeholder numbering, the ON CONFLICT clause per policy) without a
//     database.
func buildUpsertSQL(spec warehouse.TableSpec, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(spec.Name)
	b.WriteString(" (")

	for i, c := range spec.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(spec.Columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range spec.Columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	b.WriteString(" ON CONFLICT (")
	for i, c := range spec.ConflictColumns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(")")

	switch spec.OnConflict {
	case warehouse.ConflictOverwrite:
		b.WriteString(" DO UPDATE SET ")
		for i, c := range spec.NonKeyColumns() {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(pgIdent(c))
			b.WriteString(" = EXCLUDED.")
			b.WriteString(pgIdent(c))
		}
	default:
		b.WriteString(" DO NOTHING")
	}

	b.WriteString(";")
	return b.String(), args
}

func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}
