package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"openalexetl/internal/warehouse"
)

// Repo implements warehouse.Repository for SQLite.
//
// SQLite supports the same upsert clause shape as Postgres
// (ON CONFLICT (...) DO UPDATE SET col = excluded.col / DO NOTHING), so the
// semantics match the Postgres backend exactly. The conflict target must be
// backed by a PRIMARY KEY or UNIQUE constraint in the schema.
//
// SQLite has no schemas, so a dotted destination like openalex.works is
// quoted as one flat table name: the dev schema creates tables named
// "openalex.works" literally, and no ATTACH is needed.
//
// This backend is primarily used for local development and tests; the pure-Go
// driver needs no cgo or server.
type Repo struct {
	db *sql.DB
}

func init() {
	warehouse.Register("sqlite", New)
}

func New(ctx context.Context, cfg warehouse.Config) (warehouse.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

func (r *Repo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// SQLite's default variable limit is 32766 (999 on very old builds); stay
// below the modern limit.
const maxParams = 30000

// LoadBatch writes every non-empty table of the batch inside one transaction.
func (r *Repo) LoadBatch(ctx context.Context, tables []warehouse.TableSpec, batch warehouse.Batch) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	for _, spec := range tables {
		rows := batch[spec.Name]
		if len(rows) == 0 {
			continue
		}
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
			q, args := buildUpsertSQL(spec, rows[start:end])
			if _, err := tx.ExecContext(ctx, q, args...); err != nil {
				return fmt.Errorf("sqlite: load %s: %w", spec.Name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// buildUpsertSQL constructs a multi-row upsert with "?" placeholders.
// Pure and deterministic for unit testing without a database.
func buildUpsertSQL(spec warehouse.TableSpec, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlIdent(spec.Name))
	b.WriteString(" (")

	for i, c := range spec.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(spec.Columns))
	rowPH := "(" + strings.TrimRight(strings.Repeat("?, ", len(spec.Columns)), ", ") + ")"
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(rowPH)
		args = append(args, row...)
	}

	b.WriteString(" ON CONFLICT (")
	for i, c := range spec.ConflictColumns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(c))
	}
	b.WriteString(")")

	switch spec.OnConflict {
	case warehouse.ConflictOverwrite:
		b.WriteString(" DO UPDATE SET ")
		for i, c := range spec.NonKeyColumns() {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(sqlIdent(c))
			b.WriteString(" = excluded.")
			b.WriteString(sqlIdent(c))
		}
	default:
		b.WriteString(" DO NOTHING")
	}

	b.WriteString(";")
	return b.String(), args
}

// sqlIdent quotes one identifier. A dotted table name is quoted whole, so it
// never parses as <attached-db>.<table>.
func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}
