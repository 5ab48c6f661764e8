package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"openalexetl/internal/warehouse"
)

// Repo implements warehouse.Repository for Microsoft SQL Server.
//
// SQL Server has no ON CONFLICT clause, so the two policies map to:
//   - overwrite: UPDATE by key; if no row was affected, INSERT ... WHERE NOT
//     EXISTS (the NOT EXISTS guard keeps the statement safe under concurrent
//     replays of the same file)
//   - ignore:    INSERT ... SELECT ... WHERE NOT EXISTS
//
// Rows are written one statement at a time inside the flush transaction.
// MERGE was considered and rejected: its well-known race and HOLDLOCK
// requirements buy nothing here since the pipeline is single-writer per file.
type Repo struct {
	db *sql.DB
}

func init() {
	warehouse.Register("mssql", New)
}

func New(ctx context.Context, cfg warehouse.Config) (warehouse.Repository, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
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

// LoadBatch writes every non-empty table of the batch inside one transaction.
func (r *Repo) LoadBatch(ctx context.Context, tables []warehouse.TableSpec, batch warehouse.Batch) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mssql: begin: %w", err)
	}
	defer tx.Rollback()

	for _, spec := range tables {
		rows := batch[spec.Name]
		if len(rows) == 0 {
			continue
		}
		if err := insertTableTx(ctx, tx, spec, rows); err != nil {
			return fmt.Errorf("mssql: load %s: %w", spec.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mssql: commit: %w", err)
	}
	return nil
}

func insertTableTx(ctx context.Context, tx *sql.Tx, spec warehouse.TableSpec, rows [][]any) error {
	switch spec.OnConflict {
	case warehouse.ConflictOverwrite:
		updateSQL := buildUpdateSQL(spec)
		insertSQL := buildInsertNotExistsSQL(spec)
		keyIdx := spec.KeyIndices()

		for _, row := range rows {
			res, err := tx.ExecContext(ctx, updateSQL, updateArgs(spec, keyIdx, row)...)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n > 0 {
				continue
			}
			if _, err := tx.ExecContext(ctx, insertSQL, insertArgs(spec, keyIdx, row)...); err != nil {
				return err
			}
		}
		return nil

	default:
		insertSQL := buildInsertNotExistsSQL(spec)
		keyIdx := spec.KeyIndices()
		for _, row := range rows {
			if _, err := tx.ExecContext(ctx, insertSQL, insertArgs(spec, keyIdx, row)...); err != nil {
				return err
			}
		}
		return nil
	}
}

// buildUpdateSQL renders "UPDATE t SET nk1=@p1, ... WHERE k1=@pN AND ...".
// Pure for unit testing.
func buildUpdateSQL(spec warehouse.TableSpec) string {
	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(spec.Name)
	b.WriteString(" SET ")

	p := 1
	for i, c := range spec.NonKeyColumns() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(msIdent(c))
		fmt.Fprintf(&b, " = @p%d", p)
		p++
	}

	b.WriteString(" WHERE ")
	for i, c := range spec.ConflictColumns {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString(msIdent(c))
		fmt.Fprintf(&b, " = @p%d", p)
		p++
	}
	b.WriteString(";")
	return b.String()
}

// buildInsertNotExistsSQL renders a single-row guarded insert:
//
//	INSERT INTO t (cols...) SELECT @p1, ... WHERE NOT EXISTS
//	  (SELECT 1 FROM t WHERE k1 = @pN AND ...)
func buildInsertNotExistsSQL(spec warehouse.TableSpec) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(spec.Name)
	b.WriteString(" (")
	for i, c := range spec.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(msIdent(c))
	}
	b.WriteString(") SELECT ")

	p := 1
	for i := range spec.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "@p%d", p)
		p++
	}

	b.WriteString(" WHERE NOT EXISTS (SELECT 1 FROM ")
	b.WriteString(spec.Name)
	b.WriteString(" WHERE ")
	for i, c := range spec.ConflictColumns {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString(msIdent(c))
		fmt.Fprintf(&b, " = @p%d", p)
		p++
	}
	b.WriteString(");")
	return b.String()
}

// updateArgs orders values to match buildUpdateSQL: non-key columns first,
// then the key columns.
func updateArgs(spec warehouse.TableSpec, keyIdx []int, row []any) []any {
	key := make(map[int]bool, len(keyIdx))
	for _, i := range keyIdx {
		key[i] = true
	}
	out := make([]any, 0, len(row))
	for i := range spec.Columns {
		if !key[i] {
			out = append(out, row[i])
		}
	}
	for _, i := range keyIdx {
		out = append(out, row[i])
	}
	return out
}

// insertArgs orders values to match buildInsertNotExistsSQL: all columns in
// declared order, then the key columns again for the NOT EXISTS probe.
func insertArgs(spec warehouse.TableSpec, keyIdx []int, row []any) []any {
	out := make([]any, 0, len(row)+len(keyIdx))
	out = append(out, row...)
	for _, i := range keyIdx {
		out = append(out, row[i])
	}
	return out
}

func msIdent(id string) string {
	return "[" + strings.ReplaceAll(id, "]", "]]") + "]"
}
