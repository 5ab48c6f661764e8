package warehouse

import (
	"context"
	"fmt"
	"sync"
)

// Config is the minimal configuration needed to create a warehouse repository.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// Batch maps a destination table name to the rows pending for it. Row values
// are positional and aligned with the table's TableSpec.Columns.
type Batch map[string][][]any

// Repository is a backend-agnostic interface for transactional multi-table
// upsert loading.
//
// IMPORTANT: This interface is intentionally minimal and focused on what the
// ingestion pipeline needs. Each backend implements these semantics in its own
// idiomatic way (Postgres ON CONFLICT, SQLite upsert clause, SQL Server
// UPDATE + NOT EXISTS).
type Repository interface {
	// Close releases backend resources. Treat as "call once" at shutdown.
	Close()

	// Ping verifies the connection is usable. The loader calls it before each
	// flush so a dropped connection is detected (and, for pooled backends,
	// transparently re-established) ahead of the transaction.
	Ping(ctx context.Context) error

	// LoadBatch writes every non-empty table of the batch in a single
	// transaction: either all rows across all tables become durable, or none
	// do. Conflict handling follows each table's ConflictPolicy, so replaying
	// the same batch is idempotent.
	LoadBatch(ctx context.Context, tables []TableSpec, batch Batch) error
}

// ---- backend factories ----

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a warehouse backend under a kind (e.g. "postgres",
// "sqlite"). Call it from an init() function in a backend package.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered. This is intentional to fail fast and
//     avoid ambiguous backend selection.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("warehouse: Register called with empty kind")
	}
	if f == nil {
		panic("warehouse: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("warehouse: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New constructs a Repository using the registered backend factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("warehouse: missing Kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported warehouse.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}
