// Package transform maps decoded source records onto relational rows.
//
// Each entity type registers a decode function and the explicit table set it
// writes to. The decode function owns field mapping only; batching, conflict
// handling and transactions belong to the pipeline and warehouse layers.
package transform

import (
	"fmt"
	"sort"
	"sync"

	"openalexetl/internal/warehouse"
)

// RowSet maps a destination table name to the rows produced from one source
// record. Row values are positional, aligned with the table's
// warehouse.TableSpec.Columns.
type RowSet map[string][][]any

// DecodeFunc converts one decoded JSON object into rows.
//
// Returns:
//   - (rows, nil): the record produced rows
//   - (nil, nil):  skip; the record is intentionally not loaded (tombstones);
//     this is not an error and must not count against any error budget
//   - (nil, err):  decode error; the record is malformed for this entity type
type DecodeFunc func(obj map[string]any) (RowSet, error)

type entry struct {
	decode DecodeFunc
	tables []warehouse.TableSpec
}

var (
	mu       sync.RWMutex
	registry = map[string]entry{}
)

// Register registers an entity type's decoder and table set. Call from an
// init() function in the entity's file.
//
// Panics on empty/duplicate names, nil decoders, or invalid table specs; a
// registry mistake is a programming error that must fail at startup, not
// mid-ingest.
func Register(entity string, fn DecodeFunc, tables []warehouse.TableSpec) {
	mu.Lock()
	defer mu.Unlock()

	if entity == "" {
		panic("transform: Register called with empty entity")
	}
	if fn == nil {
		panic("transform: Register called with nil decode func")
	}
	if len(tables) == 0 {
		panic(fmt.Sprintf("transform: entity %q registered with no tables", entity))
	}
	if _, exists := registry[entity]; exists {
		panic(fmt.Sprintf("transform: entity %q already registered", entity))
	}
	for _, t := range tables {
		if err := t.Validate(); err != nil {
			panic(fmt.Sprintf("transform: entity %q: %v", entity, err))
		}
	}

	registry[entity] = entry{decode: fn, tables: tables}
}

// Decoder returns the decode function for an entity type.
func Decoder(entity string) (DecodeFunc, bool) {
	mu.RLock()
	defer mu.RUnlock()
	e, ok := registry[entity]
	if !ok {
		return nil, false
	}
	return e.decode, true
}

// Tables returns the declared destination table set for an entity type, in
// load order (main table first).
func Tables(entity string) ([]warehouse.TableSpec, bool) {
	mu.RLock()
	defer mu.RUnlock()
	e, ok := registry[entity]
	if !ok {
		return nil, false
	}
	return e.tables, true
}

// Entities lists all registered entity types, sorted.
func Entities() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
