package pipeline

import (
	"fmt"

	"openalexetl/internal/transform"
	"openalexetl/internal/warehouse"
)

// batcher accumulates decoded rows across records until the largest pending
// table reaches the flush threshold.
//
// For overwrite tables it also collapses rows that share a conflict key,
// keeping the later row. Postgres rejects a multi-row upsert statement that
// touches the same key twice ("cannot affect row a second time"), and
// last-write-wins inside a batch matches what two sequential batches would
// have produced anyway.
type batcher struct {
	threshold int
	specs     map[string]warehouse.TableSpec

	pending map[string][][]any
	// keyPos maps an overwrite table's encoded conflict key to the row's
	// index in pending, so a duplicate replaces in place.
	keyPos  map[string]map[string]int
	records int
}

func newBatcher(threshold int, tables []warehouse.TableSpec) *batcher {
	specs := make(map[string]warehouse.TableSpec, len(tables))
	for _, t := range tables {
		specs[t.Name] = t
	}
	return &batcher{
		threshold: threshold,
		specs:     specs,
		pending:   map[string][][]any{},
		keyPos:    map[string]map[string]int{},
	}
}

// Add merges one record's rows into the pending batch.
// Rejects rows for tables outside the declared table set.
func (b *batcher) Add(rs transform.RowSet) error {
	for table, rows := range rs {
		spec, ok := b.specs[table]
		if !ok {
			return fmt.Errorf("pipeline: decoder produced rows for undeclared table %s", table)
		}
		for _, row := range rows {
			if len(row) != len(spec.Columns) {
				return fmt.Errorf("pipeline: table %s: row has %d values, want %d", table, len(row), len(spec.Columns))
			}
			b.add(spec, row)
		}
	}
	b.records++
	return nil
}

func (b *batcher) add(spec warehouse.TableSpec, row []any) {
	if spec.OnConflict != warehouse.ConflictOverwrite {
		b.pending[spec.Name] = append(b.pending[spec.Name], row)
		return
	}

	key := encodeKey(row, spec.KeyIndices())
	pos := b.keyPos[spec.Name]
	if pos == nil {
		pos = map[string]int{}
		b.keyPos[spec.Name] = pos
	}
	if i, seen := pos[key]; seen {
		b.pending[spec.Name][i] = row
		return
	}
	pos[key] = len(b.pending[spec.Name])
	b.pending[spec.Name] = append(b.pending[spec.Name], row)
}

// Records reports how many records have been added since the last Drain.
func (b *batcher) Records() int { return b.records }

// Full reports whether any table has reached the flush threshold.
func (b *batcher) Full() bool {
	for _, rows := range b.pending {
		if len(rows) >= b.threshold {
			return true
		}
	}
	return false
}

// Empty reports whether nothing is pending.
func (b *batcher) Empty() bool { return len(b.pending) == 0 }

// Drain returns the pending batch and resets the accumulator.
func (b *batcher) Drain() (warehouse.Batch, int) {
	out := warehouse.Batch(b.pending)
	n := b.records
	b.pending = map[string][][]any{}
	b.keyPos = map[string]map[string]int{}
	b.records = 0
	return out, n
}

// encodeKey builds a collision-safe string key from the row's conflict
// values. Length-prefixing each segment keeps ("ab","c") distinct from
// ("a","bc"); the type letter keeps int64(1) distinct from "1".
func encodeKey(row []any, idx []int) string {
	key := ""
	for _, i := range idx {
		var seg string
		switch v := row[i].(type) {
		case nil:
			seg = "n:"
		case string:
			seg = fmt.Sprintf("s%d:%s", len(v), v)
		case int64:
			seg = fmt.Sprintf("i:%d", v)
		case float64:
			seg = fmt.Sprintf("f:%g", v)
		case bool:
			seg = fmt.Sprintf("b:%t", v)
		default:
			seg = fmt.Sprintf("v:%v", v)
		}
		key += seg + "\x00"
	}
	return key
}
