package warehouse

import "fmt"

// ConflictPolicy selects what a backend does when an incoming row collides
// with an existing row on the table's conflict columns.
type ConflictPolicy string

const (
	// ConflictOverwrite keeps one row per key and overwrites every non-key
	// column with the incoming value (last write wins). Used for entity main
	// tables and their one-to-one side tables.
	ConflictOverwrite ConflictPolicy = "overwrite"

	// ConflictIgnore keeps the first row for a key and drops colliding
	// inserts. Used for association/fact tables whose rows are immutable
	// facts of the source snapshot.
	ConflictIgnore ConflictPolicy = "ignore"
)

// TableSpec declares one destination table: its column order (which row values
// must align with) and its explicit conflict configuration. Policy is declared
// here, never inferred from table names, so every backend resolves conflicts
// the same way.
type TableSpec struct {
	Name            string
	Columns         []string
	ConflictColumns []string
	OnConflict      ConflictPolicy
}

// Validate reports whether the spec is internally consistent: conflict columns
// must be a subset of the columns and the policy must be a known value.
func (t TableSpec) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("table spec: name is empty")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s: no columns", t.Name)
	}
	switch t.OnConflict {
	case ConflictOverwrite, ConflictIgnore:
	default:
		return fmt.Errorf("table %s: unknown conflict policy %q", t.Name, t.OnConflict)
	}
	if len(t.ConflictColumns) == 0 {
		return fmt.Errorf("table %s: no conflict columns", t.Name)
	}
	set := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		set[c] = true
	}
	for _, c := range t.ConflictColumns {
		if !set[c] {
			return fmt.Errorf("table %s: conflict column %q not in columns", t.Name, c)
		}
	}
	if t.OnConflict == ConflictOverwrite && len(t.ConflictColumns) == len(t.Columns) {
		return fmt.Errorf("table %s: overwrite policy with no non-key columns", t.Name)
	}
	return nil
}

// NonKeyColumns returns the columns outside the conflict target, in declared
// order. These are the columns an overwrite backend updates on conflict.
func (t TableSpec) NonKeyColumns() []string {
	key := make(map[string]bool, len(t.ConflictColumns))
	for _, c := range t.ConflictColumns {
		key[c] = true
	}
	out := make([]string, 0, len(t.Columns)-len(t.ConflictColumns))
	for _, c := range t.Columns {
		if !key[c] {
			out = append(out, c)
		}
	}
	return out
}

// KeyIndices returns the positions of the conflict columns within Columns.
func (t TableSpec) KeyIndices() []int {
	idx := make(map[string]int, len(t.Columns))
	for i, c := range t.Columns {
		idx[c] = i
	}
	out := make([]int, len(t.ConflictColumns))
	for i, c := range t.ConflictColumns {
		out[i] = idx[c]
	}
	return out
}
