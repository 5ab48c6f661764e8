package transform

import (
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Field extraction helpers shared by the entity decoders.
//
// Records arrive as map[string]any from encoding/json, so numbers are float64
// (or json.Number when a caller opted in upstream) and nested entities are
// map[string]any. Missing and null fields both map to nil, which loads as SQL
// NULL.

// str returns the field as a string, or nil when missing/null/not a string.
func str(obj map[string]any, key string) any {
	if s, ok := obj[key].(string); ok {
		return s
	}
	return nil
}

// displayName returns the field NFC-normalized and trimmed. Source display
// names mix composed and decomposed Unicode forms; canonicalizing here keeps
// equality comparisons and indexes on the warehouse side meaningful.
func displayName(obj map[string]any, key string) any {
	s, ok := obj[key].(string)
	if !ok {
		return nil
	}
	return norm.NFC.String(strings.TrimSpace(s))
}

// intVal returns the field as int64, or nil when missing/null/not numeric.
func intVal(obj map[string]any, key string) any {
	switch t := obj[key].(type) {
	case float64:
		return int64(t)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		return nil
	default:
		return nil
	}
}

// floatVal returns the field as float64, or nil.
func floatVal(obj map[string]any, key string) any {
	switch t := obj[key].(type) {
	case float64:
		return t
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return nil
	default:
		return nil
	}
}

// boolVal returns the field as bool, defaulting to false when absent.
func boolVal(obj map[string]any, key string) any {
	if b, ok := obj[key].(bool); ok {
		return b
	}
	return false
}

// nestedID returns child["id"] for an object-valued field, or nil.
func nestedID(obj map[string]any, key string) any {
	child, ok := obj[key].(map[string]any)
	if !ok {
		return nil
	}
	return str(child, "id")
}

// nested returns an object-valued field, or nil.
func nested(obj map[string]any, key string) map[string]any {
	child, _ := obj[key].(map[string]any)
	return child
}

// list returns an array-valued field.
func list(obj map[string]any, key string) []any {
	arr, _ := obj[key].([]any)
	return arr
}

// joined flattens an array of strings into one separator-joined value, or nil
// when the field is missing or empty.
func joined(obj map[string]any, key, sep string) any {
	arr := list(obj, key)
	if len(arr) == 0 {
		return nil
	}
	parts := make([]string, 0, len(arr))
	for _, it := range arr {
		if s, ok := it.(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return nil
	}
	return strings.Join(parts, sep)
}

// appendCountsByYear appends one row per counts_by_year element to the named
// table, using mk to build the row from the year object. Elements without a
// numeric year are dropped.
func appendCountsByYear(rs RowSet, table string, obj map[string]any, mk func(year map[string]any) []any) {
	for _, it := range list(obj, "counts_by_year") {
		y, ok := it.(map[string]any)
		if !ok {
			continue
		}
		if intVal(y, "year") == nil {
			continue
		}
		rs[table] = append(rs[table], mk(y))
	}
}

// requireID extracts the record's "id" field, the natural key every entity
// table conflicts on. A record without one cannot be keyed and is a decode
// error, not a skip.
func requireID(obj map[string]any) (string, error) {
	s, ok := obj["id"].(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("record has no id")
	}
	return s, nil
}

// isTombstone reports whether the record is a deletion/merge marker in the
// snapshot. Tombstones carry no entity payload and are skipped, producing no
// rows and no error.
func isTombstone(obj map[string]any) bool {
	if b, ok := obj["deleted"].(bool); ok && b {
		return true
	}
	if s, ok := obj["merge_into_id"].(string); ok && s != "" {
		return true
	}
	return false
}
