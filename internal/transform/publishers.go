package transform

import "openalexetl/internal/warehouse"

func publishersTables() []warehouse.TableSpec {
	return []warehouse.TableSpec{
		{
			Name: "openalex.publishers",
			Columns: []string{
				"id", "display_name", "alternate_titles", "country_codes",
				"hierarchy_level", "parent_publisher_id", "works_count",
				"cited_by_count", "sources_api_url", "updated_date",
			},
			ConflictColumns: []string{"id"},
			OnConflict:      warehouse.ConflictOverwrite,
		},
		{
			Name:            "openalex.publishers_counts_by_year",
			Columns:         []string{"publisher_id", "year", "works_count", "cited_by_count"},
			ConflictColumns: []string{"publisher_id", "year"},
			OnConflict:      warehouse.ConflictIgnore,
		},
	}
}

func decodePublisher(obj map[string]any) (RowSet, error) {
	if isTombstone(obj) {
		return nil, nil
	}
	id, err := requireID(obj)
	if err != nil {
		return nil, err
	}

	// parent_publisher arrives as either a bare id string or an embedded
	// object depending on snapshot vintage.
	var parent any
	switch t := obj["parent_publisher"].(type) {
	case string:
		if t != "" {
			parent = t
		}
	case map[string]any:
		parent = str(t, "id")
	}

	rs := RowSet{
		"openalex.publishers": {{
			id,
			displayName(obj, "display_name"),
			joined(obj, "alternate_titles", "|"),
			joined(obj, "country_codes", "|"),
			intVal(obj, "hierarchy_level"),
			parent,
			intVal(obj, "works_count"),
			intVal(obj, "cited_by_count"),
			str(obj, "sources_api_url"),
			str(obj, "updated_date"),
		}},
	}

	appendCountsByYear(rs, "openalex.publishers_counts_by_year", obj, func(y map[string]any) []any {
		return []any{id, intVal(y, "year"), intVal(y, "works_count"), intVal(y, "cited_by_count")}
	})

	return rs, nil
}

func init() {
	Register("publishers", decodePublisher, publishersTables())
}
