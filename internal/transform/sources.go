package transform

import "openalexetl/internal/warehouse"

func sourcesTables() []warehouse.TableSpec {
	return []warehouse.TableSpec{
		{
			Name: "openalex.sources",
			Columns: []string{
				"id", "issn_l", "issn", "display_name", "publisher",
				"works_count", "cited_by_count", "is_oa", "is_in_doaj",
				"homepage_url", "works_api_url", "updated_date",
			},
			ConflictColumns: []string{"id"},
			OnConflict:      warehouse.ConflictOverwrite,
		},
		{
			Name:            "openalex.sources_ids",
			Columns:         []string{"source_id", "openalex", "issn_l", "issn", "mag", "wikidata", "fatcat"},
			ConflictColumns: []string{"source_id"},
			OnConflict:      warehouse.ConflictOverwrite,
		},
		{
			Name:            "openalex.sources_counts_by_year",
			Columns:         []string{"source_id", "year", "works_count", "cited_by_count"},
			ConflictColumns: []string{"source_id", "year"},
			OnConflict:      warehouse.ConflictIgnore,
		},
	}
}

func decodeSource(obj map[string]any) (RowSet, error) {
	if isTombstone(obj) {
		return nil, nil
	}
	id, err := requireID(obj)
	if err != nil {
		return nil, err
	}

	rs := RowSet{
		"openalex.sources": {{
			id,
			str(obj, "issn_l"),
			joined(obj, "issn", "|"),
			displayName(obj, "display_name"),
			str(obj, "publisher"),
			intVal(obj, "works_count"),
			intVal(obj, "cited_by_count"),
			boolVal(obj, "is_oa"),
			boolVal(obj, "is_in_doaj"),
			str(obj, "homepage_url"),
			str(obj, "works_api_url"),
			str(obj, "updated_date"),
		}},
	}

	if ids := nested(obj, "ids"); ids != nil {
		rs["openalex.sources_ids"] = [][]any{{
			id,
			str(ids, "openalex"),
			str(ids, "issn_l"),
			joined(ids, "issn", "|"),
			str(ids, "mag"),
			str(ids, "wikidata"),
			str(ids, "fatcat"),
		}}
	}

	appendCountsByYear(rs, "openalex.sources_counts_by_year", obj, func(y map[string]any) []any {
		return []any{id, intVal(y, "year"), intVal(y, "works_count"), intVal(y, "cited_by_count")}
	})

	return rs, nil
}

func init() {
	Register("sources", decodeSource, sourcesTables())
}
