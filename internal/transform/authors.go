package transform

import "openalexetl/internal/warehouse"

func authorsTables() []warehouse.TableSpec {
	return []warehouse.TableSpec{
		{
			Name: "openalex.authors",
			Columns: []string{
				"id", "orcid", "display_name", "display_name_alternatives",
				"works_count", "cited_by_count", "last_known_institution_id",
				"works_api_url", "updated_date",
			},
			ConflictColumns: []string{"id"},
			OnConflict:      warehouse.ConflictOverwrite,
		},
		{
			Name:            "openalex.authors_ids",
			Columns:         []string{"author_id", "openalex", "orcid", "scopus", "twitter", "wikipedia", "mag"},
			ConflictColumns: []string{"author_id"},
			OnConflict:      warehouse.ConflictOverwrite,
		},
		{
			Name:            "openalex.authors_counts_by_year",
			Columns:         []string{"author_id", "year", "works_count", "cited_by_count"},
			ConflictColumns: []string{"author_id", "year"},
			OnConflict:      warehouse.ConflictIgnore,
		},
	}
}

func decodeAuthor(obj map[string]any) (RowSet, error) {
	if isTombstone(obj) {
		return nil, nil
	}
	id, err := requireID(obj)
	if err != nil {
		return nil, err
	}

	rs := RowSet{
		"openalex.authors": {{
			id,
			str(obj, "orcid"),
			displayName(obj, "display_name"),
			joined(obj, "display_name_alternatives", "|"),
			intVal(obj, "works_count"),
			intVal(obj, "cited_by_count"),
			nestedID(obj, "last_known_institution"),
			str(obj, "works_api_url"),
			str(obj, "updated_date"),
		}},
	}

	if ids := nested(obj, "ids"); ids != nil {
		rs["openalex.authors_ids"] = [][]any{{
			id,
			str(ids, "openalex"),
			str(ids, "orcid"),
			str(ids, "scopus"),
			str(ids, "twitter"),
			str(ids, "wikipedia"),
			str(ids, "mag"),
		}}
	}

	appendCountsByYear(rs, "openalex.authors_counts_by_year", obj, func(y map[string]any) []any {
		return []any{id, intVal(y, "year"), intVal(y, "works_count"), intVal(y, "cited_by_count")}
	})

	return rs, nil
}

func init() {
	Register("authors", decodeAuthor, authorsTables())
}
