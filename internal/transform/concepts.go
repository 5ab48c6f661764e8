package transform

import "openalexetl/internal/warehouse"

func conceptsTables() []warehouse.TableSpec {
	return []warehouse.TableSpec{
		{
			Name: "openalex.concepts",
			Columns: []string{
				"id", "wikidata", "display_name", "level", "description",
				"works_count", "cited_by_count", "image_url", "works_api_url",
				"updated_date",
			},
			ConflictColumns: []string{"id"},
			OnConflict:      warehouse.ConflictOverwrite,
		},
		{
			Name:            "openalex.concepts_ids",
			Columns:         []string{"concept_id", "openalex", "wikidata", "wikipedia", "umls_cui", "mag"},
			ConflictColumns: []string{"concept_id"},
			OnConflict:      warehouse.ConflictOverwrite,
		},
		{
			Name:            "openalex.concepts_ancestors",
			Columns:         []string{"concept_id", "ancestor_id"},
			ConflictColumns: []string{"concept_id", "ancestor_id"},
			OnConflict:      warehouse.ConflictIgnore,
		},
		{
			Name:            "openalex.concepts_related_concepts",
			Columns:         []string{"concept_id", "related_concept_id", "score"},
			ConflictColumns: []string{"concept_id", "related_concept_id"},
			OnConflict:      warehouse.ConflictIgnore,
		},
		{
			Name:            "openalex.concepts_counts_by_year",
			Columns:         []string{"concept_id", "year", "works_count", "cited_by_count"},
			ConflictColumns: []string{"concept_id", "year"},
			OnConflict:      warehouse.ConflictIgnore,
		},
	}
}

func decodeConcept(obj map[string]any) (RowSet, error) {
	if isTombstone(obj) {
		return nil, nil
	}
	id, err := requireID(obj)
	if err != nil {
		return nil, err
	}

	rs := RowSet{
		"openalex.concepts": {{
			id,
			str(obj, "wikidata"),
			displayName(obj, "display_name"),
			intVal(obj, "level"),
			str(obj, "description"),
			intVal(obj, "works_count"),
			intVal(obj, "cited_by_count"),
			str(obj, "image_url"),
			str(obj, "works_api_url"),
			str(obj, "updated_date"),
		}},
	}

	if ids := nested(obj, "ids"); ids != nil {
		rs["openalex.concepts_ids"] = [][]any{{
			id,
			str(ids, "openalex"),
			str(ids, "wikidata"),
			str(ids, "wikipedia"),
			joined(ids, "umls_cui", "|"),
			str(ids, "mag"),
		}}
	}

	for _, it := range list(obj, "ancestors") {
		a, ok := it.(map[string]any)
		if !ok {
			continue
		}
		if ancestorID := str(a, "id"); ancestorID != nil {
			rs["openalex.concepts_ancestors"] = append(rs["openalex.concepts_ancestors"], []any{id, ancestorID})
		}
	}

	for _, it := range list(obj, "related_concepts") {
		c, ok := it.(map[string]any)
		if !ok {
			continue
		}
		if relID := str(c, "id"); relID != nil {
			rs["openalex.concepts_related_concepts"] = append(
				rs["openalex.concepts_related_concepts"],
				[]any{id, relID, floatVal(c, "score")},
			)
		}
	}

	appendCountsByYear(rs, "openalex.concepts_counts_by_year", obj, func(y map[string]any) []any {
		return []any{id, intVal(y, "year"), intVal(y, "works_count"), intVal(y, "cited_by_count")}
	})

	return rs, nil
}

func init() {
	Register("concepts", decodeConcept, conceptsTables())
}
