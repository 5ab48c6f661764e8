package transform

import "openalexetl/internal/warehouse"

// Works fan out the widest: a main row plus external ids, open-access status,
// and the association tables (authorships, concepts, referenced/related
// works, per-year counts). The one-row-per-work tables overwrite on conflict;
// the association tables are immutable snapshot facts and insert-or-ignore.

func worksTables() []warehouse.TableSpec {
	return []warehouse.TableSpec{
		{
			Name: "openalex.works",
			Columns: []string{
				"id", "doi", "title", "display_name", "publication_year",
				"publication_date", "type", "cited_by_count", "is_retracted",
				"is_paratext", "language",
			},
			ConflictColumns: []string{"id"},
			OnConflict:      warehouse.ConflictOverwrite,
		},
		{
			Name:            "openalex.works_ids",
			Columns:         []string{"work_id", "openalex", "doi", "mag", "pmid"},
			ConflictColumns: []string{"work_id"},
			OnConflict:      warehouse.ConflictOverwrite,
		},
		{
			Name:            "openalex.works_open_access",
			Columns:         []string{"work_id", "is_oa", "oa_status", "oa_url"},
			ConflictColumns: []string{"work_id"},
			OnConflict:      warehouse.ConflictOverwrite,
		},
		{
			Name:            "openalex.works_authorships",
			Columns:         []string{"work_id", "author_id", "author_position", "institution_id", "raw_affiliation"},
			ConflictColumns: []string{"work_id", "author_id"},
			OnConflict:      warehouse.ConflictIgnore,
		},
		{
			Name:            "openalex.works_concepts",
			Columns:         []string{"work_id", "concept_id", "score"},
			ConflictColumns: []string{"work_id", "concept_id"},
			OnConflict:      warehouse.ConflictIgnore,
		},
		{
			Name:            "openalex.works_referenced_works",
			Columns:         []string{"work_id", "referenced_work_id"},
			ConflictColumns: []string{"work_id", "referenced_work_id"},
			OnConflict:      warehouse.ConflictIgnore,
		},
		{
			Name:            "openalex.works_related_works",
			Columns:         []string{"work_id", "related_work_id"},
			ConflictColumns: []string{"work_id", "related_work_id"},
			OnConflict:      warehouse.ConflictIgnore,
		},
		{
			Name:            "openalex.works_counts_by_year",
			Columns:         []string{"work_id", "year", "cited_by_count"},
			ConflictColumns: []string{"work_id", "year"},
			OnConflict:      warehouse.ConflictIgnore,
		},
	}
}

func decodeWork(obj map[string]any) (RowSet, error) {
	if isTombstone(obj) {
		return nil, nil
	}
	id, err := requireID(obj)
	if err != nil {
		return nil, err
	}

	rs := RowSet{
		"openalex.works": {{
			id,
			str(obj, "doi"),
			displayName(obj, "title"),
			displayName(obj, "display_name"),
			intVal(obj, "publication_year"),
			str(obj, "publication_date"),
			str(obj, "type"),
			intVal(obj, "cited_by_count"),
			boolVal(obj, "is_retracted"),
			boolVal(obj, "is_paratext"),
			str(obj, "language"),
		}},
	}

	if ids := nested(obj, "ids"); ids != nil {
		rs["openalex.works_ids"] = [][]any{{
			id,
			str(ids, "openalex"),
			str(ids, "doi"),
			str(ids, "mag"),
			str(ids, "pmid"),
		}}
	}

	if oa := nested(obj, "open_access"); oa != nil {
		rs["openalex.works_open_access"] = [][]any{{
			id,
			boolVal(oa, "is_oa"),
			str(oa, "oa_status"),
			str(oa, "oa_url"),
		}}
	}

	for _, it := range list(obj, "authorships") {
		a, ok := it.(map[string]any)
		if !ok {
			continue
		}
		authorID := nestedID(a, "author")
		if authorID == nil {
			continue
		}
		// An authorship may span several institutions; the first one is the
		// primary affiliation in the source ordering.
		var instID any
		for _, inst := range list(a, "institutions") {
			if m, ok := inst.(map[string]any); ok {
				if instID = str(m, "id"); instID != nil {
					break
				}
			}
		}
		rs["openalex.works_authorships"] = append(rs["openalex.works_authorships"], []any{
			id,
			authorID,
			str(a, "author_position"),
			instID,
			str(a, "raw_affiliation_string"),
		})
	}

	for _, it := range list(obj, "concepts") {
		c, ok := it.(map[string]any)
		if !ok {
			continue
		}
		conceptID := str(c, "id")
		if conceptID == nil {
			continue
		}
		rs["openalex.works_concepts"] = append(rs["openalex.works_concepts"], []any{
			id, conceptID, floatVal(c, "score"),
		})
	}

	for _, it := range list(obj, "referenced_works") {
		if ref, ok := it.(string); ok && ref != "" {
			rs["openalex.works_referenced_works"] = append(rs["openalex.works_referenced_works"], []any{id, ref})
		}
	}
	for _, it := range list(obj, "related_works") {
		if rel, ok := it.(string); ok && rel != "" {
			rs["openalex.works_related_works"] = append(rs["openalex.works_related_works"], []any{id, rel})
		}
	}

	appendCountsByYear(rs, "openalex.works_counts_by_year", obj, func(year map[string]any) []any {
		return []any{id, intVal(year, "year"), intVal(year, "cited_by_count")}
	})

	return rs, nil
}

func init() {
	Register("works", decodeWork, worksTables())
}
