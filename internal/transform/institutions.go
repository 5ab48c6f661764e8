package transform

import "openalexetl/internal/warehouse"

func institutionsTables() []warehouse.TableSpec {
	return []warehouse.TableSpec{
		{
			Name: "openalex.institutions",
			Columns: []string{
				"id", "ror", "display_name", "country_code", "type",
				"homepage_url", "image_url", "display_name_alternatives",
				"works_count", "cited_by_count", "works_api_url", "updated_date",
			},
			ConflictColumns: []string{"id"},
			OnConflict:      warehouse.ConflictOverwrite,
		},
		{
			Name:            "openalex.institutions_ids",
			Columns:         []string{"institution_id", "openalex", "ror", "grid", "wikipedia", "wikidata", "mag"},
			ConflictColumns: []string{"institution_id"},
			OnConflict:      warehouse.ConflictOverwrite,
		},
		{
			Name: "openalex.institutions_geo",
			Columns: []string{
				"institution_id", "city", "geonames_city_id", "region",
				"country_code", "country", "latitude", "longitude",
			},
			ConflictColumns: []string{"institution_id"},
			OnConflict:      warehouse.ConflictOverwrite,
		},
		{
			Name:            "openalex.institutions_associated_institutions",
			Columns:         []string{"institution_id", "associated_institution_id", "relationship"},
			ConflictColumns: []string{"institution_id", "associated_institution_id"},
			OnConflict:      warehouse.ConflictIgnore,
		},
		{
			Name:            "openalex.institutions_counts_by_year",
			Columns:         []string{"institution_id", "year", "works_count", "cited_by_count"},
			ConflictColumns: []string{"institution_id", "year"},
			OnConflict:      warehouse.ConflictIgnore,
		},
	}
}

func decodeInstitution(obj map[string]any) (RowSet, error) {
	if isTombstone(obj) {
		return nil, nil
	}
	id, err := requireID(obj)
	if err != nil {
		return nil, err
	}

	rs := RowSet{
		"openalex.institutions": {{
			id,
			str(obj, "ror"),
			displayName(obj, "display_name"),
			str(obj, "country_code"),
			str(obj, "type"),
			str(obj, "homepage_url"),
			str(obj, "image_url"),
			joined(obj, "display_name_alternatives", "|"),
			intVal(obj, "works_count"),
			intVal(obj, "cited_by_count"),
			str(obj, "works_api_url"),
			str(obj, "updated_date"),
		}},
	}

	if ids := nested(obj, "ids"); ids != nil {
		rs["openalex.institutions_ids"] = [][]any{{
			id,
			str(ids, "openalex"),
			str(ids, "ror"),
			str(ids, "grid"),
			str(ids, "wikipedia"),
			str(ids, "wikidata"),
			str(ids, "mag"),
		}}
	}

	if geo := nested(obj, "geo"); geo != nil {
		rs["openalex.institutions_geo"] = [][]any{{
			id,
			str(geo, "city"),
			str(geo, "geonames_city_id"),
			str(geo, "region"),
			str(geo, "country_code"),
			str(geo, "country"),
			floatVal(geo, "latitude"),
			floatVal(geo, "longitude"),
		}}
	}

	for _, it := range list(obj, "associated_institutions") {
		a, ok := it.(map[string]any)
		if !ok {
			continue
		}
		assocID := str(a, "id")
		if assocID == nil {
			continue
		}
		rs["openalex.institutions_associated_institutions"] = append(
			rs["openalex.institutions_associated_institutions"],
			[]any{id, assocID, str(a, "relationship")},
		)
	}

	appendCountsByYear(rs, "openalex.institutions_counts_by_year", obj, func(y map[string]any) []any {
		return []any{id, intVal(y, "year"), intVal(y, "works_count"), intVal(y, "cited_by_count")}
	})

	return rs, nil
}

func init() {
	Register("institutions", decodeInstitution, institutionsTables())
}
