package transform

import "openalexetl/internal/warehouse"

// The topic hierarchy entities (domains, fields, subfields, topics) share a
// flat shape: a single overwrite table each, no side tables. Topics carry the
// three ancestor ids denormalized onto the row.

func flatTaxonomyTables(name string) []warehouse.TableSpec {
	return []warehouse.TableSpec{{
		Name: name,
		Columns: []string{
			"id", "display_name", "description", "works_count",
			"cited_by_count", "updated_date",
		},
		ConflictColumns: []string{"id"},
		OnConflict:      warehouse.ConflictOverwrite,
	}}
}

func decodeFlatTaxonomy(table string) DecodeFunc {
	return func(obj map[string]any) (RowSet, error) {
		if isTombstone(obj) {
			return nil, nil
		}
		id, err := requireID(obj)
		if err != nil {
			return nil, err
		}
		return RowSet{
			table: {{
				id,
				displayName(obj, "display_name"),
				str(obj, "description"),
				intVal(obj, "works_count"),
				intVal(obj, "cited_by_count"),
				str(obj, "updated_date"),
			}},
		}, nil
	}
}

func topicsTables() []warehouse.TableSpec {
	return []warehouse.TableSpec{{
		Name: "openalex.topics",
		Columns: []string{
			"id", "display_name", "subfield_id", "field_id", "domain_id",
			"description", "keywords", "works_count", "cited_by_count",
			"updated_date",
		},
		ConflictColumns: []string{"id"},
		OnConflict:      warehouse.ConflictOverwrite,
	}}
}

func decodeTopic(obj map[string]any) (RowSet, error) {
	if isTombstone(obj) {
		return nil, nil
	}
	id, err := requireID(obj)
	if err != nil {
		return nil, err
	}
	return RowSet{
		"openalex.topics": {{
			id,
			displayName(obj, "display_name"),
			nestedID(obj, "subfield"),
			nestedID(obj, "field"),
			nestedID(obj, "domain"),
			str(obj, "description"),
			joined(obj, "keywords", "; "),
			intVal(obj, "works_count"),
			intVal(obj, "cited_by_count"),
			str(obj, "updated_date"),
		}},
	}, nil
}

func init() {
	Register("domains", decodeFlatTaxonomy("openalex.domains"), flatTaxonomyTables("openalex.domains"))
	Register("fields", decodeFlatTaxonomy("openalex.fields"), flatTaxonomyTables("openalex.fields"))
	Register("subfields", decodeFlatTaxonomy("openalex.subfields"), flatTaxonomyTables("openalex.subfields"))
	Register("topics", decodeTopic, topicsTables())
}
