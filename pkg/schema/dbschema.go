package schema

import "sort"

// TableDefinition is the enforced shape of one table's documents.
type TableDefinition struct {
	DocumentType Validator
}

// DatabaseSchema is the full enforced schema. When SchemaValidation is
// false the schema is advisory and writes are never rejected.
type DatabaseSchema struct {
	Tables           map[string]TableDefinition
	SchemaValidation bool
}

// TableValidator returns the validator for a table, defaulting to Any for
// tables the schema does not mention.
func (s *DatabaseSchema) TableValidator(table string) Validator {
	if s == nil {
		return Any()
	}
	if def, ok := s.Tables[table]; ok {
		return def.DocumentType
	}
	return Any()
}

// Enforced reports whether writes must conform.
func (s *DatabaseSchema) Enforced() bool {
	return s != nil && s.SchemaValidation
}

// TablesToValidate decides which tables need a full scan before newSchema
// can be enforced. A table is skipped when the new validator is Any, when
// the previously enforced validator is a subset of the new one, or when
// the shape inferred from current contents converts to a subset of the new
// validator. Everything else scans.
func TablesToValidate(
	newSchema *DatabaseSchema,
	oldSchema *DatabaseSchema,
	shapes map[string]Shape,
	tables, virtualTables TableNumberResolver,
) []string {
	if !newSchema.Enforced() {
		return nil
	}

	var out []string
	for table := range newSchema.Tables {
		next := newSchema.TableValidator(table)
		if next.Kind == KindAny {
			continue
		}
		if oldSchema.Enforced() {
			if IsSubset(oldSchema.TableValidator(table), next) {
				continue
			}
		}
		if shape, ok := shapes[table]; ok {
			if IsSubset(shape.ToValidator(tables, virtualTables), next) {
				continue
			}
		}
		out = append(out, table)
	}
	sort.Strings(out)
	return out
}
