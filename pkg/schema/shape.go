package schema

import "sort"

// ShapeKind enumerates the inference lattice over stored table contents.
// Shapes are coarser than validators; conversion to a validator is the
// bridge that lets inferred contents prove a new schema already holds.
type ShapeKind int

const (
	// ShapeNever is the shape of an empty table.
	ShapeNever ShapeKind = iota
	ShapeNull
	ShapeInt64
	ShapeFloat64
	ShapeBool
	ShapeString
	ShapeBytes
	ShapeID
	ShapeArray
	ShapeSet
	ShapeMap
	ShapeObject
	ShapeRecord
	ShapeUnion
	// ShapeUnknown means inference gave up; conversion yields a validator
	// that never proves a skip.
	ShapeUnknown
)

// Shape is one node of the inference lattice.
type Shape struct {
	Kind ShapeKind

	// TableNumber references the table for ShapeID. It resolves through
	// the regular mapping first and the virtual mapping second.
	TableNumber uint32

	Element  *Shape           // array and set
	Key      *Shape           // map and record keys
	Value    *Shape           // map and record values
	Fields   map[string]Shape // object fields
	Optional map[string]bool  // object field optionality
	Branches []Shape          // union
}

// TableNumberResolver resolves table numbers to names for shape
// conversion.
type TableNumberResolver interface {
	NumberToName(n uint32) (string, bool)
}

// ToValidator maps the inference lattice onto the validator lattice.
// Unresolvable pieces degrade to validators that cannot prove a subset,
// which at worst schedules a scan that was not strictly needed.
func (s Shape) ToValidator(tables, virtualTables TableNumberResolver) Validator {
	switch s.Kind {
	case ShapeNever:
		return Validator{Kind: KindUnion}
	case ShapeNull:
		return Null()
	case ShapeInt64:
		return Int64()
	case ShapeFloat64:
		return Float64()
	case ShapeBool:
		return Bool()
	case ShapeString:
		return String()
	case ShapeBytes:
		return Bytes()
	case ShapeID:
		if name, ok := tables.NumberToName(s.TableNumber); ok {
			return ID(name)
		}
		if virtualTables != nil {
			if name, ok := virtualTables.NumberToName(s.TableNumber); ok {
				return ID(name)
			}
		}
		return String()
	case ShapeArray:
		return Array(s.Element.ToValidator(tables, virtualTables))
	case ShapeSet:
		return Set(s.Element.ToValidator(tables, virtualTables))
	case ShapeMap:
		return Map(s.Key.ToValidator(tables, virtualTables), s.Value.ToValidator(tables, virtualTables))
	case ShapeRecord:
		return Record(s.Key.ToValidator(tables, virtualTables), s.Value.ToValidator(tables, virtualTables))
	case ShapeObject:
		names := make([]string, 0, len(s.Fields))
		for name := range s.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		fields := make([]FieldValidator, 0, len(names))
		for _, name := range names {
			fields = append(fields, FieldValidator{
				Name:     name,
				Type:     s.Fields[name].ToValidator(tables, virtualTables),
				Optional: s.Optional[name],
			})
		}
		return Validator{Kind: KindObject, Fields: fields}
	case ShapeUnion:
		branches := make([]Validator, len(s.Branches))
		for i := range s.Branches {
			branches[i] = s.Branches[i].ToValidator(tables, virtualTables)
		}
		return Union(branches...)
	}
	// ShapeUnknown: Any is only a subset of Any, so the skip check fails
	// unless the new schema places no constraint on the table.
	return Any()
}
