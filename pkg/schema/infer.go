package schema

import "github.com/cuemby/loam/pkg/types"

// IDShapeResolver maps a tablet decoded out of an id string to its table
// number, when the tablet is live in the namespace.
type IDShapeResolver func(tablet types.TabletID) (uint32, bool)

// ShapeOfValue infers the shape of one value. Strings that decode to a
// live document id infer as ShapeID so Id validators can prove skips.
func ShapeOfValue(v types.Value, resolver IDShapeResolver) Shape {
	switch v.Kind {
	case types.ValueNull:
		return Shape{Kind: ShapeNull}
	case types.ValueInt64:
		return Shape{Kind: ShapeInt64}
	case types.ValueFloat64:
		return Shape{Kind: ShapeFloat64}
	case types.ValueBool:
		return Shape{Kind: ShapeBool}
	case types.ValueString:
		if resolver != nil {
			if id, err := types.DecodeDocumentID(v.Str); err == nil {
				if number, ok := resolver(id.Tablet); ok {
					return Shape{Kind: ShapeID, TableNumber: number}
				}
			}
		}
		return Shape{Kind: ShapeString}
	case types.ValueBytes:
		return Shape{Kind: ShapeBytes}
	case types.ValueArray, types.ValueSet:
		element := Shape{Kind: ShapeNever}
		for _, item := range v.Items {
			element = element.Union(ShapeOfValue(item, resolver))
		}
		kind := ShapeArray
		if v.Kind == types.ValueSet {
			kind = ShapeSet
		}
		return Shape{Kind: kind, Element: &element}
	case types.ValueMap:
		key := Shape{Kind: ShapeNever}
		value := Shape{Kind: ShapeNever}
		for _, e := range v.Entries {
			key = key.Union(ShapeOfValue(e.Key, resolver))
			value = value.Union(ShapeOfValue(e.Value, resolver))
		}
		return Shape{Kind: ShapeMap, Key: &key, Value: &value}
	case types.ValueObject:
		fields := make(map[string]Shape, len(v.Fields))
		for _, f := range v.Fields {
			fields[f.Name] = ShapeOfValue(f.Value, resolver)
		}
		return Shape{Kind: ShapeObject, Fields: fields, Optional: map[string]bool{}}
	}
	return Shape{Kind: ShapeUnknown}
}

// Union folds two shapes into the narrowest shape admitting both.
func (s Shape) Union(other Shape) Shape {
	if s.Kind == ShapeNever {
		return other
	}
	if other.Kind == ShapeNever {
		return s
	}
	if s.Kind == ShapeUnknown || other.Kind == ShapeUnknown {
		return Shape{Kind: ShapeUnknown}
	}
	if s.Kind != other.Kind {
		return unionBranches(s, other)
	}

	switch s.Kind {
	case ShapeID:
		if s.TableNumber != other.TableNumber {
			return unionBranches(s, other)
		}
		return s
	case ShapeArray, ShapeSet:
		element := s.Element.Union(*other.Element)
		return Shape{Kind: s.Kind, Element: &element}
	case ShapeMap, ShapeRecord:
		key := s.Key.Union(*other.Key)
		value := s.Value.Union(*other.Value)
		return Shape{Kind: s.Kind, Key: &key, Value: &value}
	case ShapeObject:
		fields := make(map[string]Shape, len(s.Fields))
		optional := make(map[string]bool, len(s.Fields))
		for name, shape := range s.Fields {
			if otherShape, ok := other.Fields[name]; ok {
				fields[name] = shape.Union(otherShape)
				optional[name] = s.Optional[name] || other.Optional[name]
			} else {
				fields[name] = shape
				optional[name] = true
			}
		}
		for name, shape := range other.Fields {
			if _, ok := s.Fields[name]; !ok {
				fields[name] = shape
				optional[name] = true
			}
		}
		return Shape{Kind: ShapeObject, Fields: fields, Optional: optional}
	case ShapeUnion:
		merged := s
		for _, branch := range other.Branches {
			merged = merged.unionIn(branch)
		}
		return merged
	}
	// Identical leaf kinds.
	return s
}

func unionBranches(a, b Shape) Shape {
	if a.Kind == ShapeUnion {
		return a.unionIn(b)
	}
	if b.Kind == ShapeUnion {
		return b.unionIn(a)
	}
	return Shape{Kind: ShapeUnion, Branches: []Shape{a, b}}
}

// unionIn adds a branch to a union shape, folding into an existing branch
// of the same kind where possible.
func (s Shape) unionIn(branch Shape) Shape {
	if branch.Kind == ShapeUnion {
		merged := s
		for _, b := range branch.Branches {
			merged = merged.unionIn(b)
		}
		return merged
	}
	branches := append([]Shape(nil), s.Branches...)
	for i := range branches {
		if branches[i].Kind == branch.Kind {
			branches[i] = branches[i].Union(branch)
			return Shape{Kind: ShapeUnion, Branches: branches}
		}
	}
	return Shape{Kind: ShapeUnion, Branches: append(branches, branch)}
}
