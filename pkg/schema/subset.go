package schema

import "github.com/cuemby/loam/pkg/types"

// IsSubset reports whether every value admitted by a is admitted by b. The
// relation is a sound one-sided approximation: it may answer false for a
// true subset, never true for a false one. The store uses it to skip
// revalidation scans, so conservative answers only cost work.
func IsSubset(a, b Validator) bool {
	// Everything is a subset of Any.
	if b.Kind == KindAny {
		return true
	}

	// A union is a subset of b iff every branch is. The empty union
	// admits nothing and is vacuously a subset of everything.
	if a.Kind == KindUnion {
		for i := range a.Branches {
			if !IsSubset(a.Branches[i], b) {
				return false
			}
		}
		return true
	}

	if b.Kind == KindUnion {
		// true|false literals jointly cover Bool.
		if a.Kind == KindBool && coversBool(b.Branches) {
			return true
		}
		for i := range b.Branches {
			if IsSubset(a, b.Branches[i]) {
				return true
			}
		}
		return false
	}

	// Identical constructors with identical parameters.
	if a.Equal(b) {
		return true
	}

	switch a.Kind {
	case KindArray:
		return b.Kind == KindArray && IsSubset(*a.Element, *b.Element)
	case KindSet:
		return b.Kind == KindSet && IsSubset(*a.Element, *b.Element)
	case KindMap:
		return b.Kind == KindMap && IsSubset(*a.Key, *b.Key) && IsSubset(*a.Value, *b.Value)
	case KindRecord:
		return b.Kind == KindRecord && IsSubset(*a.Key, *b.Key) && IsSubset(*a.Value, *b.Value)
	case KindObject:
		return b.Kind == KindObject && objectIsSubset(a, b)
	case KindLiteral:
		// Literals are subsets of their base type.
		switch a.Literal.Kind {
		case types.ValueString:
			return b.Kind == KindString
		case types.ValueInt64:
			return b.Kind == KindInt64
		case types.ValueFloat64:
			return b.Kind == KindFloat64
		case types.ValueBool:
			return b.Kind == KindBool
		}
		return false
	case KindID:
		// Id values are strings on the wire.
		return b.Kind == KindString
	}
	return false
}

// objectIsSubset checks the field-wise object rule: no field of a may
// disappear in b, a field optional in a must stay optional in b, and every
// field b adds over a must be optional.
func objectIsSubset(a, b Validator) bool {
	for i := range a.Fields {
		if b.field(a.Fields[i].Name) == nil {
			return false
		}
	}
	for i := range b.Fields {
		bf := &b.Fields[i]
		af := a.field(bf.Name)
		if af == nil {
			if !bf.Optional {
				return false
			}
			continue
		}
		if af.Optional && !bf.Optional {
			return false
		}
		if !IsSubset(af.Type, bf.Type) {
			return false
		}
	}
	return true
}

func coversBool(branches []Validator) bool {
	sawTrue, sawFalse := false, false
	for i := range branches {
		br := &branches[i]
		if br.Kind != KindLiteral || br.Literal.Kind != types.ValueBool {
			continue
		}
		if br.Literal.Bool {
			sawTrue = true
		} else {
			sawFalse = true
		}
	}
	return sawTrue && sawFalse
}
