package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cuemby/loam/pkg/types"
)

// Kind enumerates the validator constructors.
type Kind int

const (
	KindNull Kind = iota
	KindInt64
	KindFloat64
	KindBool
	KindString
	KindBytes
	KindLiteral
	KindID
	KindArray
	KindSet
	KindMap
	KindRecord
	KindObject
	KindUnion
	KindAny
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt64:
		return "int64"
	case KindFloat64:
		return "float64"
	case KindBool:
		return "boolean"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindLiteral:
		return "literal"
	case KindID:
		return "id"
	case KindArray:
		return "array"
	case KindSet:
		return "set"
	case KindMap:
		return "map"
	case KindRecord:
		return "record"
	case KindObject:
		return "object"
	case KindUnion:
		return "union"
	case KindAny:
		return "any"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Validator is a closed tagged sum describing the shape of admitted values.
type Validator struct {
	Kind Kind

	// Literal holds the exact value for KindLiteral.
	Literal *types.Value

	// TableName holds the referenced table for KindID. Resolution against
	// the table mapping happens at validation time, not construction.
	TableName string

	// Element is the element validator for KindArray and KindSet.
	Element *Validator

	// Key and Value are the entry validators for KindMap and KindRecord.
	Key   *Validator
	Value *Validator

	// Fields are the object fields for KindObject, sorted by name.
	Fields []FieldValidator

	// Branches are the union members for KindUnion.
	Branches []Validator
}

// FieldValidator is one named object field.
type FieldValidator struct {
	Name     string
	Type     Validator
	Optional bool
}

// Constructors.

func Null() Validator    { return Validator{Kind: KindNull} }
func Int64() Validator   { return Validator{Kind: KindInt64} }
func Float64() Validator { return Validator{Kind: KindFloat64} }
func Bool() Validator    { return Validator{Kind: KindBool} }
func String() Validator  { return Validator{Kind: KindString} }
func Bytes() Validator   { return Validator{Kind: KindBytes} }
func Any() Validator     { return Validator{Kind: KindAny} }

func Literal(v types.Value) Validator {
	return Validator{Kind: KindLiteral, Literal: &v}
}

func ID(tableName string) Validator {
	return Validator{Kind: KindID, TableName: tableName}
}

func Array(element Validator) Validator {
	return Validator{Kind: KindArray, Element: &element}
}

func Set(element Validator) Validator {
	return Validator{Kind: KindSet, Element: &element}
}

func Map(key, value Validator) Validator {
	return Validator{Kind: KindMap, Key: &key, Value: &value}
}

func Record(key, value Validator) Validator {
	return Validator{Kind: KindRecord, Key: &key, Value: &value}
}

// Object builds an object validator with the given required fields.
func Object(fields map[string]Validator) Validator {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]FieldValidator, 0, len(names))
	for _, name := range names {
		out = append(out, FieldValidator{Name: name, Type: fields[name]})
	}
	return Validator{Kind: KindObject, Fields: out}
}

// ObjectOf builds an object validator from explicit field specs.
func ObjectOf(fields ...FieldValidator) Validator {
	sorted := append([]FieldValidator(nil), fields...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	return Validator{Kind: KindObject, Fields: sorted}
}

// Union builds a union validator. A singleton union collapses to its only
// branch.
func Union(branches ...Validator) Validator {
	if len(branches) == 1 {
		return branches[0]
	}
	return Validator{Kind: KindUnion, Branches: branches}
}

// field looks up an object field by name.
func (v *Validator) field(name string) *FieldValidator {
	for i := range v.Fields {
		if v.Fields[i].Name == name {
			return &v.Fields[i]
		}
	}
	return nil
}

// Equal reports structural equality of two validators.
func (v Validator) Equal(other Validator) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindLiteral:
		return v.Literal.Equal(*other.Literal)
	case KindID:
		return v.TableName == other.TableName
	case KindArray, KindSet:
		return v.Element.Equal(*other.Element)
	case KindMap, KindRecord:
		return v.Key.Equal(*other.Key) && v.Value.Equal(*other.Value)
	case KindObject:
		if len(v.Fields) != len(other.Fields) {
			return false
		}
		for i := range v.Fields {
			if v.Fields[i].Name != other.Fields[i].Name ||
				v.Fields[i].Optional != other.Fields[i].Optional ||
				!v.Fields[i].Type.Equal(other.Fields[i].Type) {
				return false
			}
		}
		return true
	case KindUnion:
		if len(v.Branches) != len(other.Branches) {
			return false
		}
		for i := range v.Branches {
			if !v.Branches[i].Equal(other.Branches[i]) {
				return false
			}
		}
		return true
	}
	return true
}

func (v Validator) String() string {
	switch v.Kind {
	case KindLiteral:
		return fmt.Sprintf("literal(%s)", v.Literal.Kind)
	case KindID:
		return fmt.Sprintf("id(%q)", v.TableName)
	case KindArray:
		return fmt.Sprintf("array(%s)", v.Element)
	case KindSet:
		return fmt.Sprintf("set(%s)", v.Element)
	case KindMap:
		return fmt.Sprintf("map(%s, %s)", v.Key, v.Value)
	case KindRecord:
		return fmt.Sprintf("record(%s, %s)", v.Key, v.Value)
	case KindObject:
		parts := make([]string, len(v.Fields))
		for i, f := range v.Fields {
			opt := ""
			if f.Optional {
				opt = "?"
			}
			parts[i] = fmt.Sprintf("%s%s: %s", f.Name, opt, f.Type)
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case KindUnion:
		parts := make([]string, len(v.Branches))
		for i, b := range v.Branches {
			parts[i] = b.String()
		}
		return strings.Join(parts, " | ")
	default:
		return v.Kind.String()
	}
}
