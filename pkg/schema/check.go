package schema

import (
	"fmt"

	"github.com/cuemby/loam/pkg/types"
)

// TableResolver maps tablet ids back to table names. Both the regular and
// the virtual namespace answer; system tables report themselves so Id
// mismatches against them get a clearer diagnostic.
type TableResolver interface {
	// TabletName resolves a tablet to its table name. ok is false for
	// tablets with no name in this namespace.
	TabletName(tablet types.TabletID) (name string, ok bool)

	// IsSystem reports whether the name belongs to a system table.
	IsSystem(name string) bool
}

// ValidationErrorKind classifies CheckValue failures.
type ValidationErrorKind int

const (
	// NoMatch is a leaf type mismatch or a fully exhausted union.
	NoMatch ValidationErrorKind = iota
	// LiteralValuesDoNotMatch means a literal validator saw a non-equal value.
	LiteralValuesDoNotMatch
	// TableNamesDoNotMatch means an Id value decoded to the wrong table.
	TableNamesDoNotMatch
	// SystemTableReference means an Id value pointed at a system table.
	SystemTableReference
	// MissingRequiredField means an object value lacked a required field.
	MissingRequiredField
	// ExtraField means an object value carried a field the validator lacks.
	ExtraField
)

func (k ValidationErrorKind) String() string {
	switch k {
	case NoMatch:
		return "NoMatch"
	case LiteralValuesDoNotMatch:
		return "LiteralValuesDoNotMatch"
	case TableNamesDoNotMatch:
		return "TableNamesDoNotMatch"
	case SystemTableReference:
		return "SystemTableReference"
	case MissingRequiredField:
		return "MissingRequiredField"
	case ExtraField:
		return "ExtraField"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ValidationError reports why a value failed its validator. Context is a
// JSON-path-like trail (".field", "[2]", ".keys()") into the value.
type ValidationError struct {
	ErrorKind ValidationErrorKind
	Context   string

	// ValueKind and Validator describe the mismatch for NoMatch.
	ValueKind types.ValueKind
	Validator string

	// Field names the object field for MissingRequiredField and ExtraField.
	Field string

	// TableName and FoundTable describe Id mismatches.
	TableName  string
	FoundTable string
}

func (e *ValidationError) Error() string {
	ctx := e.Context
	if ctx == "" {
		ctx = "document"
	}
	switch e.ErrorKind {
	case LiteralValuesDoNotMatch:
		return fmt.Sprintf("value at %s does not match the literal validator %s", ctx, e.Validator)
	case TableNamesDoNotMatch:
		return fmt.Sprintf("id at %s belongs to table %q, expected %q", ctx, e.FoundTable, e.TableName)
	case SystemTableReference:
		return fmt.Sprintf("id at %s references the system table %q", ctx, e.FoundTable)
	case MissingRequiredField:
		return fmt.Sprintf("object at %s is missing the required field %q", ctx, e.Field)
	case ExtraField:
		return fmt.Sprintf("object at %s contains the extra field %q", ctx, e.Field)
	default:
		return fmt.Sprintf("value of type %s at %s does not match validator %s", e.ValueKind, ctx, e.Validator)
	}
}

// CheckValue walks v against the validator tree. Id validators resolve
// against tables first and virtualTables second. A nil error means the
// value is admitted.
func (val Validator) CheckValue(v types.Value, tables, virtualTables TableResolver) error {
	return val.check(v, tables, virtualTables, "")
}

func (val Validator) check(v types.Value, tables, virtualTables TableResolver, ctx string) error {
	switch val.Kind {
	case KindAny:
		return nil

	case KindNull:
		if v.Kind != types.ValueNull {
			return noMatch(v, val, ctx)
		}
		return nil

	case KindInt64:
		if v.Kind != types.ValueInt64 {
			return noMatch(v, val, ctx)
		}
		return nil

	case KindFloat64:
		if v.Kind != types.ValueFloat64 {
			return noMatch(v, val, ctx)
		}
		return nil

	case KindBool:
		if v.Kind != types.ValueBool {
			return noMatch(v, val, ctx)
		}
		return nil

	case KindString:
		if v.Kind != types.ValueString {
			return noMatch(v, val, ctx)
		}
		return nil

	case KindBytes:
		if v.Kind != types.ValueBytes {
			return noMatch(v, val, ctx)
		}
		return nil

	case KindLiteral:
		if v.Kind != val.Literal.Kind {
			return noMatch(v, val, ctx)
		}
		if !v.Equal(*val.Literal) {
			return &ValidationError{
				ErrorKind: LiteralValuesDoNotMatch,
				Context:   ctx,
				ValueKind: v.Kind,
				Validator: val.String(),
			}
		}
		return nil

	case KindID:
		if v.Kind != types.ValueString {
			return noMatch(v, val, ctx)
		}
		return val.checkID(v.Str, tables, virtualTables, ctx)

	case KindArray:
		if v.Kind != types.ValueArray {
			return noMatch(v, val, ctx)
		}
		for i, item := range v.Items {
			if err := val.Element.check(item, tables, virtualTables, fmt.Sprintf("%s[%d]", ctx, i)); err != nil {
				return err
			}
		}
		return nil

	case KindSet:
		if v.Kind != types.ValueSet {
			return noMatch(v, val, ctx)
		}
		for i, item := range v.Items {
			if err := val.Element.check(item, tables, virtualTables, fmt.Sprintf("%s[%d]", ctx, i)); err != nil {
				return err
			}
		}
		return nil

	case KindMap, KindRecord:
		wantKind := types.ValueMap
		if val.Kind == KindRecord {
			wantKind = types.ValueObject
		}
		if v.Kind != wantKind {
			return noMatch(v, val, ctx)
		}
		if val.Kind == KindMap {
			for _, e := range v.Entries {
				if err := val.Key.check(e.Key, tables, virtualTables, ctx+".keys()"); err != nil {
					return err
				}
				if err := val.Value.check(e.Value, tables, virtualTables, ctx+".values()"); err != nil {
					return err
				}
			}
			return nil
		}
		for _, f := range v.Fields {
			if err := val.Key.check(types.String(f.Name), tables, virtualTables, ctx+".keys()"); err != nil {
				return err
			}
			if err := val.Value.check(f.Value, tables, virtualTables, ctx+".values()"); err != nil {
				return err
			}
		}
		return nil

	case KindObject:
		if v.Kind != types.ValueObject {
			return noMatch(v, val, ctx)
		}
		for i := range val.Fields {
			f := &val.Fields[i]
			fieldValue, present := v.Get(f.Name)
			if !present {
				if f.Optional {
					continue
				}
				return &ValidationError{
					ErrorKind: MissingRequiredField,
					Context:   ctx,
					Field:     f.Name,
					Validator: val.String(),
				}
			}
			if err := f.Type.check(fieldValue, tables, virtualTables, ctx+"."+f.Name); err != nil {
				return err
			}
		}
		for _, f := range v.Fields {
			if val.field(f.Name) == nil {
				return &ValidationError{
					ErrorKind: ExtraField,
					Context:   ctx,
					Field:     f.Name,
					Validator: val.String(),
				}
			}
		}
		return nil

	case KindUnion:
		// A singleton union behaves exactly like its branch, errors
		// included. Larger unions try branches in order; on total failure
		// the union-level NoMatch is reported and branch errors dropped.
		if len(val.Branches) == 1 {
			return val.Branches[0].check(v, tables, virtualTables, ctx)
		}
		for i := range val.Branches {
			if err := val.Branches[i].check(v, tables, virtualTables, ctx); err == nil {
				return nil
			}
		}
		return noMatch(v, val, ctx)
	}
	return noMatch(v, val, ctx)
}

func (val Validator) checkID(raw string, tables, virtualTables TableResolver, ctx string) error {
	id, err := types.DecodeDocumentID(raw)
	if err != nil {
		return &ValidationError{
			ErrorKind: NoMatch,
			Context:   ctx,
			ValueKind: types.ValueString,
			Validator: val.String(),
		}
	}

	name, ok := tables.TabletName(id.Tablet)
	if !ok && virtualTables != nil {
		name, ok = virtualTables.TabletName(id.Tablet)
	}
	if !ok {
		return &ValidationError{
			ErrorKind:  TableNamesDoNotMatch,
			Context:    ctx,
			TableName:  val.TableName,
			FoundTable: "<unknown>",
		}
	}
	if name != val.TableName {
		if tables.IsSystem(name) {
			return &ValidationError{
				ErrorKind:  SystemTableReference,
				Context:    ctx,
				TableName:  val.TableName,
				FoundTable: name,
			}
		}
		return &ValidationError{
			ErrorKind:  TableNamesDoNotMatch,
			Context:    ctx,
			TableName:  val.TableName,
			FoundTable: name,
		}
	}
	return nil
}

func noMatch(v types.Value, val Validator, ctx string) error {
	return &ValidationError{
		ErrorKind: NoMatch,
		Context:   ctx,
		ValueKind: v.Kind,
		Validator: val.String(),
	}
}
