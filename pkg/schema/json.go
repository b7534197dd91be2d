package schema

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cuemby/loam/pkg/types"
)

// Validators serialize to the same JSON shape the schema system table
// stores: a "type" discriminator plus the constructor's parameters.

type validatorJSON struct {
	Type      string               `json:"type"`
	Value     json.RawMessage      `json:"value,omitempty"`
	TableName string               `json:"tableName,omitempty"`
	Keys      *Validator           `json:"keys,omitempty"`
	Values    *Validator           `json:"values,omitempty"`
	Fields    map[string]fieldJSON `json:"fields,omitempty"`
}

type fieldJSON struct {
	FieldType Validator `json:"fieldType"`
	Optional  bool      `json:"optional,omitempty"`
}

func (v Validator) MarshalJSON() ([]byte, error) {
	out := validatorJSON{Type: v.Kind.String()}
	switch v.Kind {
	case KindLiteral:
		raw, err := json.Marshal(v.Literal)
		if err != nil {
			return nil, err
		}
		out.Value = raw
	case KindID:
		out.TableName = v.TableName
	case KindArray, KindSet:
		raw, err := json.Marshal(v.Element)
		if err != nil {
			return nil, err
		}
		out.Value = raw
	case KindMap, KindRecord:
		out.Keys = v.Key
		out.Values = v.Value
	case KindObject:
		out.Fields = make(map[string]fieldJSON, len(v.Fields))
		for _, f := range v.Fields {
			out.Fields[f.Name] = fieldJSON{FieldType: f.Type, Optional: f.Optional}
		}
	case KindUnion:
		raw, err := json.Marshal(v.Branches)
		if err != nil {
			return nil, err
		}
		out.Value = raw
	}
	return json.Marshal(out)
}

func (v *Validator) UnmarshalJSON(data []byte) error {
	var raw validatorJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Type {
	case "null":
		*v = Null()
	case "int64":
		*v = Int64()
	case "float64":
		*v = Float64()
	case "boolean":
		*v = Bool()
	case "string":
		*v = String()
	case "bytes":
		*v = Bytes()
	case "any":
		*v = Any()
	case "literal":
		var lit types.Value
		if err := json.Unmarshal(raw.Value, &lit); err != nil {
			return err
		}
		*v = Literal(lit)
	case "id":
		*v = ID(raw.TableName)
	case "array", "set":
		var element Validator
		if err := json.Unmarshal(raw.Value, &element); err != nil {
			return err
		}
		if raw.Type == "array" {
			*v = Array(element)
		} else {
			*v = Set(element)
		}
	case "map":
		*v = Map(*raw.Keys, *raw.Values)
	case "record":
		*v = Record(*raw.Keys, *raw.Values)
	case "object":
		fields := make([]FieldValidator, 0, len(raw.Fields))
		for name, f := range raw.Fields {
			fields = append(fields, FieldValidator{Name: name, Type: f.FieldType, Optional: f.Optional})
		}
		sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })
		*v = Validator{Kind: KindObject, Fields: fields}
	case "union":
		var branches []Validator
		if raw.Value != nil {
			if err := json.Unmarshal(raw.Value, &branches); err != nil {
				return err
			}
		}
		*v = Validator{Kind: KindUnion, Branches: branches}
	default:
		return fmt.Errorf("unknown validator type %q", raw.Type)
	}
	return nil
}

// DatabaseSchema round-trips through its stored JSON form.

type databaseSchemaJSON struct {
	Tables           map[string]tableJSON `json:"tables"`
	SchemaValidation bool                 `json:"schemaValidation"`
}

type tableJSON struct {
	DocumentType Validator `json:"documentType"`
}

func (s DatabaseSchema) MarshalJSON() ([]byte, error) {
	out := databaseSchemaJSON{
		Tables:           make(map[string]tableJSON, len(s.Tables)),
		SchemaValidation: s.SchemaValidation,
	}
	for name, def := range s.Tables {
		out.Tables[name] = tableJSON{DocumentType: def.DocumentType}
	}
	return json.Marshal(out)
}

func (s *DatabaseSchema) UnmarshalJSON(data []byte) error {
	var raw databaseSchemaJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Tables = make(map[string]TableDefinition, len(raw.Tables))
	for name, def := range raw.Tables {
		s.Tables[name] = TableDefinition{DocumentType: def.DocumentType}
	}
	s.SchemaValidation = raw.SchemaValidation
	return nil
}
