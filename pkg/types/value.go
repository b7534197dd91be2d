package types

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// ValueKind enumerates the document value constructors.
type ValueKind uint8

const (
	ValueNull ValueKind = iota
	ValueInt64
	ValueFloat64
	ValueBool
	ValueString
	ValueBytes
	ValueArray
	ValueSet
	ValueMap
	ValueObject
)

func (k ValueKind) String() string {
	switch k {
	case ValueNull:
		return "null"
	case ValueInt64:
		return "int64"
	case ValueFloat64:
		return "float64"
	case ValueBool:
		return "boolean"
	case ValueString:
		return "string"
	case ValueBytes:
		return "bytes"
	case ValueArray:
		return "array"
	case ValueSet:
		return "set"
	case ValueMap:
		return "map"
	case ValueObject:
		return "object"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// MapEntry is one key/value pair of a map value.
type MapEntry struct {
	Key   Value
	Value Value
}

// Value is a document value: one of null, int64, float64, bool, string,
// bytes, array, set, map, or object. Int64 survives JSON round-trips via a
// tagged encoding since JSON numbers are doubles.
type Value struct {
	Kind    ValueKind
	Int     int64
	Float   float64
	Bool    bool
	Str     string
	Bytes   []byte
	Items   []Value    // array and set elements
	Entries []MapEntry // map entries
	Fields  []Field    // object fields, sorted by name
}

// Field is one named field of an object value.
type Field struct {
	Name  string
	Value Value
}

// Constructors.

func Null() Value                { return Value{Kind: ValueNull} }
func Int(v int64) Value          { return Value{Kind: ValueInt64, Int: v} }
func Float(v float64) Value      { return Value{Kind: ValueFloat64, Float: v} }
func Boolean(v bool) Value       { return Value{Kind: ValueBool, Bool: v} }
func String(v string) Value      { return Value{Kind: ValueString, Str: v} }
func Blob(v []byte) Value        { return Value{Kind: ValueBytes, Bytes: v} }
func Array(items ...Value) Value { return Value{Kind: ValueArray, Items: items} }
func Set(items ...Value) Value   { return Value{Kind: ValueSet, Items: items} }

func MapValue(entries ...MapEntry) Value {
	return Value{Kind: ValueMap, Entries: entries}
}

// Object builds an object value. Fields are stored sorted by name so that
// equality and key encoding are canonical.
func Object(fields map[string]Value) Value {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Field, 0, len(names))
	for _, name := range names {
		out = append(out, Field{Name: name, Value: fields[name]})
	}
	return Value{Kind: ValueObject, Fields: out}
}

// Get returns the named object field.
func (v Value) Get(name string) (Value, bool) {
	for _, f := range v.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Equal reports deep equality of two values.
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case ValueNull:
		return true
	case ValueInt64:
		return v.Int == other.Int
	case ValueFloat64:
		return math.Float64bits(v.Float) == math.Float64bits(other.Float)
	case ValueBool:
		return v.Bool == other.Bool
	case ValueString:
		return v.Str == other.Str
	case ValueBytes:
		return bytes.Equal(v.Bytes, other.Bytes)
	case ValueArray, ValueSet:
		if len(v.Items) != len(other.Items) {
			return false
		}
		for i := range v.Items {
			if !v.Items[i].Equal(other.Items[i]) {
				return false
			}
		}
		return true
	case ValueMap:
		if len(v.Entries) != len(other.Entries) {
			return false
		}
		for i := range v.Entries {
			if !v.Entries[i].Key.Equal(other.Entries[i].Key) ||
				!v.Entries[i].Value.Equal(other.Entries[i].Value) {
				return false
			}
		}
		return true
	case ValueObject:
		if len(v.Fields) != len(other.Fields) {
			return false
		}
		for i := range v.Fields {
			if v.Fields[i].Name != other.Fields[i].Name ||
				!v.Fields[i].Value.Equal(other.Fields[i].Value) {
				return false
			}
		}
		return true
	}
	return false
}

// JSON encoding. Plain JSON covers null, float, bool, string, array, and
// objects. The remaining kinds use single-key tag objects so that decoding
// is unambiguous:
//
//	int64  -> {"$integer": "<base64 little-endian 8 bytes>"}
//	bytes  -> {"$bytes": "<base64>"}
//	set    -> {"$set": [...]}
//	map    -> {"$map": [[k, v], ...]}
//
// Object field names starting with "$" are reserved and rejected.

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case ValueNull:
		return []byte("null"), nil
	case ValueInt64:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(v.Int))
		return json.Marshal(map[string]string{
			"$integer": base64.StdEncoding.EncodeToString(buf[:]),
		})
	case ValueFloat64:
		if math.IsNaN(v.Float) || math.IsInf(v.Float, 0) || v.Float == math.Copysign(0, -1) {
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v.Float))
			return json.Marshal(map[string]string{
				"$float": base64.StdEncoding.EncodeToString(buf[:]),
			})
		}
		return json.Marshal(v.Float)
	case ValueBool:
		return json.Marshal(v.Bool)
	case ValueString:
		return json.Marshal(v.Str)
	case ValueBytes:
		return json.Marshal(map[string]string{
			"$bytes": base64.StdEncoding.EncodeToString(v.Bytes),
		})
	case ValueArray:
		return marshalValueSlice(v.Items)
	case ValueSet:
		items, err := marshalValueSlice(v.Items)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]json.RawMessage{"$set": items})
	case ValueMap:
		pairs := make([][2]Value, len(v.Entries))
		for i, e := range v.Entries {
			pairs[i] = [2]Value{e.Key, e.Value}
		}
		raw, err := json.Marshal(pairs)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]json.RawMessage{"$map": raw})
	case ValueObject:
		var b bytes.Buffer
		b.WriteByte('{')
		for i, f := range v.Fields {
			if strings.HasPrefix(f.Name, "$") {
				return nil, fmt.Errorf("field name %q is reserved", f.Name)
			}
			if i > 0 {
				b.WriteByte(',')
			}
			name, err := json.Marshal(f.Name)
			if err != nil {
				return nil, err
			}
			b.Write(name)
			b.WriteByte(':')
			val, err := json.Marshal(f.Value)
			if err != nil {
				return nil, err
			}
			b.Write(val)
		}
		b.WriteByte('}')
		return b.Bytes(), nil
	}
	return nil, fmt.Errorf("cannot marshal value kind %s", v.Kind)
}

func marshalValueSlice(items []Value) ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('[')
	for i, item := range items {
		if i > 0 {
			b.WriteByte(',')
		}
		raw, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		b.Write(raw)
	}
	b.WriteByte(']')
	return b.Bytes(), nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := valueFromJSON(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func valueFromJSON(raw any) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Boolean(x), nil
	case string:
		return String(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", x, err)
		}
		return Float(f), nil
	case []any:
		items := make([]Value, len(x))
		for i, el := range x {
			v, err := valueFromJSON(el)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return Value{Kind: ValueArray, Items: items}, nil
	case map[string]any:
		if len(x) == 1 {
			for tag, inner := range x {
				if strings.HasPrefix(tag, "$") {
					return taggedValueFromJSON(tag, inner)
				}
			}
		}
		fields := make(map[string]Value, len(x))
		for name, el := range x {
			if strings.HasPrefix(name, "$") {
				return Value{}, fmt.Errorf("field name %q is reserved", name)
			}
			v, err := valueFromJSON(el)
			if err != nil {
				return Value{}, err
			}
			fields[name] = v
		}
		return Object(fields), nil
	}
	return Value{}, fmt.Errorf("unsupported JSON value %T", raw)
}

func taggedValueFromJSON(tag string, inner any) (Value, error) {
	switch tag {
	case "$integer":
		s, ok := inner.(string)
		if !ok {
			return Value{}, fmt.Errorf("$integer payload must be a string")
		}
		buf, err := base64.StdEncoding.DecodeString(s)
		if err != nil || len(buf) != 8 {
			return Value{}, fmt.Errorf("invalid $integer payload")
		}
		return Int(int64(binary.LittleEndian.Uint64(buf))), nil
	case "$float":
		s, ok := inner.(string)
		if !ok {
			return Value{}, fmt.Errorf("$float payload must be a string")
		}
		buf, err := base64.StdEncoding.DecodeString(s)
		if err != nil || len(buf) != 8 {
			return Value{}, fmt.Errorf("invalid $float payload")
		}
		return Float(math.Float64frombits(binary.LittleEndian.Uint64(buf))), nil
	case "$bytes":
		s, ok := inner.(string)
		if !ok {
			return Value{}, fmt.Errorf("$bytes payload must be a string")
		}
		buf, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return Value{}, fmt.Errorf("invalid $bytes payload: %w", err)
		}
		return Blob(buf), nil
	case "$set":
		items, ok := inner.([]any)
		if !ok {
			return Value{}, fmt.Errorf("$set payload must be an array")
		}
		out := make([]Value, len(items))
		for i, el := range items {
			v, err := valueFromJSON(el)
			if err != nil {
				return Value{}, err
			}
			out[i] = v
		}
		return Value{Kind: ValueSet, Items: out}, nil
	case "$map":
		pairs, ok := inner.([]any)
		if !ok {
			return Value{}, fmt.Errorf("$map payload must be an array of pairs")
		}
		entries := make([]MapEntry, len(pairs))
		for i, el := range pairs {
			pair, ok := el.([]any)
			if !ok || len(pair) != 2 {
				return Value{}, fmt.Errorf("$map entry %d is not a pair", i)
			}
			k, err := valueFromJSON(pair[0])
			if err != nil {
				return Value{}, err
			}
			v, err := valueFromJSON(pair[1])
			if err != nil {
				return Value{}, err
			}
			entries[i] = MapEntry{Key: k, Value: v}
		}
		return Value{Kind: ValueMap, Entries: entries}, nil
	}
	return Value{}, fmt.Errorf("unknown tag %q", tag)
}
