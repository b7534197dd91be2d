package schema

import (
	"encoding/json"
	"testing"

	"github.com/cuemby/loam/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticNumbers map[uint32]string

func (r staticNumbers) NumberToName(n uint32) (string, bool) {
	name, ok := r[n]
	return name, ok
}

func enumField(literals ...string) Validator {
	branches := make([]Validator, len(literals))
	for i, lit := range literals {
		branches[i] = Literal(types.String(lit))
	}
	return ObjectOf(FieldValidator{Name: "field", Type: Union(branches...)})
}

func enforced(tables map[string]Validator) *DatabaseSchema {
	defs := make(map[string]TableDefinition, len(tables))
	for name, v := range tables {
		defs[name] = TableDefinition{DocumentType: v}
	}
	return &DatabaseSchema{Tables: defs, SchemaValidation: true}
}

func TestTablesToValidateWideningEnumSkips(t *testing.T) {
	old := enforced(map[string]Validator{"table": enumField("a", "b", "c")})
	next := enforced(map[string]Validator{"table": enumField("a", "b", "c", "d")})

	got := TablesToValidate(next, old, nil, staticNumbers{}, nil)
	assert.Empty(t, got)
}

func TestTablesToValidateReplacedLiteralScans(t *testing.T) {
	old := enforced(map[string]Validator{"table": enumField("a", "b", "c")})
	next := enforced(map[string]Validator{"table": enumField("a", "b", "e")})

	got := TablesToValidate(next, old, nil, staticNumbers{}, nil)
	assert.Equal(t, []string{"table"}, got)
}

func TestTablesToValidateUnenforcedSchemaSkipsEverything(t *testing.T) {
	next := &DatabaseSchema{
		Tables:           map[string]TableDefinition{"table": {DocumentType: Int64()}},
		SchemaValidation: false,
	}
	assert.Empty(t, TablesToValidate(next, nil, nil, staticNumbers{}, nil))
}

func TestTablesToValidateAnySkips(t *testing.T) {
	next := enforced(map[string]Validator{"table": Any()})
	assert.Empty(t, TablesToValidate(next, nil, nil, staticNumbers{}, nil))
}

func TestTablesToValidateShapeProvesSkip(t *testing.T) {
	next := enforced(map[string]Validator{
		"table": ObjectOf(FieldValidator{Name: "n", Type: Int64()}),
	})

	shapes := map[string]Shape{
		"table": {
			Kind:     ShapeObject,
			Fields:   map[string]Shape{"n": {Kind: ShapeInt64}},
			Optional: map[string]bool{},
		},
	}
	assert.Empty(t, TablesToValidate(next, nil, shapes, staticNumbers{}, nil))

	// A wider shape cannot prove the skip.
	shapes["table"] = Shape{Kind: ShapeUnknown}
	assert.Equal(t, []string{"table"}, TablesToValidate(next, nil, shapes, staticNumbers{}, nil))
}

func TestShapeIDResolvesThroughBothMappings(t *testing.T) {
	shape := Shape{Kind: ShapeID, TableNumber: 7}

	regular := staticNumbers{7: "users"}
	assert.Equal(t, ID("users"), shape.ToValidator(regular, nil))

	virtual := staticNumbers{7: "_storage"}
	assert.Equal(t, ID("_storage"), shape.ToValidator(staticNumbers{}, virtual))

	// Unresolvable ids degrade to strings, which never prove Id skips.
	assert.Equal(t, String(), shape.ToValidator(staticNumbers{}, staticNumbers{}))
}

func TestEmptyTableShapeProvesAnySchema(t *testing.T) {
	next := enforced(map[string]Validator{
		"table": ObjectOf(FieldValidator{Name: "n", Type: Int64()}),
	})
	shapes := map[string]Shape{"table": {Kind: ShapeNever}}
	assert.Empty(t, TablesToValidate(next, nil, shapes, staticNumbers{}, nil))
}

func TestValidatorJSONRoundTrip(t *testing.T) {
	validators := []Validator{
		Null(), Int64(), Float64(), Bool(), String(), Bytes(), Any(),
		Literal(types.String("x")),
		Literal(types.Int(42)),
		ID("users"),
		Array(Union(Int64(), Null())),
		Set(String()),
		Map(String(), Bytes()),
		Record(String(), Float64()),
		ObjectOf(
			FieldValidator{Name: "a", Type: Int64()},
			FieldValidator{Name: "b", Type: String(), Optional: true},
		),
		Union(Int64(), String(), Null()),
	}
	for _, v := range validators {
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		var back Validator
		require.NoError(t, json.Unmarshal(raw, &back))
		assert.True(t, v.Equal(back), "validator %s did not round-trip: %s", v, string(raw))
	}
}

func TestDatabaseSchemaJSONRoundTrip(t *testing.T) {
	s := enforced(map[string]Validator{
		"users": ObjectOf(
			FieldValidator{Name: "name", Type: String()},
			FieldValidator{Name: "friend", Type: ID("users"), Optional: true},
		),
		"logs": Any(),
	})

	raw, err := json.Marshal(s)
	require.NoError(t, err)
	var back DatabaseSchema
	require.NoError(t, json.Unmarshal(raw, &back))

	assert.True(t, back.SchemaValidation)
	require.Len(t, back.Tables, 2)
	assert.True(t, s.Tables["users"].DocumentType.Equal(back.Tables["users"].DocumentType))
	assert.True(t, s.Tables["logs"].DocumentType.Equal(back.Tables["logs"].DocumentType))
}

func TestShapeUnionInference(t *testing.T) {
	intShape := ShapeOfValue(types.Int(1), nil)
	strShape := ShapeOfValue(types.String("s"), nil)
	assert.Equal(t, ShapeInt64, intShape.Kind)

	u := intShape.Union(strShape)
	assert.Equal(t, ShapeUnion, u.Kind)
	assert.Len(t, u.Branches, 2)

	// Same-kind union folds.
	assert.Equal(t, ShapeInt64, intShape.Union(intShape).Kind)

	// Object union marks missing fields optional.
	a := ShapeOfValue(types.Object(map[string]types.Value{"x": types.Int(1)}), nil)
	b := ShapeOfValue(types.Object(map[string]types.Value{"x": types.Int(2), "y": types.String("s")}), nil)
	merged := a.Union(b)
	assert.Equal(t, ShapeObject, merged.Kind)
	assert.False(t, merged.Optional["x"])
	assert.True(t, merged.Optional["y"])
}
