package schema

import (
	"testing"

	"github.com/cuemby/loam/pkg/types"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

// genValidator builds arbitrary validator trees for property tests.
func genValidator() *rapid.Generator[Validator] {
	leaf := rapid.OneOf(
		rapid.Just(Null()),
		rapid.Just(Int64()),
		rapid.Just(Float64()),
		rapid.Just(Bool()),
		rapid.Just(String()),
		rapid.Just(Bytes()),
		rapid.Just(Any()),
		rapid.Just(ID("users")),
		rapid.Just(Literal(types.String("x"))),
		rapid.Just(Literal(types.Int(3))),
		rapid.Just(Literal(types.Boolean(true))),
	)
	return rapid.Custom(func(t *rapid.T) Validator {
		return genValidatorDepth(t, leaf, 3)
	})
}

func genValidatorDepth(t *rapid.T, leaf *rapid.Generator[Validator], depth int) Validator {
	if depth == 0 || rapid.Bool().Draw(t, "leaf?") {
		return leaf.Draw(t, "leaf")
	}
	switch rapid.IntRange(0, 4).Draw(t, "ctor") {
	case 0:
		return Array(genValidatorDepth(t, leaf, depth-1))
	case 1:
		return Set(genValidatorDepth(t, leaf, depth-1))
	case 2:
		return Map(genValidatorDepth(t, leaf, depth-1), genValidatorDepth(t, leaf, depth-1))
	case 3:
		n := rapid.IntRange(0, 3).Draw(t, "fields")
		fields := make([]FieldValidator, 0, n)
		names := []string{"a", "b", "c"}
		for i := 0; i < n; i++ {
			fields = append(fields, FieldValidator{
				Name:     names[i],
				Type:     genValidatorDepth(t, leaf, depth-1),
				Optional: rapid.Bool().Draw(t, "optional"),
			})
		}
		return ObjectOf(fields...)
	default:
		n := rapid.IntRange(2, 3).Draw(t, "branches")
		branches := make([]Validator, n)
		for i := range branches {
			branches[i] = genValidatorDepth(t, leaf, depth-1)
		}
		return Union(branches...)
	}
}

func TestSubsetReflexive(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		v := genValidator().Draw(t, "v")
		assert.True(t, IsSubset(v, v), "validator %s should be a subset of itself", v)
	})
}

func TestEverythingSubsetOfAny(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		v := genValidator().Draw(t, "v")
		assert.True(t, IsSubset(v, Any()))
	})
}

func TestNothingSubsetOfEmptyUnion(t *testing.T) {
	empty := Validator{Kind: KindUnion}
	rapid.Check(t, func(t *rapid.T) {
		v := genValidator().Draw(t, "v")
		if v.Kind == KindUnion && len(v.Branches) == 0 {
			return
		}
		assert.False(t, IsSubset(v, empty), "%s should not be a subset of the empty union", v)
	})
}

func TestEmptyUnionSubsetOfEverything(t *testing.T) {
	empty := Validator{Kind: KindUnion}
	rapid.Check(t, func(t *rapid.T) {
		v := genValidator().Draw(t, "v")
		assert.True(t, IsSubset(empty, v))
	})
}

func TestSingletonUnionCollapses(t *testing.T) {
	v := Union(Int64())
	assert.Equal(t, KindInt64, v.Kind)
}

func TestLiteralSubtyping(t *testing.T) {
	assert.True(t, IsSubset(Literal(types.String("a")), String()))
	assert.True(t, IsSubset(Literal(types.Int(1)), Int64()))
	assert.True(t, IsSubset(Literal(types.Float(1.5)), Float64()))
	assert.True(t, IsSubset(Literal(types.Boolean(true)), Bool()))
	assert.False(t, IsSubset(Literal(types.String("a")), Int64()))

	// Id values are strings on the wire.
	assert.True(t, IsSubset(ID("users"), String()))
	assert.False(t, IsSubset(String(), ID("users")))
}

func TestBoolCoveredByLiteralUnion(t *testing.T) {
	both := Union(Literal(types.Boolean(true)), Literal(types.Boolean(false)))
	assert.True(t, IsSubset(Bool(), both))

	onlyTrue := Union(Literal(types.Boolean(true)), Literal(types.Int(1)))
	assert.False(t, IsSubset(Bool(), onlyTrue))
}

func TestContainerCovariance(t *testing.T) {
	assert.True(t, IsSubset(Array(Literal(types.Int(1))), Array(Int64())))
	assert.False(t, IsSubset(Array(Int64()), Array(Literal(types.Int(1)))))
	assert.True(t, IsSubset(Set(ID("users")), Set(String())))
	assert.True(t, IsSubset(
		Map(Literal(types.String("k")), Int64()),
		Map(String(), Union(Int64(), Null())),
	))
}

func TestObjectSubset(t *testing.T) {
	base := ObjectOf(
		FieldValidator{Name: "name", Type: String()},
		FieldValidator{Name: "age", Type: Int64()},
	)

	// Adding an optional field upward is fine.
	widened := ObjectOf(
		FieldValidator{Name: "name", Type: String()},
		FieldValidator{Name: "age", Type: Int64()},
		FieldValidator{Name: "email", Type: String(), Optional: true},
	)
	assert.True(t, IsSubset(base, widened))

	// Adding a required field upward is not.
	required := ObjectOf(
		FieldValidator{Name: "name", Type: String()},
		FieldValidator{Name: "age", Type: Int64()},
		FieldValidator{Name: "email", Type: String()},
	)
	assert.False(t, IsSubset(base, required))

	// A field may not disappear.
	narrower := ObjectOf(FieldValidator{Name: "name", Type: String()})
	assert.False(t, IsSubset(base, narrower))

	// Optional in the subset must stay optional in the superset.
	optField := ObjectOf(FieldValidator{Name: "name", Type: String(), Optional: true})
	reqField := ObjectOf(FieldValidator{Name: "name", Type: String()})
	assert.False(t, IsSubset(optField, reqField))
	assert.True(t, IsSubset(reqField, optField))
}

func TestUnionSubsetRules(t *testing.T) {
	u := Union(Int64(), String())
	assert.True(t, IsSubset(u, Union(Int64(), String(), Null())))
	assert.False(t, IsSubset(Union(Int64(), Bytes()), Union(Int64(), String())))
	assert.True(t, IsSubset(Int64(), u))
}
