package types

import (
	"bytes"
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, v Value) Value {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	var back Value
	require.NoError(t, json.Unmarshal(raw, &back))
	return back
}

func TestValueJSONRoundTrip(t *testing.T) {
	values := []Value{
		Null(),
		Int(0),
		Int(-42),
		Int(math.MaxInt64),
		Float(3.5),
		Float(math.Inf(-1)),
		Boolean(true),
		String("hello"),
		String(""),
		Blob([]byte{0, 1, 2, 0xff}),
		Array(Int(1), String("two"), Null()),
		Set(String("a"), String("b")),
		MapValue(MapEntry{Key: String("k"), Value: Int(1)}),
		Object(map[string]Value{
			"name":   String("doc"),
			"count":  Int(7),
			"nested": Object(map[string]Value{"ok": Boolean(true)}),
		}),
	}
	for _, v := range values {
		back := roundTrip(t, v)
		assert.True(t, v.Equal(back), "value %v did not round-trip, got %v", v, back)
	}
}

func TestValueJSONIntegerSurvivesAsInt64(t *testing.T) {
	back := roundTrip(t, Int(123))
	assert.Equal(t, ValueInt64, back.Kind)
	assert.Equal(t, int64(123), back.Int)

	// Plain JSON numbers decode as floats.
	var fromPlain Value
	require.NoError(t, json.Unmarshal([]byte("123"), &fromPlain))
	assert.Equal(t, ValueFloat64, fromPlain.Kind)
}

func TestValueJSONRejectsReservedFields(t *testing.T) {
	_, err := json.Marshal(Object(map[string]Value{"$bad": Int(1)}))
	assert.Error(t, err)
}

func TestEncodeKeyOrdersInts(t *testing.T) {
	inputs := []int64{math.MinInt64, -100, -1, 0, 1, 99, math.MaxInt64}
	var prev IndexKey
	for _, n := range inputs {
		key := EncodeKey(Int(n))
		if prev != nil {
			assert.Negative(t, bytes.Compare(prev, key), "key for %d should sort after its predecessor", n)
		}
		prev = key
	}
}

func TestEncodeKeyOrdersFloats(t *testing.T) {
	inputs := []float64{math.Inf(-1), -2.5, 0, 1e-9, 3.14, math.Inf(1)}
	var prev IndexKey
	for _, f := range inputs {
		key := EncodeKey(Float(f))
		if prev != nil {
			assert.Negative(t, bytes.Compare(prev, key))
		}
		prev = key
	}
}

func TestEncodeKeyOrdersStringsWithEmbeddedZeros(t *testing.T) {
	a := EncodeKey(String("a"))
	aZero := EncodeKey(String("a\x00"))
	ab := EncodeKey(String("ab"))
	assert.Negative(t, bytes.Compare(a, aZero))
	assert.Negative(t, bytes.Compare(aZero, ab))
}

func TestEncodeKeyPrefixVsLongerTuple(t *testing.T) {
	// A composite key is always ordered after its own prefix.
	short := EncodeKey(String("x"))
	long := EncodeKey(String("x"), Int(1))
	assert.Negative(t, bytes.Compare(short, long))
}

func TestIndexKeySplit(t *testing.T) {
	short := IndexKey(bytes.Repeat([]byte{7}, 10))
	prefix, suffix := short.Split()
	assert.Equal(t, []byte(short), prefix)
	assert.Nil(t, suffix)

	long := IndexKey(bytes.Repeat([]byte{7}, MaxIndexKeyPrefixLen+5))
	prefix, suffix = long.Split()
	assert.Len(t, prefix, MaxIndexKeyPrefixLen)
	assert.Len(t, suffix, 5)

	// The hash covers the whole key, not just the stored prefix.
	other := IndexKey(append(bytes.Repeat([]byte{7}, MaxIndexKeyPrefixLen), 1, 2, 3, 4, 5))
	assert.NotEqual(t, long.SHA256(), other.SHA256())
}

func TestDocumentIDRoundTrip(t *testing.T) {
	id := DocumentID{Tablet: NewTabletID(), Internal: NewInternalID()}
	back, err := DecodeDocumentID(EncodeDocumentID(id))
	require.NoError(t, err)
	assert.Equal(t, id, back)

	_, err = DecodeDocumentID("not-an-id")
	assert.Error(t, err)
}

func TestTimestampRange(t *testing.T) {
	r := Span(5, 10) // (5, 10]
	assert.False(t, r.Contains(5))
	assert.True(t, r.Contains(6))
	assert.True(t, r.Contains(10))
	assert.False(t, r.Contains(11))

	all := AllTime()
	assert.True(t, all.Contains(0))
	assert.True(t, all.Contains(MaxTimestamp-1))
}

func TestIntervalContains(t *testing.T) {
	iv := Interval{Start: []byte("b"), End: []byte("d")}
	assert.False(t, iv.Contains([]byte("a")))
	assert.True(t, iv.Contains([]byte("b")))
	assert.True(t, iv.Contains([]byte("c")))
	assert.False(t, iv.Contains([]byte("d")))

	unbounded := Interval{}
	assert.True(t, unbounded.Contains([]byte{}))
	assert.True(t, unbounded.Contains([]byte("zzz")))
}
