package types

import (
	"encoding/binary"
	"math"
)

// Order-preserving index key encoding. Each value is rendered to bytes such
// that lexicographic comparison of the encodings matches the value order:
// first by kind tag, then by the kind's own ordering. Variable-length parts
// (strings, bytes, nested containers) are escaped so that a shorter value
// sorts before any extension of it.

const (
	keyTagNull    = 0x02
	keyTagInt64   = 0x03
	keyTagFloat64 = 0x04
	keyTagBool    = 0x05
	keyTagString  = 0x06
	keyTagBytes   = 0x07
	keyTagArray   = 0x08
	keyTagSet     = 0x09
	keyTagMap     = 0x0a
	keyTagObject  = 0x0b

	keyEscape     = 0x00
	keyEscapedNul = 0xff
	keyTerminator = 0x01
)

// EncodeKey renders values into a single order-preserving index key.
// Multi-column keys are the concatenation of their column encodings.
func EncodeKey(values ...Value) IndexKey {
	var out []byte
	for _, v := range values {
		out = appendKeyValue(out, v)
	}
	return out
}

func appendKeyValue(out []byte, v Value) []byte {
	switch v.Kind {
	case ValueNull:
		return append(out, keyTagNull)
	case ValueInt64:
		out = append(out, keyTagInt64)
		var buf [8]byte
		// Flipping the sign bit maps int64 order onto unsigned byte order.
		binary.BigEndian.PutUint64(buf[:], uint64(v.Int)^(1<<63))
		return append(out, buf[:]...)
	case ValueFloat64:
		out = append(out, keyTagFloat64)
		bits := math.Float64bits(v.Float)
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], bits)
		return append(out, buf[:]...)
	case ValueBool:
		out = append(out, keyTagBool)
		if v.Bool {
			return append(out, 1)
		}
		return append(out, 0)
	case ValueString:
		out = append(out, keyTagString)
		return appendEscaped(out, []byte(v.Str))
	case ValueBytes:
		out = append(out, keyTagBytes)
		return appendEscaped(out, v.Bytes)
	case ValueArray, ValueSet:
		if v.Kind == ValueArray {
			out = append(out, keyTagArray)
		} else {
			out = append(out, keyTagSet)
		}
		for _, item := range v.Items {
			out = appendKeyValue(out, item)
		}
		return append(out, keyEscape, keyTerminator)
	case ValueMap:
		out = append(out, keyTagMap)
		for _, e := range v.Entries {
			out = appendKeyValue(out, e.Key)
			out = appendKeyValue(out, e.Value)
		}
		return append(out, keyEscape, keyTerminator)
	case ValueObject:
		out = append(out, keyTagObject)
		for _, f := range v.Fields {
			out = appendEscaped(out, []byte(f.Name))
			out = appendKeyValue(out, f.Value)
		}
		return append(out, keyEscape, keyTerminator)
	}
	return out
}

func appendEscaped(out, raw []byte) []byte {
	for _, b := range raw {
		if b == keyEscape {
			out = append(out, keyEscape, keyEscapedNul)
		} else {
			out = append(out, b)
		}
	}
	return append(out, keyEscape, keyTerminator)
}

// SuccessorKey returns the smallest key strictly greater than every key with
// the given prefix. Used to turn a key prefix into an exclusive scan bound.
// A prefix made only of 0xff bytes has no such key; the result is then nil.
func SuccessorKey(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}
