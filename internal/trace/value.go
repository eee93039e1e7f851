package trace

import (
	"slices"
	"unicode/utf16"
)

// Value is a sealed interface over the value types a trace event may carry.
// Floats and null are not representable; canonical output stays stable.
type Value interface {
	traceValue()
}

// String is a string value.
type String string

func (String) traceValue() {}

// Int is an integer value.
type Int int64

func (Int) traceValue() {}

// Bool is a boolean value.
type Bool bool

func (Bool) traceValue() {}

// Array is an ordered list of values.
type Array []Value

func (Array) traceValue() {}

// Object maps string keys to values. Iterate with SortedKeys.
type Object map[string]Value

func (Object) traceValue() {}

// Words converts payload words to an Array of Ints.
func Words(words []uint32) Array {
	out := make(Array, len(words))
	for i, w := range words {
		out[i] = Int(w)
	}
	return out
}

// SortedKeys returns keys ordered by UTF-16 code units, as RFC 8785
// requires. Byte-wise UTF-8 order differs for supplementary characters.
func (obj Object) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	for i := 0; i < min(len(a16), len(b16)); i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	return len(a16) - len(b16)
}
