// Package value implements the immutable, recursively typed values that the
// snapshot payloads are made of. Every Value carries a content fingerprint
// computed when it is built, so equal subtrees can be recognised in O(1).
package value

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"golang.org/x/crypto/blake2b"
)

type Kind uint8

const (
	Null Kind = iota
	Bool
	Int
	Float
	String
	Array
	Object
)

func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Bool:
		return "bool"
	case Int:
		return "int"
	case Float:
		return "float"
	case String:
		return "string"
	case Array:
		return "array"
	case Object:
		return "object"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Fingerprint identifies a value's content. Null has the zero fingerprint.
type Fingerprint [blake2b.Size256]byte

func (f Fingerprint) IsZero() bool { return f == Fingerprint{} }

// Value is immutable once constructed. The zero Value is Null.
type Value struct {
	kind  Kind
	b     bool
	i     int64
	f     float64
	s     string
	items []Value
	keys  []string // sorted
	props map[string]Value
	fp    Fingerprint
}

func NewNull() Value { return Value{} }

func NewBool(b bool) Value {
	v := Value{kind: Bool, b: b}
	var tmp [1]byte
	if b {
		tmp[0] = 1
	}
	v.fp = sum(Bool, tmp[:])
	return v
}

func NewInt(i int64) Value {
	v := Value{kind: Int, i: i}
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(i))
	v.fp = sum(Int, tmp[:])
	return v
}

func NewFloat(f float64) Value {
	v := Value{kind: Float, f: f}
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(f))
	v.fp = sum(Float, tmp[:])
	return v
}

func NewString(s string) Value {
	v := Value{kind: String, s: s}
	v.fp = sum(String, []byte(s))
	return v
}

// NewArray copies items into a new array value.
func NewArray(items ...Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return arrayOf(cp)
}

func arrayOf(items []Value) Value {
	v := Value{kind: Array, items: items}
	h, _ := blake2b.New256(nil)
	var tmp [8]byte
	h.Write([]byte{byte(Array)})
	binary.LittleEndian.PutUint64(tmp[:], uint64(len(items)))
	h.Write(tmp[:])
	for i := range items {
		h.Write(items[i].fp[:])
	}
	copy(v.fp[:], h.Sum(nil))
	return v
}

// NewObject copies props into a new object value.
func NewObject(props map[string]Value) Value {
	cp := make(map[string]Value, len(props))
	keys := make([]string, 0, len(props))
	for k, p := range props {
		cp[k] = p
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return objectOf(keys, cp)
}

func objectOf(keys []string, props map[string]Value) Value {
	v := Value{kind: Object, keys: keys, props: props}
	h, _ := blake2b.New256(nil)
	var tmp [8]byte
	h.Write([]byte{byte(Object)})
	binary.LittleEndian.PutUint64(tmp[:], uint64(len(keys)))
	h.Write(tmp[:])
	for _, k := range keys {
		binary.LittleEndian.PutUint64(tmp[:], uint64(len(k)))
		h.Write(tmp[:])
		h.Write([]byte(k))
		fp := props[k].fp
		h.Write(fp[:])
	}
	copy(v.fp[:], h.Sum(nil))
	return v
}

func sum(k Kind, payload []byte) Fingerprint {
	h, _ := blake2b.New256(nil)
	h.Write([]byte{byte(k)})
	h.Write(payload)
	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}

func (v Value) Kind() Kind               { return v.kind }
func (v Value) Fingerprint() Fingerprint { return v.fp }
func (v Value) IsNull() bool             { return v.kind == Null }

// Equal reports structural equality.
func (v Value) Equal(o Value) bool { return v.kind == o.kind && v.fp == o.fp }

func (v Value) Bool() bool {
	return v.kind == Bool && v.b
}

// Int returns the integer content; floats are truncated.
func (v Value) Int() int64 {
	switch v.kind {
	case Int:
		return v.i
	case Float:
		return int64(v.f)
	}
	return 0
}

func (v Value) Float() float64 {
	switch v.kind {
	case Int:
		return float64(v.i)
	case Float:
		return v.f
	}
	return 0
}

func (v Value) Str() string {
	if v.kind != String {
		return ""
	}
	return v.s
}

// Len is the number of array items or object keys.
func (v Value) Len() int {
	switch v.kind {
	case Array:
		return len(v.items)
	case Object:
		return len(v.keys)
	}
	return 0
}

func (v Value) Index(i int) (Value, bool) {
	if v.kind != Array || i < 0 || i >= len(v.items) {
		return Value{}, false
	}
	return v.items[i], true
}

func (v Value) Field(key string) (Value, bool) {
	if v.kind != Object {
		return Value{}, false
	}
	p, ok := v.props[key]
	return p, ok
}

// Keys returns the object's keys in sorted order.
func (v Value) Keys() []string {
	if v.kind != Object {
		return nil
	}
	out := make([]string, len(v.keys))
	copy(out, v.keys)
	return out
}

// Range calls fn for every key in sorted order until fn returns false.
func (v Value) Range(fn func(key string, field Value) bool) {
	if v.kind != Object {
		return
	}
	for _, k := range v.keys {
		if !fn(k, v.props[k]) {
			return
		}
	}
}

// FromAny converts plain Go data (as produced by encoding/json or written
// by hand) into a Value.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return NewNull(), nil
	case Value:
		return t, nil
	case bool:
		return NewBool(t), nil
	case int:
		return NewInt(int64(t)), nil
	case int32:
		return NewInt(int64(t)), nil
	case int64:
		return NewInt(t), nil
	case uint32:
		return NewInt(int64(t)), nil
	case float32:
		return newFiniteFloat(float64(t))
	case float64:
		return newFiniteFloat(t)
	case string:
		return NewString(t), nil
	case []any:
		items := make([]Value, len(t))
		for i, e := range t {
			iv, err := FromAny(e)
			if err != nil {
				return Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			items[i] = iv
		}
		return arrayOf(items), nil
	case []Value:
		return NewArray(t...), nil
	case map[string]any:
		props := make(map[string]Value, len(t))
		for k, e := range t {
			pv, err := FromAny(e)
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", k, err)
			}
			props[k] = pv
		}
		return NewObject(props), nil
	case map[string]Value:
		return NewObject(t), nil
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedType, x)
	}
}

// MustFromAny is FromAny for literals in tests and fixtures.
func MustFromAny(x any) Value {
	v, err := FromAny(x)
	if err != nil {
		panic(err)
	}
	return v
}

func newFiniteFloat(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, ErrNonFinite
	}
	return NewFloat(f), nil
}

// ToAny converts v back into plain Go data.
func (v Value) ToAny() any {
	switch v.kind {
	case Bool:
		return v.b
	case Int:
		return v.i
	case Float:
		return v.f
	case String:
		return v.s
	case Array:
		out := make([]any, len(v.items))
		for i, it := range v.items {
			out[i] = it.ToAny()
		}
		return out
	case Object:
		out := make(map[string]any, len(v.keys))
		for _, k := range v.keys {
			out[k] = v.props[k].ToAny()
		}
		return out
	}
	return nil
}
