package value

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	ErrUnsupportedType = errors.New("unsupported value type")
	ErrNonFinite       = errors.New("non-finite float")
)

// AppendJSON appends the canonical JSON encoding of v: object keys sorted,
// no insignificant whitespace, floats always carrying a fraction or exponent
// so they decode back as floats.
func (v Value) AppendJSON(buf []byte) []byte {
	switch v.kind {
	case Null:
		return append(buf, "null"...)
	case Bool:
		return strconv.AppendBool(buf, v.b)
	case Int:
		return strconv.AppendInt(buf, v.i, 10)
	case Float:
		return appendFloat(buf, v.f)
	case String:
		return appendString(buf, v.s)
	case Array:
		buf = append(buf, '[')
		for i := range v.items {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = v.items[i].AppendJSON(buf)
		}
		return append(buf, ']')
	case Object:
		buf = append(buf, '{')
		for i, k := range v.keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = appendString(buf, k)
			buf = append(buf, ':')
			buf = v.props[k].AppendJSON(buf)
		}
		return append(buf, '}')
	}
	return buf
}

func appendFloat(buf []byte, f float64) []byte {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return append(buf, "null"...)
	}
	start := len(buf)
	buf = strconv.AppendFloat(buf, f, 'g', -1, 64)
	if !bytes.ContainsAny(buf[start:], ".eE") {
		buf = append(buf, ".0"...)
	}
	return buf
}

func appendString(buf []byte, s string) []byte {
	b, _ := json.Marshal(s)
	return append(buf, b...)
}

func (v Value) MarshalJSON() ([]byte, error) {
	return v.AppendJSON(nil), nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := fromDecoded(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Parse decodes canonical (or any) JSON into a Value.
func Parse(data []byte) (Value, error) {
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return Value{}, err
	}
	return v, nil
}

func fromDecoded(x any) (Value, error) {
	switch t := x.(type) {
	case json.Number:
		s := t.String()
		if !strings.ContainsAny(s, ".eE") {
			if i, err := strconv.ParseInt(s, 10, 64); err == nil {
				return NewInt(i), nil
			}
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Value{}, fmt.Errorf("number %q: %w", s, err)
		}
		return newFiniteFloat(f)
	case []any:
		items := make([]Value, len(t))
		for i, e := range t {
			iv, err := fromDecoded(e)
			if err != nil {
				return Value{}, err
			}
			items[i] = iv
		}
		return arrayOf(items), nil
	case map[string]any:
		props := make(map[string]Value, len(t))
		for k, e := range t {
			pv, err := fromDecoded(e)
			if err != nil {
				return Value{}, err
			}
			props[k] = pv
		}
		return NewObject(props), nil
	default:
		return FromAny(x)
	}
}

func (v Value) String() string { return string(v.AppendJSON(nil)) }
