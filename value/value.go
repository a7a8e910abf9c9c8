// Package value implements the JSON-shaped values stored in topic maps and
// lists.
//
// A Value is an immutable, canonicalized JSON document. Converting a Go value
// with Of always marshals it, and reading it back with Decode always
// unmarshals into fresh memory, so neither side can alias the stored bytes.
// Two values are equal when their canonical encodings are byte-identical
// (object keys are sorted, insignificant whitespace is removed).
//
// The zero Value is JSON null, which the rest of the module treats as
// "absent".
package value

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// ErrInvalidJSON is returned when bytes handed to Parse are not a single JSON
// document.
var ErrInvalidJSON = errors.New("value: invalid json")

// Value is an immutable JSON document.
type Value struct {
	raw []byte // canonical encoding; nil means null
}

// Null is the absent value.
var Null = Value{}

// Of converts v into a Value. Values, *Values and json.RawMessage are parsed
// rather than re-marshaled.
func Of(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Null, nil
	case Value:
		return x, nil
	case *Value:
		if x == nil {
			return Null, nil
		}
		return *x, nil
	case json.RawMessage:
		return Parse(x)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return Null, fmt.Errorf("value: marshal %T: %w", v, err)
	}
	return Parse(b)
}

// MustOf is like Of but panics on error. Intended for literals and tests.
func MustOf(v any) Value {
	out, err := Of(v)
	if err != nil {
		panic(err)
	}
	return out
}

// Parse canonicalizes a JSON document.
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return Null, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if dec.More() {
		return Null, fmt.Errorf("%w: trailing data", ErrInvalidJSON)
	}
	if doc == nil {
		return Null, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return Null, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return Value{raw: bytes.TrimRight(buf.Bytes(), "\n")}, nil
}

// Kind reports which variant v holds.
func (v Value) Kind() Kind {
	if len(v.raw) == 0 {
		return KindNull
	}
	switch v.raw[0] {
	case 'n':
		return KindNull
	case 't', 'f':
		return KindBool
	case '"':
		return KindString
	case '[':
		return KindArray
	case '{':
		return KindObject
	default:
		return KindNumber
	}
}

// IsNull reports whether v is null (absent).
func (v Value) IsNull() bool { return v.Kind() == KindNull }

// Equal reports deep equality.
func (v Value) Equal(o Value) bool {
	if v.IsNull() || o.IsNull() {
		return v.IsNull() == o.IsNull()
	}
	return bytes.Equal(v.raw, o.raw)
}

// Bytes returns a copy of the canonical encoding.
func (v Value) Bytes() []byte {
	if v.IsNull() {
		return []byte("null")
	}
	return append([]byte(nil), v.raw...)
}

// Decode unmarshals v into dst.
func (v Value) Decode(dst any) error {
	if err := json.Unmarshal(v.Bytes(), dst); err != nil {
		return fmt.Errorf("value: decode into %T: %w", dst, err)
	}
	return nil
}

// Interface returns v decoded into plain Go values (map[string]any, []any,
// string, bool, json.Number or nil).
func (v Value) Interface() any {
	if v.IsNull() {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(v.raw))
	dec.UseNumber()
	var out any
	_ = dec.Decode(&out)
	return out
}

// Get returns the value at a gjson path, or Null if nothing is there.
func (v Value) Get(path string) Value {
	if v.IsNull() {
		return Null
	}
	res := gjson.GetBytes(v.raw, path)
	if !res.Exists() {
		return Null
	}
	out, err := Parse([]byte(res.Raw))
	if err != nil {
		return Null
	}
	return out
}

// Set returns a copy of v with the sjson path set to x. A null v is treated
// as an empty object.
func (v Value) Set(path string, x any) (Value, error) {
	nv, err := Of(x)
	if err != nil {
		return Null, err
	}
	base := v.raw
	if v.IsNull() {
		base = []byte("{}")
	}
	out, err := sjson.SetRawBytes(append([]byte(nil), base...), path, nv.Bytes())
	if err != nil {
		return Null, fmt.Errorf("value: set %q: %w", path, err)
	}
	return Parse(out)
}

// String returns the canonical encoding.
func (v Value) String() string { return string(v.Bytes()) }

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) { return v.Bytes(), nil }

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
