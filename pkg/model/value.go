package model

import (
	"encoding/json"
	"fmt"
	"math"
)

// ValueKind discriminates the variants of Value.
type ValueKind uint8

const (
	KindEmpty ValueKind = iota
	KindI64
	KindF64
	KindBool
	KindString
	KindJSON
)

func (k ValueKind) String() string {
	switch k {
	case KindI64:
		return "i64"
	case KindF64:
		return "f64"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindJSON:
		return "json"
	default:
		return "empty"
	}
}

// Value is a tagged sum over the scalar types a reading can carry. Composite
// values (maps, arrays) are held as raw JSON text and serialized into a
// string field by the sink.
type Value struct {
	kind ValueKind
	i    int64
	f    float64
	b    bool
	s    string
}

func I64(v int64) Value     { return Value{kind: KindI64, i: v} }
func F64(v float64) Value   { return Value{kind: KindF64, f: v} }
func Bool(v bool) Value     { return Value{kind: KindBool, b: v} }
func Str(v string) Value    { return Value{kind: KindString, s: v} }
func JSONText(v string) Value { return Value{kind: KindJSON, s: v} }

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsEmpty() bool   { return v.kind == KindEmpty }

func (v Value) I64() int64    { return v.i }
func (v Value) F64() float64  { return v.f }
func (v Value) Bool() bool    { return v.b }
func (v Value) Str() string   { return v.s }
func (v Value) JSON() string  { return v.s }

// Any returns the plain Go value, used when the value ends up in a JSON
// document such as the session status.
func (v Value) Any() any {
	switch v.kind {
	case KindI64:
		return v.i
	case KindF64:
		return v.f
	case KindBool:
		return v.b
	case KindString:
		return v.s
	case KindJSON:
		return json.RawMessage(v.s)
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindI64:
		return fmt.Sprintf("%d", v.i)
	case KindF64:
		return fmt.Sprintf("%g", v.f)
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindString, KindJSON:
		return v.s
	default:
		return ""
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindJSON {
		return []byte(v.s), nil
	}
	return json.Marshal(v.Any())
}

// FromAny normalizes a decoded JSON value (or any plain Go scalar) into a
// Value. Whole floats stay floats; callers wanting integers construct them
// explicitly. Maps and slices are re-encoded as JSON text.
func FromAny(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Value{}, fmt.Errorf("nil value")
	case bool:
		return Bool(t), nil
	case string:
		return Str(t), nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return Value{}, fmt.Errorf("non-finite float %v", t)
		}
		return F64(t), nil
	case float32:
		return F64(float64(t)), nil
	case int:
		return I64(int64(t)), nil
	case int32:
		return I64(int64(t)), nil
	case int64:
		return I64(t), nil
	case uint:
		return I64(int64(t)), nil
	case uint32:
		return I64(int64(t)), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return I64(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("unrepresentable number %q", t.String())
		}
		return F64(f), nil
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return Value{}, fmt.Errorf("failed to encode composite value: %w", err)
		}
		return JSONText(string(b)), nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", raw)
	}
}
