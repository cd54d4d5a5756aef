// Package vars implements the run's variable environment: typed values, a
// scope stack with shadowing, and ${name} string interpolation.
package vars

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Kind discriminates the Value union.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindDict
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "boolean"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindDict:
		return "dict"
	default:
		return "null"
	}
}

// Value is a tagged-union variable value. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	list []Value
	dict map[string]Value
}

func Null() Value            { return Value{} }
func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }
func String(s string) Value  { return Value{kind: KindString, s: s} }
func List(vs []Value) Value  { return Value{kind: KindList, list: vs} }

func Dict(m map[string]Value) Value {
	return Value{kind: KindDict, dict: m}
}

func (v Value) Kind() Kind { return v.kind }

// BoolVal returns the boolean payload (false for non-bool values).
func (v Value) BoolVal() bool { return v.b }

// NumberVal returns the numeric payload (0 for non-number values).
func (v Value) NumberVal() float64 { return v.n }

// ListVal returns the list payload, or nil when the value is not a list.
func (v Value) ListVal() []Value { return v.list }

// DictVal returns the dict payload, or nil when the value is not a dict.
func (v Value) DictVal() map[string]Value { return v.dict }

// Display renders the value the way it appears in interpolated strings:
// null is empty, booleans are true/false, integral numbers drop the decimal
// part, lists and dicts render as compact JSON.
func (v Value) Display() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber:
		if v.n == float64(int64(v.n)) {
			return strconv.FormatInt(int64(v.n), 10)
		}
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	case KindString:
		return v.s
	default:
		b, err := json.Marshal(v.ToAny())
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// Truthy reports whether the value is considered true in boolean contexts:
// non-false, non-zero, non-empty.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNull:
		return false
	case KindBool:
		return v.b
	case KindNumber:
		return v.n != 0
	case KindString:
		s := strings.ToLower(strings.TrimSpace(v.s))
		return s != "" && s != "false" && s != "0"
	case KindList:
		return len(v.list) > 0
	default:
		return len(v.dict) > 0
	}
}

// AsNumber attempts a numeric view of the value.
func (v Value) AsNumber() (float64, bool) {
	switch v.kind {
	case KindNumber:
		return v.n, true
	case KindString:
		n, err := strconv.ParseFloat(strings.TrimSpace(v.s), 64)
		return n, err == nil
	case KindBool:
		if v.b {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// ToAny converts the value to plain Go types for JSON encoding, expression
// environments, and jq inputs.
func (v Value) ToAny() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.ToAny()
		}
		return out
	default:
		out := make(map[string]any, len(v.dict))
		for k, item := range v.dict {
			out[k] = item.ToAny()
		}
		return out
	}
}

// FromAny converts plain Go types (as produced by encoding/json or gojq)
// into a Value. Unsupported types stringify.
func FromAny(v any) Value {
	switch x := v.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(x)
	case float64:
		return Number(x)
	case int:
		return Number(float64(x))
	case int64:
		return Number(float64(x))
	case string:
		return String(x)
	case []any:
		list := make([]Value, len(x))
		for i, item := range x {
			list[i] = FromAny(item)
		}
		return List(list)
	case map[string]any:
		dict := make(map[string]Value, len(x))
		for k, item := range x {
			dict[k] = FromAny(item)
		}
		return Dict(dict)
	default:
		return String(fmt.Sprintf("%v", x))
	}
}

// Coerce converts a raw string to a Value of the declared type. The second
// return is false when the coercion failed and the caller should fall back
// to the raw string.
func Coerce(raw, declaredType string) (Value, bool) {
	switch declaredType {
	case "number":
		n, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return String(raw), false
		}
		return Number(n), true
	case "boolean":
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "true":
			return Bool(true), true
		case "false":
			return Bool(false), true
		}
		return String(raw), false
	case "json", "list", "dict":
		var decoded any
		if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
			return String(raw), false
		}
		v := FromAny(decoded)
		if declaredType == "list" && v.Kind() != KindList {
			return String(raw), false
		}
		if declaredType == "dict" && v.Kind() != KindDict {
			return String(raw), false
		}
		return v, true
	default:
		return String(raw), true
	}
}

// MarshalJSON renders the value as its plain JSON form.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.ToAny())
}

// UnmarshalJSON parses plain JSON into the union.
func (v *Value) UnmarshalJSON(data []byte) error {
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*v = FromAny(decoded)
	return nil
}
