// Package params implements the typed per-participant parameter store.
//
// Parameter types are declared by the experiment configuration at load time,
// not at compile time, so values are represented as a tagged union checked at
// every mutation site.
package params

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type identifies the declared type of a parameter.
type Type string

const (
	// TypeString holds a single string value.
	TypeString Type = "string"
	// TypeNumber holds a single floating-point value.
	TypeNumber Type = "number"
	// TypeBoolean holds a single boolean value.
	TypeBoolean Type = "boolean"
	// TypeStringArray holds an ordered list of strings.
	TypeStringArray Type = "strArr"
	// TypeNumberArray holds an ordered list of numbers.
	TypeNumberArray Type = "numArr"
)

// Reserved parameter names surfaced by the system itself. They may be read
// through variable substitution but can never be a mutation target.
const (
	ReservedStageName = "STAGE_NAME"
	ReservedStageDay  = "STAGE_DAY"
	ReservedUniqueID  = "UNIQUE_ID"
)

var reservedNames = []string{ReservedStageName, ReservedStageDay, ReservedUniqueID}

// Error variables for parameter operations.
var (
	ErrUnknownType     = errors.New("unknown parameter type")
	ErrUnknownName     = errors.New("parameter name not declared in schema")
	ErrReservedName    = errors.New("cannot mutate reserved parameter")
	ErrTypeMismatch    = errors.New("parameter type mismatch")
	ErrNotANumber      = errors.New("value cannot be parsed as a number")
	ErrMalformedToken  = errors.New("malformed literal token")
	ErrEmptyExpression = errors.New("cannot parse empty expression")
)

// IsValidType checks whether t is one of the five declared parameter types.
func IsValidType(t Type) bool {
	switch t {
	case TypeString, TypeNumber, TypeBoolean, TypeStringArray, TypeNumberArray:
		return true
	default:
		return false
	}
}

// IsReserved reports whether name is a system-surfaced pseudo-parameter.
func IsReserved(name string) bool {
	for _, r := range reservedNames {
		if name == r {
			return true
		}
	}
	return false
}

// Schema maps parameter names to their declared types.
type Schema map[string]Type

// TypeOf resolves the declared type of name, rejecting undeclared names.
func (s Schema) TypeOf(name string) (Type, error) {
	t, ok := s[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownName, name)
	}
	if !IsValidType(t) {
		return "", fmt.Errorf("%w: %s declared as %q", ErrUnknownType, name, t)
	}
	return t, nil
}

// Value is a tagged union holding one parameter value. Exactly the field
// matching Type carries meaning.
type Value struct {
	Type    Type
	Str     string
	Num     float64
	Bool    bool
	StrArr  []string
	NumArr  []float64
	Present bool // false for declared-but-unset parameters
}

// String wraps a string value.
func String(s string) Value { return Value{Type: TypeString, Str: s, Present: true} }

// Number wraps a numeric value.
func Number(n float64) Value { return Value{Type: TypeNumber, Num: n, Present: true} }

// Boolean wraps a boolean value.
func Boolean(b bool) Value { return Value{Type: TypeBoolean, Bool: b, Present: true} }

// StringArray wraps a string list value.
func StringArray(a []string) Value { return Value{Type: TypeStringArray, StrArr: a, Present: true} }

// NumberArray wraps a number list value.
func NumberArray(a []float64) Value { return Value{Type: TypeNumberArray, NumArr: a, Present: true} }

// Zero returns the zero value for a declared type: "", 0, false or [].
func Zero(t Type) Value {
	switch t {
	case TypeString:
		return String("")
	case TypeNumber:
		return Number(0)
	case TypeBoolean:
		return Boolean(false)
	case TypeStringArray:
		return StringArray([]string{})
	case TypeNumberArray:
		return NumberArray([]float64{})
	default:
		return Value{Type: t}
	}
}

// Interface returns the raw Go value carried by v, for JSON persistence and
// result payloads.
func (v Value) Interface() interface{} {
	if !v.Present {
		return nil
	}
	switch v.Type {
	case TypeString:
		return v.Str
	case TypeNumber:
		return v.Num
	case TypeBoolean:
		return v.Bool
	case TypeStringArray:
		return v.StrArr
	case TypeNumberArray:
		return v.NumArr
	default:
		return nil
	}
}

// MarshalJSON emits the raw value without the type tag; the schema is
// persisted separately and re-applied on load.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// Values holds the current parameter values of one participant.
type Values map[string]Value

// Get returns the stored value for name. Declared-but-unset parameters
// return a Value with Present=false.
func (vs Values) Get(name string) Value {
	return vs[name]
}

// Clone returns a deep copy, so mutations can be staged and discarded.
func (vs Values) Clone() Values {
	out := make(Values, len(vs))
	for k, v := range vs {
		if v.StrArr != nil {
			v.StrArr = append([]string(nil), v.StrArr...)
		}
		if v.NumArr != nil {
			v.NumArr = append([]float64(nil), v.NumArr...)
		}
		out[k] = v
	}
	return out
}

// DecodeValues re-types a raw JSON parameter object against schema. Unknown
// keys are dropped; values whose JSON shape disagrees with the declared type
// are an error.
func DecodeValues(data []byte, schema Schema) (Values, error) {
	out := make(Values)
	if len(data) == 0 {
		return out, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode parameter object: %w", err)
	}
	for name, msg := range raw {
		t, ok := schema[name]
		if !ok {
			continue
		}
		v, err := decodeValue(msg, t)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

func decodeValue(msg json.RawMessage, t Type) (Value, error) {
	if string(msg) == "null" {
		return Value{Type: t}, nil
	}
	switch t {
	case TypeString:
		var s string
		if err := json.Unmarshal(msg, &s); err != nil {
			return Value{}, ErrTypeMismatch
		}
		return String(s), nil
	case TypeNumber:
		var n float64
		if err := json.Unmarshal(msg, &n); err != nil {
			return Value{}, ErrTypeMismatch
		}
		return Number(n), nil
	case TypeBoolean:
		var b bool
		if err := json.Unmarshal(msg, &b); err != nil {
			return Value{}, ErrTypeMismatch
		}
		return Boolean(b), nil
	case TypeStringArray:
		var a []string
		if err := json.Unmarshal(msg, &a); err != nil {
			return Value{}, ErrTypeMismatch
		}
		return StringArray(a), nil
	case TypeNumberArray:
		var a []float64
		if err := json.Unmarshal(msg, &a); err != nil {
			return Value{}, ErrTypeMismatch
		}
		return NumberArray(a), nil
	default:
		return Value{}, ErrUnknownType
	}
}
