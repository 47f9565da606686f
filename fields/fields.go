// Package fields normalizes raw field values and asset references into the
// canonical primitives every template format consumes.
package fields

import (
	"encoding/json"
	"math"
	"strconv"
)

// ArraySeparator joins array values when a consuming format demands flat text.
const ArraySeparator = ", "

// Def declares a template field.
type Def struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // text|number|boolean|array|record
	Description string `json:"description,omitempty"`
	Fallback    string `json:"fallback,omitempty"`
}

// SlotDef declares a named asset slot.
type SlotDef struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
}

// Kind discriminates canonical value shapes.
type Kind int

const (
	Empty Kind = iota
	Scalar
	Array
	Record
)

// Value is the canonical form of one field: scalars are already textual,
// arrays and records keep their structure for indexed/member placeholders.
type Value struct {
	Kind   Kind
	Scalar string
	Items  []Value
	Record map[string]Value
}

// Map holds canonical values keyed by field name.
type Map map[string]Value

// Resolve produces a canonical value for every declared field. It never
// fails: absent, nil or unrecognized input degrades to the declared
// fallback, or to the empty string.
func Resolve(defs []Def, raw map[string]any) Map {
	out := make(Map, len(defs))
	for _, def := range defs {
		v, ok := raw[def.Name]
		if !ok || v == nil {
			out[def.Name] = fallbackValue(def)
			continue
		}
		cv := canonicalize(v)
		if cv.Kind == Empty {
			cv = fallbackValue(def)
		}
		out[def.Name] = cv
	}
	return out
}

func fallbackValue(def Def) Value {
	if def.Fallback != "" {
		return Value{Kind: Scalar, Scalar: def.Fallback}
	}
	return Value{Kind: Scalar, Scalar: ""}
}

func canonicalize(v any) Value {
	switch t := v.(type) {
	case string:
		return Value{Kind: Scalar, Scalar: t}
	case bool:
		return Value{Kind: Scalar, Scalar: strconv.FormatBool(t)}
	case float64:
		return Value{Kind: Scalar, Scalar: formatNumber(t)}
	case float32:
		return Value{Kind: Scalar, Scalar: formatNumber(float64(t))}
	case int:
		return Value{Kind: Scalar, Scalar: strconv.Itoa(t)}
	case int64:
		return Value{Kind: Scalar, Scalar: strconv.FormatInt(t, 10)}
	case json.Number:
		return Value{Kind: Scalar, Scalar: t.String()}
	case []any:
		items := make([]Value, 0, len(t))
		for _, item := range t {
			items = append(items, canonicalize(item))
		}
		return Value{Kind: Array, Items: items}
	case []string:
		items := make([]Value, 0, len(t))
		for _, item := range t {
			items = append(items, Value{Kind: Scalar, Scalar: item})
		}
		return Value{Kind: Array, Items: items}
	case map[string]any:
		rec := make(map[string]Value, len(t))
		for k, item := range t {
			rec[k] = canonicalize(item)
		}
		return Value{Kind: Record, Record: rec}
	default:
		return Value{Kind: Empty}
	}
}

// formatNumber renders 13.0 as "13" and keeps fractional values exact.
func formatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Text flattens a value to a single string; arrays join with ArraySeparator.
func (v Value) Text() string {
	switch v.Kind {
	case Scalar:
		return v.Scalar
	case Array:
		return v.Join(ArraySeparator)
	default:
		return ""
	}
}

// Join flattens an array with the given separator. Scalars pass through.
func (v Value) Join(sep string) string {
	if v.Kind != Array {
		return v.Text()
	}
	out := ""
	for i, item := range v.Items {
		if i > 0 {
			out += sep
		}
		out += item.Text()
	}
	return out
}

// Index returns element i of an array, or an empty value when out of range.
func (v Value) Index(i int) Value {
	if v.Kind != Array || i < 0 || i >= len(v.Items) {
		return Value{Kind: Empty}
	}
	return v.Items[i]
}

// Member returns a record member, or an empty value when absent.
func (v Value) Member(name string) Value {
	if v.Kind != Record {
		return Value{Kind: Empty}
	}
	m, ok := v.Record[name]
	if !ok {
		return Value{Kind: Empty}
	}
	return m
}

// Len reports the element count for arrays, zero otherwise.
func (v Value) Len() int {
	if v.Kind != Array {
		return 0
	}
	return len(v.Items)
}
