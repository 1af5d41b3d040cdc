package enrichment

import (
	"maps"
	"slices"
	"strings"

	"github.com/cartodb/observatory-cli/internal/catalog"
)

// Literal aggregation values.
const (
	AggregationDefault = "default"
	AggregationNone    = "none"
)

type aggregationMode int

const (
	modeDefault aggregationMode = iota
	modeNone
	modeMethod
	modePerVariable
)

// Aggregation decides how the values of every geography intersecting one
// input polygon collapse into a single value. The zero value uses each
// variable's own declared method.
type Aggregation struct {
	mode        aggregationMode
	method      string
	perVariable map[string]string
}

// DefaultAggregation uses each variable's declared method.
func DefaultAggregation() Aggregation { return Aggregation{mode: modeDefault} }

// NoAggregation emits one raw row per intersecting geography.
func NoAggregation() Aggregation { return Aggregation{mode: modeNone} }

// AggregateWith applies method to every variable.
func AggregateWith(method string) Aggregation {
	return Aggregation{mode: modeMethod, method: method}
}

// AggregatePerVariable overrides the method of the listed variables, keyed by
// variable id or slug. Unlisted variables keep their declared method.
func AggregatePerVariable(methods map[string]string) Aggregation {
	return Aggregation{mode: modePerVariable, perVariable: maps.Clone(methods)}
}

// ParseAggregation accepts "default", "none", nil (same as "none"), any other
// function name, a map of variable to function name, or an Aggregation.
func ParseAggregation(v any) (Aggregation, error) {
	switch a := v.(type) {
	case nil:
		return NoAggregation(), nil
	case Aggregation:
		return a, nil
	case string:
		switch s := strings.TrimSpace(a); strings.ToLower(s) {
		case "", AggregationDefault:
			return DefaultAggregation(), nil
		case AggregationNone:
			return NoAggregation(), nil
		default:
			return AggregateWith(s), nil
		}
	case map[string]string:
		return AggregatePerVariable(a), nil
	case map[string]any:
		m := make(map[string]string, len(a))
		for k, val := range a {
			s, ok := val.(string)
			if !ok {
				return Aggregation{}, &InvalidAggregationError{Value: v}
			}
			m[k] = s
		}
		return AggregatePerVariable(m), nil
	default:
		return Aggregation{}, &InvalidAggregationError{Value: v}
	}
}

// IsNone reports whether raw per-intersection rows are requested.
func (a Aggregation) IsNone() bool { return a.mode == modeNone }

// MethodFor returns the lowercased aggregation function for v, or "" when v
// is not aggregated.
func (a Aggregation) MethodFor(v catalog.Variable) string {
	var m string
	switch a.mode {
	case modeNone:
		return ""
	case modeMethod:
		m = a.method
	case modePerVariable:
		if o, ok := a.perVariable[v.ID]; ok {
			m = o
		} else if o, ok := a.perVariable[v.Slug]; ok && v.Slug != "" {
			m = o
		} else {
			m = v.AggMethod
		}
	default:
		m = v.AggMethod
	}
	return strings.ToLower(strings.TrimSpace(m))
}

func (a Aggregation) String() string {
	switch a.mode {
	case modeNone:
		return AggregationNone
	case modeMethod:
		return a.method
	case modePerVariable:
		keys := slices.Sorted(maps.Keys(a.perVariable))
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + "=" + a.perVariable[k]
		}
		return strings.Join(parts, ",")
	default:
		return AggregationDefault
	}
}
