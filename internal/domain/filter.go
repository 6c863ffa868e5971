package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// NoneValue is the filter value that selects records where the attribute is null.
const NoneValue = "None"

// FilterOp controls how multiple values of one attribute combine.
type FilterOp string

const (
	FilterOpOr  FilterOp = "OR"
	FilterOpAnd FilterOp = "AND"
)

// RangeOp is the comparison encoded by an attribute name suffix.
type RangeOp string

const (
	RangeOpNone  RangeOp = ""
	RangeOpGT    RangeOp = "_gt"
	RangeOpGTE   RangeOp = "_gte"
	RangeOpLT    RangeOp = "_lt"
	RangeOpLTE   RangeOp = "_lte"
	RangeOpBtw   RangeOp = "_btw"
	RangeOpBtwE  RangeOp = "_btwe"
	RangeOpEBtw  RangeOp = "_ebtw"
	RangeOpEBtwE RangeOp = "_ebtwe"
	RangeOpEq    RangeOp = "_eq"
)

// longest suffixes first so _ebtwe is not mistaken for _btwe
var rangeSuffixes = []RangeOp{
	RangeOpEBtwE, RangeOpEBtw, RangeOpBtwE, RangeOpBtw,
	RangeOpGTE, RangeOpLTE, RangeOpGT, RangeOpLT, RangeOpEq,
}

// StripOperator splits a filter key into its base attribute name and the range
// operator its suffix encodes.
func StripOperator(name string) (string, RangeOp) {
	for _, op := range rangeSuffixes {
		if strings.HasSuffix(name, string(op)) && len(name) > len(op) {
			return strings.TrimSuffix(name, string(op)), op
		}
	}
	return name, RangeOpNone
}

// Between reports whether the operator takes a [lower, upper] pair.
func (op RangeOp) Between() bool {
	switch op {
	case RangeOpBtw, RangeOpBtwE, RangeOpEBtw, RangeOpEBtwE:
		return true
	}
	return false
}

// Inclusive returns whether the lower and upper bounds of a between operator
// are inclusive.
func (op RangeOp) Inclusive() (lower, upper bool) {
	switch op {
	case RangeOpBtwE:
		return false, true
	case RangeOpEBtw:
		return true, false
	case RangeOpEBtwE:
		return true, true
	}
	return false, false
}

// FilterValue is the value payload for one filter key.
type FilterValue struct {
	Op     FilterOp `json:"op,omitempty"`
	Values []any    `json:"values"`
}

// HasNone reports whether the value set asks for null values.
func (v FilterValue) HasNone() bool {
	for _, value := range v.Values {
		if s, ok := value.(string); ok && s == NoneValue {
			return true
		}
	}
	return false
}

// WithoutNone returns the values other than the null marker.
func (v FilterValue) WithoutNone() []any {
	out := make([]any, 0, len(v.Values))
	for _, value := range v.Values {
		if s, ok := value.(string); ok && s == NoneValue {
			continue
		}
		out = append(out, value)
	}
	return out
}

// UnmarshalJSON accepts a bare array, a comma separated string, a scalar or an
// {"op": ..., "values": [...]} object.
func (v *FilterValue) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		type plain FilterValue
		var decoded plain
		if err := json.Unmarshal(data, &decoded); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidFilter, err)
		}
		*v = FilterValue(decoded)
		v.Op = normalizeOp(v.Op)
		return nil
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	*v = NewFilterValue(raw)
	return nil
}

// NewFilterValue builds an OR filter value from loosely typed input.
func NewFilterValue(raw any) FilterValue {
	switch typed := raw.(type) {
	case FilterValue:
		return typed
	case []any:
		return FilterValue{Op: FilterOpOr, Values: typed}
	case []string:
		values := make([]any, len(typed))
		for i, s := range typed {
			values[i] = s
		}
		return FilterValue{Op: FilterOpOr, Values: values}
	case string:
		if strings.Contains(typed, ",") {
			parts := strings.Split(typed, ",")
			values := make([]any, 0, len(parts))
			for _, part := range parts {
				values = append(values, strings.TrimSpace(part))
			}
			return FilterValue{Op: FilterOpOr, Values: values}
		}
		return FilterValue{Op: FilterOpOr, Values: []any{typed}}
	case nil:
		return FilterValue{Op: FilterOpOr}
	default:
		return FilterValue{Op: FilterOpOr, Values: []any{typed}}
	}
}

func normalizeOp(op FilterOp) FilterOp {
	if strings.EqualFold(string(op), string(FilterOpAnd)) {
		return FilterOpAnd
	}
	return FilterOpOr
}

// FilterSet maps filter keys (attribute names, possibly operator-suffixed) to values.
type FilterSet map[string]FilterValue

// ParseFilterSet decodes a JSON filter object.
func ParseFilterSet(data []byte) (FilterSet, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return FilterSet{}, nil
	}
	var filters FilterSet
	if err := json.Unmarshal(data, &filters); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	if filters == nil {
		filters = FilterSet{}
	}
	return filters, nil
}

// Keys returns the filter keys in sorted order so compiled output is deterministic.
func (f FilterSet) Keys() []string {
	keys := make([]string, 0, len(f))
	for key := range f {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Subset returns the filters whose keys satisfy keep.
func (f FilterSet) Subset(keep func(key string) bool) FilterSet {
	out := FilterSet{}
	for key, value := range f {
		if keep(key) {
			out[key] = value
		}
	}
	return out
}

// Without returns a copy without any key whose base attribute is attr.
func (f FilterSet) Without(attr string) FilterSet {
	return f.Subset(func(key string) bool {
		base, _ := StripOperator(key)
		return base != attr
	})
}
