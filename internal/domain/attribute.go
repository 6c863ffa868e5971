package domain

import "strings"

// DataType classifies the values an attribute carries.
type DataType string

const (
	DataTypeCategoricalString  DataType = "C"
	DataTypeCategoricalNumeric DataType = "M"
	DataTypeContinuousNumeric  DataType = "N"
	DataTypeText               DataType = "T"
	DataTypeString             DataType = "S"
)

// IsCategorical reports whether values of this type are counted as discrete buckets.
func (t DataType) IsCategorical() bool {
	return t == DataTypeCategoricalString || t == DataTypeCategoricalNumeric
}

// IsNumeric reports whether values of this type compare numerically.
func (t DataType) IsNumeric() bool {
	return t == DataTypeCategoricalNumeric || t == DataTypeContinuousNumeric
}

// RangeType declares the numeric cast used when iterating a range.
type RangeType string

const (
	RangeTypeInt   RangeType = "I"
	RangeTypeFloat RangeType = "F"
)

// AttributeRange configures bucket generation for a continuous numeric attribute.
// First and Last hold either a number or "*" for an open bound.
type AttributeRange struct {
	ID           int       `json:"id" mapstructure:"id"`
	First        string    `json:"first" mapstructure:"first"`
	Last         string    `json:"last" mapstructure:"last"`
	Gap          string    `json:"gap" mapstructure:"gap"`
	Type         RangeType `json:"type" mapstructure:"type"`
	IncludeLower bool      `json:"include_lower" mapstructure:"include_lower"`
	IncludeUpper bool      `json:"include_upper" mapstructure:"include_upper"`
	Unbounded    bool      `json:"unbounded" mapstructure:"unbounded"`
	Label        string    `json:"label" mapstructure:"label"`
}

// Iterated reports whether the range steps from First to Last in Gap increments.
// A zero (or empty) gap always denotes a single range, even when unbounded.
func (r AttributeRange) Iterated() bool {
	gap := strings.TrimSpace(r.Gap)
	if gap == "" {
		return false
	}
	trimmed := strings.TrimLeft(gap, "0.")
	return trimmed != ""
}

// Attribute is a named, typed field that may live in several data sources.
type Attribute struct {
	ID                 int              `json:"id" mapstructure:"id"`
	Name               string           `json:"name" mapstructure:"name"`
	DisplayName        string           `json:"display_name" mapstructure:"display_name"`
	Description        string           `json:"description,omitempty" mapstructure:"description"`
	DataType           DataType         `json:"data_type" mapstructure:"data_type"`
	DefaultUIDisplay   bool             `json:"default_ui_display" mapstructure:"default_ui_display"`
	PreformattedValues bool             `json:"preformatted_values" mapstructure:"preformatted_values"`
	Units              string           `json:"units,omitempty" mapstructure:"units"`
	Active             bool             `json:"active" mapstructure:"active"`
	Sources            []int            `json:"sources" mapstructure:"sources"`
	Ranges             []AttributeRange `json:"ranges,omitempty" mapstructure:"ranges"`
}

// Facetable reports whether the attribute can be counted into buckets: categorical
// attributes always can, continuous numerics only when at least one range exists.
func (a Attribute) Facetable() bool {
	if a.DataType.IsCategorical() {
		return true
	}
	return a.DataType == DataTypeContinuousNumeric && len(a.Ranges) > 0
}

// DisplayValue maps a raw attribute value to its display label.
type DisplayValue struct {
	AttributeID int    `json:"attribute_id" mapstructure:"attribute_id"`
	RawValue    string `json:"raw_value" mapstructure:"raw_value"`
	Display     string `json:"display_value" mapstructure:"display_value"`
}
