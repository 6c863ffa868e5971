package domain

import (
	"database/sql/driver"
	"fmt"
	"strconv"
)

// Record is one row-level document.
type Record map[string]any

// RecordPage is a page of records plus the number of matching entities.
type RecordPage struct {
	Docs  []Record `json:"docs"`
	Total int64    `json:"total"`
}

// SortDirection mirrors SQL ordering keywords.
type SortDirection string

const (
	SortDirectionAsc  SortDirection = "ASC"
	SortDirectionDesc SortDirection = "DESC"
)

// SortKey is one element of a multi-key ordering.
type SortKey struct {
	Field     string        `json:"field" validate:"required"`
	Direction SortDirection `json:"direction,omitempty"`
}

// Desc reports whether the key sorts descending.
func (k SortKey) Desc() bool {
	return k.Direction == SortDirectionDesc
}

// FormatValue renders a backend value as a string key. NULL becomes NoneValue.
func FormatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return NoneValue
	case string:
		return t
	case []byte:
		return string(t)
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case driver.Valuer:
		inner, err := t.Value()
		if err != nil || inner == nil {
			return NoneValue
		}
		return FormatValue(inner)
	default:
		return fmt.Sprint(t)
	}
}

// ToInt64 coerces a backend count value.
func ToInt64(v any) (int64, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case float64:
		return int64(t), nil
	case string:
		return strconv.ParseInt(t, 10, 64)
	case driver.Valuer:
		inner, err := t.Value()
		if err != nil {
			return 0, err
		}
		return ToInt64(inner)
	}
	return 0, fmt.Errorf("unexpected count value %T", v)
}
