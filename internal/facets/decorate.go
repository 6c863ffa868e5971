package facets

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/rpattn/imgexplorer/internal/domain"
	"github.com/rpattn/imgexplorer/internal/query"
)

// Labeler maps raw attribute values to display labels.
type Labeler interface {
	Label(ctx context.Context, attrID int, raw string) (string, error)
}

// BatchLabeler resolves many values of one attribute at once. Decorate
// prefers it when the Labeler implements it.
type BatchLabeler interface {
	LabelMany(ctx context.Context, attrID int, raws []string) (map[string]string, error)
}

// DisplayBucket is one bucket ready for presentation.
type DisplayBucket struct {
	Value   string `json:"value"`
	Display string `json:"display_value"`
	Count   int64  `json:"count"`
}

// DisplayFacet is one facet's buckets in presentation order.
type DisplayFacet struct {
	Name        string          `json:"name"`
	DisplayName string          `json:"display_name"`
	Units       string          `json:"units,omitempty"`
	Buckets     []DisplayBucket `json:"values"`
}

// Decorate labels and orders the buckets of every facet in set. Buckets sort
// numerically when every value is a number, otherwise by display label
// ignoring case; the null bucket always sorts last.
func Decorate(ctx context.Context, labels Labeler, defs map[string]domain.Attribute, set domain.FacetSet) ([]DisplayFacet, error) {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]DisplayFacet, 0, len(names))
	for _, name := range names {
		def := defs[name]
		facet := DisplayFacet{Name: name, DisplayName: def.DisplayName, Units: def.Units}
		if facet.DisplayName == "" {
			facet.DisplayName = name
		}
		labelled := labels != nil && def.ID != 0 && !def.PreformattedValues
		var batch map[string]string
		if bl, ok := labels.(BatchLabeler); ok && labelled {
			raws := make([]string, 0, len(set[name]))
			for value := range set[name] {
				if !isNone(value) {
					raws = append(raws, value)
				}
			}
			sort.Strings(raws)
			var err error
			if batch, err = bl.LabelMany(ctx, def.ID, raws); err != nil {
				return nil, err
			}
		}
		for value, count := range set[name] {
			display := value
			if labelled && !isNone(value) {
				label := batch[value]
				if batch == nil {
					var err error
					if label, err = labels.Label(ctx, def.ID, value); err != nil {
						return nil, err
					}
				}
				if label != "" {
					display = label
				}
			}
			facet.Buckets = append(facet.Buckets, DisplayBucket{Value: value, Display: display, Count: count})
		}
		sortBuckets(facet.Buckets, def.DataType == domain.DataTypeContinuousNumeric)
		out = append(out, facet)
	}
	return out, nil
}

func isNone(value string) bool {
	return value == domain.NoneValue || value == query.NoneBucket
}

// sortBuckets orders buckets in place. Range buckets keep their label order
// by lower bound.
func sortBuckets(buckets []DisplayBucket, ranged bool) {
	numeric := true
	keys := make(map[string]float64, len(buckets))
	for _, b := range buckets {
		if isNone(b.Value) {
			continue
		}
		v, ok := numericKey(b.Value, ranged)
		if !ok {
			numeric = false
			break
		}
		keys[b.Value] = v
	}
	sort.SliceStable(buckets, func(i, j int) bool {
		a, b := buckets[i], buckets[j]
		if isNone(a.Value) != isNone(b.Value) {
			return isNone(b.Value)
		}
		if numeric && keys[a.Value] != keys[b.Value] {
			return keys[a.Value] < keys[b.Value]
		}
		la, lb := strings.ToLower(a.Display), strings.ToLower(b.Display)
		if la != lb {
			return la < lb
		}
		return a.Value < b.Value
	})
}

// numericKey parses a bucket value. Range labels ("* TO 0", "20 TO 40") sort
// by their lower bound, with an open lower bound first.
func numericKey(value string, ranged bool) (float64, bool) {
	if ranged {
		lower, _, found := strings.Cut(value, " TO ")
		if found {
			if lower == "*" {
				return -1e308, true
			}
			value = lower
		}
	}
	v, err := strconv.ParseFloat(value, 64)
	return v, err == nil
}
