package facets_test

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/rpattn/imgexplorer/internal/domain"
	"github.com/rpattn/imgexplorer/internal/facets"
)

type mapLabeler map[string]string

func (m mapLabeler) Label(_ context.Context, _ int, raw string) (string, error) {
	return m[raw], nil
}

func TestDecorateOrdersBuckets(t *testing.T) {
	defs := map[string]domain.Attribute{
		"vital_status":     {ID: 5, Name: "vital_status", DisplayName: "Vital Status", DataType: domain.DataTypeCategoricalString},
		"age_at_diagnosis": {ID: 4, Name: "age_at_diagnosis", DataType: domain.DataTypeContinuousNumeric, Units: "years"},
		"instance_number":  {ID: 9, Name: "instance_number", DataType: domain.DataTypeCategoricalNumeric},
	}
	set := domain.FacetSet{
		"vital_status":     {"Dead": 2, "alive": 3, "None": 1},
		"age_at_diagnosis": {"20 TO 40": 1, "* TO 0": 0, "100 TO *": 4, "0 TO 20": 2, "none": 5},
		"instance_number":  {"10": 1, "9": 1, "100": 2},
	}

	got, err := facets.Decorate(context.Background(), mapLabeler{"Dead": "Deceased"}, defs, set)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []facets.DisplayFacet{
		{Name: "age_at_diagnosis", DisplayName: "age_at_diagnosis", Units: "years", Buckets: []facets.DisplayBucket{
			{Value: "* TO 0", Display: "* TO 0"},
			{Value: "0 TO 20", Display: "0 TO 20", Count: 2},
			{Value: "20 TO 40", Display: "20 TO 40", Count: 1},
			{Value: "100 TO *", Display: "100 TO *", Count: 4},
			{Value: "none", Display: "none", Count: 5},
		}},
		{Name: "instance_number", DisplayName: "instance_number", Buckets: []facets.DisplayBucket{
			{Value: "9", Display: "9", Count: 1},
			{Value: "10", Display: "10", Count: 1},
			{Value: "100", Display: "100", Count: 2},
		}},
		{Name: "vital_status", DisplayName: "Vital Status", Buckets: []facets.DisplayBucket{
			{Value: "alive", Display: "alive", Count: 3},
			{Value: "Dead", Display: "Deceased", Count: 2},
			{Value: "None", Display: "None", Count: 1},
		}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("decorated facets mismatch (-want +got):\n%s", diff)
	}
}
