package domain

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMergeFacetTreesIsPure(t *testing.T) {
	a := FacetTree{
		"dicom_all:v1:1": {
			SourceID: 1,
			Facets:   FacetSet{"Modality": {"CT": 3, "MR": 1}},
			Stats:    map[string]MinMax{"SliceThickness": {Min: 1, Max: 5}},
		},
	}
	b := FacetTree{
		"dicom_all:v1:1": {
			SourceID: 1,
			Facets:   FacetSet{"Modality": {"CT": 2, "PT": 4}, "BodyPartExamined": {"KIDNEY": 7}},
			Stats:    map[string]MinMax{"SliceThickness": {Min: 0.5, Max: 3}},
		},
		"clinical:v1:2": {SourceID: 2, Facets: FacetSet{"vital_status": {"Dead": 2}}},
	}

	merged := MergeFacetTrees(a, b)

	want := FacetTree{
		"dicom_all:v1:1": {
			SourceID: 1,
			Facets: FacetSet{
				"Modality":         {"CT": 5, "MR": 1, "PT": 4},
				"BodyPartExamined": {"KIDNEY": 7},
			},
			Stats: map[string]MinMax{"SliceThickness": {Min: 0.5, Max: 5}},
		},
		"clinical:v1:2": {SourceID: 2, Facets: FacetSet{"vital_status": {"Dead": 2}}},
	}
	if diff := cmp.Diff(want, merged); diff != "" {
		t.Fatalf("merge mismatch (-want +got):\n%s", diff)
	}

	if a["dicom_all:v1:1"].Facets["Modality"]["CT"] != 3 {
		t.Fatalf("merge mutated its left input")
	}
	if _, ok := a["clinical:v1:2"]; ok {
		t.Fatalf("merge added keys to its left input")
	}
	if b["dicom_all:v1:1"].Facets["Modality"]["CT"] != 2 {
		t.Fatalf("merge mutated its right input")
	}
}

func TestSourceKey(t *testing.T) {
	got := SourceKey(DataSource{ID: 7, Name: "dicom_derived_all"}, []string{"v2", "v1"})
	if got != "dicom_derived_all:v1;v2:7" {
		t.Fatalf("unexpected source key %q", got)
	}
}
