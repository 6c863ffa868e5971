package query_test

import (
	"math"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/rpattn/imgexplorer/internal/domain"
	"github.com/rpattn/imgexplorer/internal/query"
)

func labels(buckets []query.Bucket) []string {
	out := make([]string, len(buckets))
	for i, b := range buckets {
		out[i] = b.Label
	}
	return out
}

func TestBuildBucketsUnboundedIterated(t *testing.T) {
	buckets, err := query.BuildBuckets([]domain.AttributeRange{{
		First: "0", Last: "100", Gap: "20", Type: domain.RangeTypeInt, Unbounded: true,
	}}, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"* TO 0", "0 TO 20", "20 TO 40", "40 TO 60", "60 TO 80", "80 TO 100", "100 TO *", "none"}
	if diff := cmp.Diff(want, labels(buckets)); diff != "" {
		t.Fatalf("labels mismatch (-want +got):\n%s", diff)
	}
}

func TestBucketCoverage(t *testing.T) {
	ranges := []domain.AttributeRange{
		{First: "0", Last: "100", Gap: "20", Type: domain.RangeTypeInt, Unbounded: true},
		{First: "0", Last: "100", Gap: "20", Type: domain.RangeTypeInt, Unbounded: true, IncludeLower: true},
		{First: "0", Last: "100", Gap: "20", Type: domain.RangeTypeInt, Unbounded: true, IncludeUpper: true},
		{First: "0", Last: "100", Gap: "20", Type: domain.RangeTypeInt, Unbounded: true, IncludeLower: true, IncludeUpper: true},
		{First: "0", Last: "10", Gap: "3", Type: domain.RangeTypeInt, Unbounded: true},
		{First: "-2.5", Last: "2.5", Gap: "0.5", Type: domain.RangeTypeFloat, Unbounded: true, IncludeLower: true},
	}
	for _, r := range ranges {
		buckets, err := query.BuildBuckets([]domain.AttributeRange{r}, true)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		first, last := mustFloat(t, r.First), mustFloat(t, r.Last)
		for v := first - 5; v <= last+5; v += 0.25 {
			value := math.Round(v*100) / 100
			if n := countMatches(buckets, &value); n != 1 {
				t.Fatalf("range %+v: value %v matched %d buckets", r, value, n)
			}
		}
		if n := countMatches(buckets, nil); n != 1 {
			t.Fatalf("range %+v: null matched %d buckets", r, n)
		}
	}
}

func countMatches(buckets []query.Bucket, v *float64) int {
	n := 0
	for _, b := range buckets {
		if b.Matches(v) {
			n++
		}
	}
	return n
}

func mustFloat(t *testing.T, s string) float64 {
	t.Helper()
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		t.Fatalf("bad bound %q", s)
	}
	return v
}

func TestBuildBucketsClampsFinalStep(t *testing.T) {
	buckets, err := query.BuildBuckets([]domain.AttributeRange{{First: "0", Last: "10", Gap: "4", Type: domain.RangeTypeInt}}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"0 TO 4", "4 TO 8", "8 TO 10"}, labels(buckets)); diff != "" {
		t.Fatalf("labels mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildBucketsSingleRanges(t *testing.T) {
	buckets, err := query.BuildBuckets([]domain.AttributeRange{
		{First: "*", Last: "18.5", Gap: "0", Label: "underweight"},
		{First: "18.5", Last: "25", Gap: "0", IncludeLower: true, Label: "normal"},
		{First: "25", Last: "*", Gap: "0", IncludeLower: true},
	}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"underweight", "normal", "25 TO *"}, labels(buckets)); diff != "" {
		t.Fatalf("labels mismatch (-want +got):\n%s", diff)
	}
	got := query.RenderCase(query.Col{Alias: "c", Name: "bmi"}, buckets)
	want := "(CASE WHEN c.bmi < 18.5 THEN 'underweight' WHEN c.bmi >= 18.5 AND c.bmi < 25 THEN 'normal' WHEN c.bmi >= 25 THEN '25 TO *' END)"
	if got != want {
		t.Fatalf("unexpected case expression:\n got %s\nwant %s", got, want)
	}
}

func TestRenderCaseIterated(t *testing.T) {
	buckets, err := query.BuildBuckets([]domain.AttributeRange{{
		First: "0", Last: "40", Gap: "20", Type: domain.RangeTypeInt, Unbounded: true, IncludeLower: true,
	}}, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := query.RenderCase(query.Col{Name: "age"}, buckets)
	want := "(CASE WHEN age < 0 THEN '* TO 0'" +
		" WHEN age >= 0 AND age < 20 THEN '0 TO 20'" +
		" WHEN age >= 20 AND age < 40 THEN '20 TO 40'" +
		" WHEN age >= 40 THEN '40 TO *'" +
		" WHEN age IS NULL THEN 'none' END)"
	if got != want {
		t.Fatalf("unexpected case expression:\n got %s\nwant %s", got, want)
	}
	if q := buckets[1].SolrQuery("age"); q != "age:[0 TO 20}" {
		t.Fatalf("unexpected solr bucket query %s", q)
	}
	if q := buckets[len(buckets)-1].SolrQuery("age"); q != "(*:* -age:[* TO *])" {
		t.Fatalf("unexpected solr none query %s", q)
	}
}

func TestBuildBucketsRejectsBadGap(t *testing.T) {
	for _, r := range []domain.AttributeRange{
		{First: "0", Last: "10", Gap: "-1"},
		{First: "*", Last: "10", Gap: "2"},
		{First: "0", Last: "10", Gap: "0.5", Type: domain.RangeTypeInt},
		{First: "0", Last: "1000000000", Gap: "1"},
	} {
		if _, err := query.BuildBuckets([]domain.AttributeRange{r}, false); err == nil {
			t.Fatalf("expected error for %+v", r)
		}
	}
}
