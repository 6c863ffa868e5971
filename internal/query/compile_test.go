package query_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/rpattn/imgexplorer/internal/domain"
	"github.com/rpattn/imgexplorer/internal/query"
)

var imagingTypes = map[string]domain.DataType{
	"Modality":         domain.DataTypeCategoricalString,
	"BodyPartExamined": domain.DataTypeCategoricalString,
	"age_at_diagnosis": domain.DataTypeContinuousNumeric,
	"vital_status":     domain.DataTypeCategoricalString,
	"instance_number":  domain.DataTypeCategoricalNumeric,
}

func mustCompile(t *testing.T, filters domain.FilterSet, scope query.Scope, opts query.Options) query.Compiled {
	t.Helper()
	compiled, err := query.Compile(filters, scope, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return compiled
}

func values(v ...any) domain.FilterValue {
	return domain.FilterValue{Op: domain.FilterOpOr, Values: v}
}

func TestCompileSQL(t *testing.T) {
	filters := domain.FilterSet{
		"Modality":             values("CT", "MR"),
		"age_at_diagnosis_gte": values(40.0),
		"vital_status":         values("Dead", domain.NoneValue),
	}
	compiled := mustCompile(t, filters, query.Scope{Alias: "t", Types: imagingTypes}, query.Options{})

	b := query.NewBuilder()
	sql := query.RenderSQL(compiled.Predicate, b)
	want := `(t."Modality" IN ($1, $2) AND t.age_at_diagnosis >= $3 AND (t.vital_status = $4 OR t.vital_status IS NULL))`
	if sql != want {
		t.Fatalf("unexpected sql:\n got %s\nwant %s", sql, want)
	}
	if diff := cmp.Diff([]any{"CT", "MR", 40.0, "Dead"}, b.Args()); diff != "" {
		t.Fatalf("args mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1, 2}, b.Params("Modality")); diff != "" {
		t.Fatalf("per-attribute params mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Modality", "age_at_diagnosis", "vital_status"}, compiled.Attrs); diff != "" {
		t.Fatalf("attrs mismatch (-want +got):\n%s", diff)
	}
}

func TestCompileCaseInsensitive(t *testing.T) {
	filters := domain.FilterSet{
		"BodyPartExamined": values("Kidney", "Liver"),
		"instance_number":  values("3"),
	}
	compiled := mustCompile(t, filters, query.Scope{Alias: "t", Types: imagingTypes}, query.Options{CaseInsensitive: true})

	b := query.NewBuilder()
	sql := query.RenderSQL(compiled.Predicate, b)
	want := `(LOWER(t."BodyPartExamined") IN ($1, $2) AND t.instance_number = $3)`
	if sql != want {
		t.Fatalf("unexpected sql:\n got %s\nwant %s", sql, want)
	}
	if diff := cmp.Diff([]any{"kidney", "liver", 3.0}, b.Args()); diff != "" {
		t.Fatalf("args mismatch (-want +got):\n%s", diff)
	}
}

func TestCompileBetweenVariants(t *testing.T) {
	cases := []struct {
		key  string
		val  domain.FilterValue
		want string
	}{
		{"age_at_diagnosis_btw", values(10.0, 20.0), "(t.age_at_diagnosis > $1 AND t.age_at_diagnosis < $2)"},
		{"age_at_diagnosis_ebtw", values(10.0, 20.0), "(t.age_at_diagnosis >= $1 AND t.age_at_diagnosis < $2)"},
		{"age_at_diagnosis_btwe", values(10.0, 20.0), "(t.age_at_diagnosis > $1 AND t.age_at_diagnosis <= $2)"},
		{"age_at_diagnosis_ebtwe", values("10", "20"), "(t.age_at_diagnosis >= $1 AND t.age_at_diagnosis <= $2)"},
		{
			"age_at_diagnosis_ebtw",
			values([]any{10.0, 20.0}, []any{30.0, 40.0}),
			"((t.age_at_diagnosis >= $1 AND t.age_at_diagnosis < $2) OR (t.age_at_diagnosis >= $3 AND t.age_at_diagnosis < $4))",
		},
		{"age_at_diagnosis_lt", values(5.0), "t.age_at_diagnosis < $1"},
		{"age_at_diagnosis_lte", values(5.0, domain.NoneValue), "(t.age_at_diagnosis <= $1 OR t.age_at_diagnosis IS NULL)"},
		{"vital_status", values(domain.NoneValue), "t.vital_status IS NULL"},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			compiled := mustCompile(t, domain.FilterSet{tc.key: tc.val}, query.Scope{Alias: "t", Types: imagingTypes}, query.Options{})
			if got := query.RenderSQL(compiled.Predicate, query.NewBuilder()); got != tc.want {
				t.Fatalf("unexpected sql:\n got %s\nwant %s", got, tc.want)
			}
		})
	}
}

func TestCompileAndOperator(t *testing.T) {
	filters := domain.FilterSet{
		"Modality": {Op: domain.FilterOpAnd, Values: []any{"CT", "SEG"}},
	}
	compiled := mustCompile(t, filters, query.Scope{Alias: "t"}, query.Options{})
	if got, want := query.RenderSQL(compiled.Predicate, query.NewBuilder()), `(t."Modality" = $1 AND t."Modality" = $2)`; got != want {
		t.Fatalf("unexpected sql:\n got %s\nwant %s", got, want)
	}
}

func TestCompileGuardForOptionalSource(t *testing.T) {
	scope := query.Scope{Alias: "c", Types: imagingTypes, Guard: query.Col{Alias: "c", Name: "case_barcode"}}
	compiled := mustCompile(t, domain.FilterSet{"vital_status": values("Dead")}, scope, query.Options{})
	if got, want := query.RenderSQL(compiled.Predicate, query.NewBuilder()), "(c.vital_status = $1 OR c.case_barcode IS NULL)"; got != want {
		t.Fatalf("unexpected sql:\n got %s\nwant %s", got, want)
	}
	if !compiled.Without("vital_status").Empty() {
		t.Fatalf("removing the only term must remove the guard as well")
	}
}

func TestCompileRejectsNonNumericBounds(t *testing.T) {
	_, err := query.Compile(domain.FilterSet{"age_at_diagnosis_gt": values("old")}, query.Scope{Types: imagingTypes}, query.Options{})
	if !errors.Is(err, domain.ErrInvalidFilter) {
		t.Fatalf("expected ErrInvalidFilter, got %v", err)
	}
	_, err = query.Compile(domain.FilterSet{"age_at_diagnosis_btw": values(1.0, 2.0, 3.0)}, query.Scope{Types: imagingTypes}, query.Options{})
	if !errors.Is(err, domain.ErrInvalidFilter) {
		t.Fatalf("expected ErrInvalidFilter for a three-bound range, got %v", err)
	}
}

func TestCompileSkipsEmptyValues(t *testing.T) {
	compiled := mustCompile(t, domain.FilterSet{"Modality": values()}, query.Scope{Alias: "t"}, query.Options{})
	if !compiled.Empty() {
		t.Fatalf("expected empty predicate, got %#v", compiled.Predicate)
	}
	if got := query.RenderSQL(compiled.Predicate, query.NewBuilder()); got != "" {
		t.Fatalf("expected empty sql, got %q", got)
	}
}

// Removing an attribute from the compiled tree must be indistinguishable from
// compiling the filter set without that attribute.
func TestWithoutMatchesRecompilation(t *testing.T) {
	all := domain.FilterSet{
		"Modality":             values("CT", "MR"),
		"BodyPartExamined":     values("KIDNEY", domain.NoneValue),
		"age_at_diagnosis_gte": values(18.0),
		"age_at_diagnosis_lt":  values(65.0),
		"vital_status":         values("Dead"),
	}
	keys := all.Keys()
	attrs := []string{"Modality", "BodyPartExamined", "age_at_diagnosis", "vital_status", "absent"}
	scopes := []query.Scope{
		{Alias: "t", Types: imagingTypes},
		{Alias: "c", Types: imagingTypes, Guard: query.Col{Alias: "c", Name: "case_barcode"}},
	}

	for mask := 0; mask < 1<<len(keys); mask++ {
		filters := domain.FilterSet{}
		for i, key := range keys {
			if mask&(1<<i) != 0 {
				filters[key] = all[key]
			}
		}
		for _, scope := range scopes {
			compiled := mustCompile(t, filters, scope, query.Options{})
			for _, attr := range attrs {
				removed := compiled.Without(attr)
				recompiled := mustCompile(t, filters.Without(attr), scope, query.Options{})

				b1, b2 := query.NewBuilder(), query.NewBuilder()
				got, want := query.RenderSQL(removed.Predicate, b1), query.RenderSQL(recompiled.Predicate, b2)
				if got != want {
					t.Fatalf("mask %b without %s:\n got %s\nwant %s", mask, attr, got, want)
				}
				if diff := cmp.Diff(b2.Args(), b1.Args()); diff != "" {
					t.Fatalf("mask %b without %s args mismatch (-want +got):\n%s", mask, attr, diff)
				}
				if query.RenderSolr(removed.Predicate) != query.RenderSolr(recompiled.Predicate) {
					t.Fatalf("mask %b without %s: solr rendering differs", mask, attr)
				}
				for _, a := range removed.Attrs {
					if a == attr {
						t.Fatalf("mask %b: %s still present after removal", mask, attr)
					}
				}
			}
		}
	}
}

func TestWithoutDropsWholeDisjunction(t *testing.T) {
	tree := query.And{Nodes: []query.Node{
		query.Term{Attr: "a", Expr: query.In{Col: query.Col{Name: "a"}, Values: []any{"x"}}},
		query.Or{Nodes: []query.Node{
			query.Term{Attr: "b", Expr: query.IsNull{Col: query.Col{Name: "b"}}},
			query.Term{Attr: "c", Expr: query.IsNull{Col: query.Col{Name: "c"}}},
		}},
	}}
	got := query.Without(tree, "b")
	if diff := cmp.Diff([]string{"a"}, query.Attrs(got)); diff != "" {
		t.Fatalf("attrs mismatch (-want +got):\n%s", diff)
	}
}

func TestQuoteIdent(t *testing.T) {
	cases := map[string]string{
		"age_at_diagnosis": "age_at_diagnosis",
		"Modality":         `"Modality"`,
		"idc-dev":          `"idc-dev"`,
		`we"ird`:           `"we""ird"`,
		"1abc":             `"1abc"`,
	}
	for in, want := range cases {
		if got := query.QuoteIdent(in); got != want {
			t.Errorf("QuoteIdent(%q) = %s, want %s", in, got, want)
		}
	}
	if got, want := query.QuoteTable("idc-dev.idc_v1.dicom_derived_all"), `"idc-dev".idc_v1.dicom_derived_all`; got != want {
		t.Errorf("QuoteTable = %s, want %s", got, want)
	}
}
