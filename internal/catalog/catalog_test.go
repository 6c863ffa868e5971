package catalog_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/rpattn/imgexplorer/internal/catalog"
	"github.com/rpattn/imgexplorer/internal/catalog/catalogtest"
	"github.com/rpattn/imgexplorer/internal/domain"
)

func warehouseSources(t *testing.T, c *catalog.Catalog) []domain.DataSource {
	t.Helper()
	versions, err := c.Versions([]string{catalogtest.ActiveVersion})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sources, err := c.Sources(catalog.SourceFilter{Versions: versions, SourceType: domain.SourceTypeWarehouse})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return sources
}

func TestLookupStatuses(t *testing.T) {
	c := catalogtest.MustNew()
	sources := warehouseSources(t, c)

	found := c.Lookup("PatientID", sources)
	if found.Status != catalog.Found {
		t.Fatalf("expected found, got %s", found.Status)
	}
	if len(found.Sources) != 2 {
		t.Fatalf("expected PatientID in 2 warehouse sources, got %d", len(found.Sources))
	}

	if missing := c.Lookup("no_such_attr", sources); missing.Status != catalog.NotFound {
		t.Fatalf("expected not found, got %s", missing.Status)
	}
}

func TestLookupAmbiguousAcrossVersions(t *testing.T) {
	snap := catalogtest.Snapshot()
	// a second definition of Modality that only lives in the archived-only source set
	snap.Sources = append(snap.Sources, domain.DataSource{
		ID: 30, Name: "legacy_series", SourceType: domain.SourceTypeWarehouse, CountCol: "PatientID",
		DataSets: []int{1}, Versions: []int{2},
	})
	snap.Attributes = append(snap.Attributes, domain.Attribute{
		ID: 99, Name: "Modality", DataType: domain.DataTypeCategoricalString, Active: true, Sources: []int{30},
	})
	c, err := catalog.New(snap)
	if err == nil {
		// source 10 also belongs to the archived version, so the duplicate name must be rejected
		t.Fatalf("expected duplicate attribute name to be rejected, got catalog %v", c)
	}

	snap.Sources[0].Versions = []int{1}
	c, err = catalog.New(snap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	all := []domain.DataSource{}
	for _, id := range []int{catalogtest.WarehouseImage, 30} {
		src, _ := c.Source(id)
		all = append(all, src)
	}
	result := c.Lookup("Modality", all)
	if result.Status != catalog.Ambiguous {
		t.Fatalf("expected ambiguous lookup across version scopes, got %s", result.Status)
	}
	if len(result.Candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(result.Candidates))
	}
}

func TestSourceAttributesForFaceting(t *testing.T) {
	c := catalogtest.MustNew()
	sources := warehouseSources(t, c)

	set := c.SourceAttributes(sources, catalog.AttrOptions{ForUI: true, ForFaceting: true, ActiveOnly: true})

	image := set.Sources[catalogtest.WarehouseImage]
	if diff := cmp.Diff([]string{"BodyPartExamined", "Modality", "collection_id"}, image.List); diff != "" {
		t.Fatalf("image source facets mismatch (-want +got):\n%s", diff)
	}
	if image.Alias != "dicom_derived_all" {
		t.Fatalf("unexpected alias %q", image.Alias)
	}
	if image.SetType != domain.SetTypeOrigin || image.DataType != domain.DataKindImage {
		t.Fatalf("unexpected role %s/%s", image.DataType, image.SetType)
	}

	clinical := set.Sources[catalogtest.WarehouseClinical]
	if diff := cmp.Diff([]string{"age_at_diagnosis", "vital_status"}, clinical.List); diff != "" {
		t.Fatalf("clinical facets mismatch (-want +got):\n%s", diff)
	}
	if clinical.Alias != "tcga_clinical" {
		t.Fatalf("unexpected alias %q", clinical.Alias)
	}
	if set.Has("SliceThickness") {
		t.Fatalf("continuous numeric without ranges must be omitted from faceting")
	}
	if !set.Has("age_at_diagnosis") {
		t.Fatalf("continuous numeric with ranges must be facetable")
	}
}

func TestSourceAttributesNamedSet(t *testing.T) {
	c := catalogtest.MustNew()
	sources := warehouseSources(t, c)

	set := c.SourceAttributes(sources, catalog.AttrOptions{NamedSet: []string{"SeriesInstanceUID", "vital_status"}})
	if diff := cmp.Diff([]string{"SeriesInstanceUID", "vital_status"}, set.List); diff != "" {
		t.Fatalf("named set mismatch (-want +got):\n%s", diff)
	}

	inactive := c.SourceAttributes(sources, catalog.AttrOptions{ActiveOnly: true})
	if inactive.Has("instance_size") {
		t.Fatalf("inactive attribute must be skipped when ActiveOnly is set")
	}
}

func TestSourceAttributesCachedByShape(t *testing.T) {
	c := catalogtest.MustNew()
	sources := warehouseSources(t, c)
	before := c.Cache().Len()

	c.SourceAttributes(sources, catalog.AttrOptions{ForFaceting: true})
	reversed := []domain.DataSource{sources[2], sources[1], sources[0]}
	c.SourceAttributes(reversed, catalog.AttrOptions{ForFaceting: true})
	if got := c.Cache().Len(); got != before+1 {
		t.Fatalf("expected source order not to affect the cache key, got %d entries", got-before)
	}

	c.SourceAttributes(sources, catalog.AttrOptions{ForFaceting: false})
	if got := c.Cache().Len(); got != before+2 {
		t.Fatalf("expected a new entry for a different shape, got %d", got-before)
	}
}

func TestCacheConcurrentInsertOnly(t *testing.T) {
	cache := catalog.NewCache()
	var wg sync.WaitGroup
	results := make([]catalog.SourceAttrSet, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = cache.LoadOrStore(fmt.Sprintf("k%d", i%4), func() catalog.SourceAttrSet {
				return catalog.SourceAttrSet{List: []string{fmt.Sprintf("v%d", i)}}
			})
		}(i)
	}
	wg.Wait()
	if cache.Len() != 4 {
		t.Fatalf("expected 4 entries, got %d", cache.Len())
	}
	for i, got := range results {
		stored, _ := cache.Get(fmt.Sprintf("k%d", i%4))
		if got.List[0] != stored.List[0] {
			t.Fatalf("caller %d observed %v but cache holds %v", i, got.List, stored.List)
		}
	}
}

func TestJoinMissingIsFatal(t *testing.T) {
	c := catalogtest.MustNew()
	_, err := c.Join(catalogtest.WarehouseClinical, catalogtest.WarehouseDerived)
	var joinErr *domain.JoinError
	if !errors.As(err, &joinErr) || !errors.Is(err, domain.ErrMissingJoin) {
		t.Fatalf("expected JoinError, got %v", err)
	}

	forward, err := c.Join(catalogtest.WarehouseImage, catalogtest.WarehouseClinical)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	backward, err := c.Join(catalogtest.WarehouseClinical, catalogtest.WarehouseImage)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if forward != backward {
		t.Fatalf("join lookup must be order independent")
	}

	missing := c.MissingJoins(warehouseSources(t, c))
	if len(missing) != 1 {
		t.Fatalf("expected one missing warehouse join, got %v", missing)
	}
}

func TestDuplicateJoinRejected(t *testing.T) {
	snap := catalogtest.Snapshot()
	snap.Joins = append(snap.Joins, domain.DataSourceJoin{
		FromSrc: catalogtest.WarehouseClinical, FromCol: "case_barcode", ToSrc: catalogtest.WarehouseImage, ToCol: "PatientID",
	})
	if _, err := catalog.New(snap); err == nil {
		t.Fatalf("expected duplicate join pair to be rejected")
	}
}

func TestVersionsAndInactive(t *testing.T) {
	c := catalogtest.MustNew()
	active, err := c.Versions(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(active) != 1 || catalog.ContainsInactive(active) {
		t.Fatalf("expected only the active version by default, got %v", active)
	}
	both, err := c.Versions([]string{catalogtest.ActiveVersion, catalogtest.ArchivedVersion})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !catalog.ContainsInactive(both) {
		t.Fatalf("expected archived version to be detected")
	}
	if _, err := c.Versions([]string{"idc_v99"}); !errors.Is(err, domain.ErrNoSources) {
		t.Fatalf("expected ErrNoSources, got %v", err)
	}
	archivedOnly, _ := c.Versions([]string{catalogtest.ArchivedVersion})
	if _, err := c.Sources(catalog.SourceFilter{Versions: archivedOnly, SourceType: domain.SourceTypeIndex}); !errors.Is(err, domain.ErrNoSources) {
		t.Fatalf("expected ErrNoSources for index sources of an archived version, got %v", err)
	}
}

func TestAliases(t *testing.T) {
	cases := map[string]string{
		"idc-dev.idc_v1.dicom_derived_all": "dicom_derived_all",
		"isb-cgc.TCGA-Clinical":            "tcga_clinical",
		"collections/tcga_brca":            "collections_tcga_brca",
		"plain":                            "plain",
	}
	for in, want := range cases {
		if got := catalog.Alias(in); got != want {
			t.Errorf("Alias(%q) = %q, want %q", in, got, want)
		}
	}

	aliases := catalog.AliasesFor([]domain.DataSource{
		{ID: 2, Name: "proj_b.clinical"},
		{ID: 1, Name: "proj_a.clinical"},
		{ID: 3, Name: "proj_c.Clinical"},
	})
	want := map[int]string{1: "clinical", 2: "clinical_2", 3: "clinical_3"}
	if diff := cmp.Diff(want, aliases); diff != "" {
		t.Fatalf("aliases mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadSnapshotFile(t *testing.T) {
	snap, err := catalog.LoadSnapshotFile("testdata/catalog.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c, err := catalog.New(snap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	versions, _ := c.Versions(nil)
	sources, err := c.Sources(catalog.SourceFilter{Versions: versions, SourceType: domain.SourceTypeWarehouse})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	set := c.SourceAttributes(sources, catalog.AttrOptions{ForFaceting: true})
	if diff := cmp.Diff([]string{"Modality", "age_at_diagnosis"}, set.List); diff != "" {
		t.Fatalf("attributes mismatch (-want +got):\n%s", diff)
	}
	attr, ok := set.Sources[11].Attr("age_at_diagnosis")
	if !ok || len(attr.Ranges) != 1 || !attr.Ranges[0].Unbounded {
		t.Fatalf("expected ranges to be decoded, got %+v", attr)
	}
	if display, ok := c.DisplayValue(1, "CT"); !ok || display != "Computed Tomography" {
		t.Fatalf("unexpected display value %q", display)
	}
}

func TestJoinReport(t *testing.T) {
	report, err := catalogtest.MustNew().JoinReport()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := report[domain.SourceTypeIndex]; ok {
		t.Fatalf("index sources are fully joined, got %v", report[domain.SourceTypeIndex])
	}
	missing := report[domain.SourceTypeWarehouse]
	if len(missing) != 1 || missing[0].From != "idc-dev.idc_v1.tcga-clinical" || missing[0].To != "idc-dev.idc_v1.qualitative_measurements" {
		t.Fatalf("unexpected warehouse gaps %v", missing)
	}
}
