// Package api is the request surface of the engine: faceted counts, record
// listings and manifests. Transports (HTTP, CLI) decode into the request types
// here and call Service.
package api

import (
	"context"
	"sort"

	"github.com/rpattn/imgexplorer/internal/catalog"
	"github.com/rpattn/imgexplorer/internal/displayvalues"
	"github.com/rpattn/imgexplorer/internal/domain"
	"github.com/rpattn/imgexplorer/internal/facets"
	"github.com/rpattn/imgexplorer/internal/manifest"
	"github.com/rpattn/imgexplorer/internal/middleware"
	"github.com/rpattn/imgexplorer/internal/records"
)

type Service struct {
	catalog   *catalog.Catalog
	facets    *facets.Aggregator
	records   *records.Fetcher
	manifests *manifest.Service
	labels    displayvalues.Source
}

// NewService wires the engine components. labels may be nil, in which case
// display values come from the catalog snapshot.
func NewService(c *catalog.Catalog, agg *facets.Aggregator, fetcher *records.Fetcher, manifests *manifest.Service, labels displayvalues.Source) *Service {
	if labels == nil {
		labels = CatalogLabels{Catalog: c}
	}
	return &Service{catalog: c, facets: agg, records: fetcher, manifests: manifests, labels: labels}
}

type CountsRequest struct {
	Filters      domain.FilterSet  `json:"filters"`
	Facets       []string          `json:"facets"`
	Versions     []string          `json:"versions"`
	SourceType   domain.SourceType `json:"source_type" validate:"omitempty,oneof=solr bigquery"`
	Collapse     string            `json:"collapse_on"`
	Custom       map[string]any    `json:"custom_facets"`
	SkipFiltered bool              `json:"skip_filtered"`
	Uniques      []string          `json:"uniques"`
	Totals       []string          `json:"totals"`
}

// SourceCounts is the decorated facet set of one data source.
type SourceCounts struct {
	Key            string                   `json:"key"`
	SourceID       int                      `json:"source_id"`
	SourceName     string                   `json:"source_name"`
	SetType        domain.SetType           `json:"set_type"`
	Facets         []facets.DisplayFacet    `json:"facets"`
	FilteredFacets []facets.DisplayFacet    `json:"filtered_facets,omitempty"`
	Stats          map[string]domain.MinMax `json:"stats,omitempty"`
}

type CountsResponse struct {
	Total   int64            `json:"total"`
	Totals  map[string]int64 `json:"totals,omitempty"`
	Uniques map[string]int64 `json:"uniques,omitempty"`
	Sources []SourceCounts   `json:"sources"`
	Custom  map[string]any   `json:"custom,omitempty"`
}

// GetFacetedCounts counts and labels facets. Sources come back ordered by key.
func (s *Service) GetFacetedCounts(ctx context.Context, req CountsRequest) (CountsResponse, error) {
	result, err := s.facets.Aggregate(ctx, facets.Request{
		Filters:      req.Filters,
		Facets:       req.Facets,
		Versions:     req.Versions,
		SourceType:   req.SourceType,
		Collapse:     req.Collapse,
		Custom:       req.Custom,
		SkipFiltered: req.SkipFiltered,
		Uniques:      req.Uniques,
		Totals:       req.Totals,
	})
	if err != nil {
		return CountsResponse{}, err
	}

	labels := s.labeler(ctx)
	keys := make([]string, 0, len(result.Facets))
	for key := range result.Facets {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	resp := CountsResponse{
		Total:   result.Total,
		Totals:  result.Totals,
		Uniques: result.Uniques,
		Custom:  result.Custom,
		Sources: make([]SourceCounts, 0, len(keys)),
	}
	for _, key := range keys {
		sf := result.Facets[key]
		defs := s.definitions(sf)
		baseline, err := facets.Decorate(ctx, labels, defs, sf.Facets)
		if err != nil {
			return CountsResponse{}, err
		}
		sc := SourceCounts{
			Key:        key,
			SourceID:   sf.SourceID,
			SourceName: sf.SourceName,
			SetType:    sf.SetType,
			Facets:     baseline,
			Stats:      sf.Stats,
		}
		if filtered, ok := result.FilteredFacets[key]; ok {
			if sc.FilteredFacets, err = facets.Decorate(ctx, labels, defs, filtered.Facets); err != nil {
				return CountsResponse{}, err
			}
		}
		resp.Sources = append(resp.Sources, sc)
	}
	return resp, nil
}

func (s *Service) labeler(ctx context.Context) facets.Labeler {
	if l := middleware.LabelLoaderFromContext(ctx); l != nil {
		return l
	}
	return displayvalues.NewLoader(s.labels)
}

func (s *Service) definitions(sf domain.SourceFacets) map[string]domain.Attribute {
	src, ok := s.catalog.Source(sf.SourceID)
	if !ok {
		return nil
	}
	defs := make(map[string]domain.Attribute, len(sf.Facets))
	for name := range sf.Facets {
		if res := s.catalog.Lookup(name, []domain.DataSource{src}); res.Status == catalog.Found {
			defs[name] = res.Attribute
		}
	}
	return defs
}

type RecordsRequest struct {
	Filters              domain.FilterSet  `json:"filters"`
	Fields               []string          `json:"fields" validate:"required,min=1,dive,required"`
	Versions             []string          `json:"versions"`
	SourceType           domain.SourceType `json:"source_type" validate:"omitempty,oneof=solr bigquery"`
	Collapse             string            `json:"collapse_on"`
	Limit                int               `json:"limit" validate:"gte=0,lte=100000"`
	Offset               int               `json:"offset" validate:"gte=0"`
	Sort                 []domain.SortKey  `json:"sort" validate:"dive"`
	SearchChildRecordsBy string            `json:"search_child_records_by"`
	CountsOnly           bool              `json:"counts_only"`
}

// GetRecords returns one page of matching records.
func (s *Service) GetRecords(ctx context.Context, req RecordsRequest) (domain.RecordPage, error) {
	return s.records.Fetch(ctx, records.Request{
		Filters:              req.Filters,
		Fields:               req.Fields,
		Versions:             req.Versions,
		SourceType:           req.SourceType,
		Collapse:             req.Collapse,
		Limit:                req.Limit,
		Offset:               req.Offset,
		Sort:                 req.Sort,
		SearchChildRecordsBy: req.SearchChildRecordsBy,
		CountsOnly:           req.CountsOnly,
	})
}

type ManifestRequest struct {
	Filters    domain.FilterSet        `json:"filters"`
	Cart       *manifest.Cart          `json:"cart" validate:"omitempty"`
	Fields     []string                `json:"fields" validate:"required,min=1,dive,required"`
	Versions   []string                `json:"versions"`
	SourceType domain.SourceType       `json:"source_type" validate:"omitempty,oneof=solr bigquery"`
	Sort       []domain.SortKey        `json:"sort" validate:"dive"`
	Collapse   string                  `json:"collapse_on"`
	FileType   domain.ManifestFileType `json:"file_type" validate:"required"`
	FileName   string                  `json:"file_name" validate:"max=128"`
	Header     manifest.Header         `json:"header"`

	// Download streams the manifest in the response instead of storing it
	// and returning a link.
	Download bool `json:"download"`
}

// BuildManifest sizes and prepares a manifest.
func (s *Service) BuildManifest(ctx context.Context, req ManifestRequest) (manifest.Result, error) {
	return s.manifests.Build(ctx, manifest.Request{
		Filters:    req.Filters,
		Cart:       req.Cart,
		Fields:     req.Fields,
		Versions:   req.Versions,
		SourceType: req.SourceType,
		Sort:       req.Sort,
		Collapse:   req.Collapse,
		FileType:   req.FileType,
		FileName:   req.FileName,
		Header:     req.Header,
	})
}

// SaveManifest stores m and returns its download link.
func (s *Service) SaveManifest(ctx context.Context, m *manifest.Manifest) (manifest.Stored, string, error) {
	return s.manifests.Save(ctx, m)
}

// CatalogLabels serves display values from the loaded catalog snapshot.
type CatalogLabels struct {
	Catalog *catalog.Catalog
}

func (l CatalogLabels) DisplayValues(_ context.Context, keys []displayvalues.Key) ([]domain.DisplayValue, error) {
	var out []domain.DisplayValue
	for _, k := range keys {
		if display, ok := l.Catalog.DisplayValue(k.AttributeID, k.Raw); ok {
			out = append(out, domain.DisplayValue{AttributeID: k.AttributeID, RawValue: k.Raw, Display: display})
		}
	}
	return out, nil
}
