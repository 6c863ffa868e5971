// Package facets computes faceted bucket counts over the federated sources of
// a data version, on either the document index or the warehouse.
package facets

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rpattn/imgexplorer/internal/backend"
	"github.com/rpattn/imgexplorer/internal/catalog"
	"github.com/rpattn/imgexplorer/internal/domain"
	"github.com/rpattn/imgexplorer/internal/resolver"
)

const (
	DefaultPollAttempts = 10
	DefaultPollInterval = time.Second
)

// Catalog is the part of the attribute catalog the aggregator needs.
type Catalog interface {
	resolver.Catalog
	Versions(names []string) ([]domain.DataVersion, error)
	Sources(filter catalog.SourceFilter) ([]domain.DataSource, error)
	SourceVersions(src domain.DataSource, vs []domain.DataVersion) []string
}

type Options struct {
	PollAttempts    int
	PollInterval    time.Duration
	CaseInsensitive bool
	Rules           []Rule
}

// Aggregator computes AggregateResults. It holds no per-request state and is
// safe for concurrent use.
type Aggregator struct {
	catalog   Catalog
	resolver  *resolver.Resolver
	index     backend.DocumentIndex
	warehouse backend.Warehouse
	canon     *Canonicalizer
	opts      Options
}

// New builds an aggregator. Either backend may be nil when it is not deployed;
// requests routed to a missing backend fail.
func New(c Catalog, index backend.DocumentIndex, warehouse backend.Warehouse, opts Options) *Aggregator {
	if opts.PollAttempts <= 0 {
		opts.PollAttempts = DefaultPollAttempts
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Aggregator{
		catalog:   c,
		resolver:  resolver.New(c),
		index:     index,
		warehouse: warehouse,
		canon:     NewCanonicalizer(opts.Rules),
		opts:      opts,
	}
}

// Request describes one faceted count.
type Request struct {
	Filters domain.FilterSet
	// Facets names the attributes to count. Empty selects every facetable
	// attribute shown by default in the UI.
	Facets   []string
	Versions []string
	// SourceType picks the backend. Empty selects the document index unless an
	// archived version is requested.
	SourceType domain.SourceType
	Collapse   string
	// Custom facet specs are relayed verbatim to the document index and their
	// raw results returned in AggregateResult.Custom. The warehouse answers
	// only "fn(column)" specs with fn one of unique, sum, min, max or avg over
	// an image column.
	Custom map[string]any
	// SkipFiltered omits the filtered pass when the caller only needs the
	// baseline distribution and totals.
	SkipFiltered bool
	Uniques      []string
	Totals       []string
}

// scope is everything resolved from the catalog for one request.
type scope struct {
	versions []domain.DataVersion
	sources  []domain.DataSource
	filters  domain.FilterSet
	filterBy resolver.Resolution
	facetBy  resolver.Resolution
	types    map[string]domain.DataType
}

func (s scope) universe() catalog.SourceAttrSet {
	return s.facetBy.Universe
}

// Aggregate computes the facet counts for req.
func (a *Aggregator) Aggregate(ctx context.Context, req Request) (domain.AggregateResult, error) {
	logger := zerolog.Ctx(ctx)
	versions, err := a.catalog.Versions(req.Versions)
	if err != nil {
		return domain.AggregateResult{}, err
	}
	sourceType, err := catalog.Dispatch(versions, req.SourceType)
	if err != nil {
		return domain.AggregateResult{}, err
	}

	sc, err := a.prepare(ctx, req, versions, sourceType)
	if err != nil {
		return domain.AggregateResult{}, err
	}

	start := time.Now()
	var result domain.AggregateResult
	switch sourceType {
	case domain.SourceTypeWarehouse:
		if a.warehouse == nil {
			return domain.AggregateResult{}, fmt.Errorf("no warehouse backend configured")
		}
		result, err = a.aggregateWarehouse(ctx, req, sc)
	default:
		if a.index == nil {
			return domain.AggregateResult{}, fmt.Errorf("no document index backend configured")
		}
		result, err = a.aggregateIndex(ctx, req, sc)
	}
	if err != nil {
		return domain.AggregateResult{}, err
	}

	result.Facets = a.canon.Tree(result.Facets)
	result.FilteredFacets = a.canon.Tree(result.FilteredFacets)
	logger.Debug().
		Str("backend", string(sourceType)).
		Int("sources", len(sc.sources)).
		Int64("total", result.Total).
		Dur("elapsed", time.Since(start)).
		Msg("aggregated facets")
	return result, nil
}

func (a *Aggregator) prepare(ctx context.Context, req Request, versions []domain.DataVersion, sourceType domain.SourceType) (scope, error) {
	sources, err := a.catalog.Sources(catalog.SourceFilter{Versions: versions, SourceType: sourceType})
	if err != nil {
		return scope{}, err
	}

	facetSet := a.catalog.SourceAttributes(sources, catalog.AttrOptions{
		ForUI:       len(req.Facets) == 0,
		ForFaceting: true,
		ActiveOnly:  true,
		NamedSet:    req.Facets,
	})
	facetBy, err := a.resolver.Resolve(ctx, facetSet.List, sources)
	if err != nil {
		return scope{}, err
	}
	filterBy, err := a.resolver.Resolve(ctx, req.Filters.Keys(), sources)
	if err != nil {
		return scope{}, err
	}

	dropped := map[string]bool{}
	for _, name := range filterBy.Dropped {
		dropped[name] = true
	}
	sc := scope{
		versions: versions,
		sources:  sources,
		filters:  req.Filters.Subset(func(key string) bool { return !dropped[key] }),
		filterBy: filterBy,
		facetBy:  facetBy,
		types:    facetBy.Types(),
	}
	for name, t := range filterBy.Types() {
		sc.types[name] = t
	}
	return sc, nil
}

// resultKey names a source in the facet tree.
func (a *Aggregator) resultKey(sc scope, src domain.DataSource) string {
	return domain.SourceKey(src, a.catalog.SourceVersions(src, sc.versions))
}

// imageSources lists the image sources among the request's sources.
func imageSources(sc scope) []catalog.SourceAttrs {
	var out []catalog.SourceAttrs
	for _, src := range sc.sources {
		meta := sc.universe().Sources[src.ID]
		if meta.DataType == domain.DataKindImage {
			out = append(out, meta)
		}
	}
	return out
}
