package facets

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rpattn/imgexplorer/internal/backend"
	"github.com/rpattn/imgexplorer/internal/catalog"
	"github.com/rpattn/imgexplorer/internal/domain"
	"github.com/rpattn/imgexplorer/internal/query"
)

const (
	uniquePrefix = "unique:"
	minPrefix    = "min:"
	maxPrefix    = "max:"
)

// indexResult is what one collection contributed to a request.
type indexResult struct {
	src      catalog.SourceAttrs
	baseline domain.SourceFacets
	filtered domain.SourceFacets
	owns     bool
	numFound int64
	raw      map[string]any
}

func (a *Aggregator) aggregateIndex(ctx context.Context, req Request, sc scope) (domain.AggregateResult, error) {
	image, err := primaryImage(sc)
	if err != nil {
		return domain.AggregateResult{}, err
	}
	compiled, err := query.Compile(sc.filters, query.Scope{Types: sc.types}, query.Options{})
	if err != nil {
		return domain.AggregateResult{}, fmt.Errorf("%w: %v", domain.ErrInvalidFilter, err)
	}
	tagged := query.SolrFilters(compiled, 0)

	targets := []catalog.SourceAttrs{image}
	for _, id := range sc.facetBy.Order {
		if id != image.Source.ID {
			targets = append(targets, sc.facetBy.Sources[id].Meta)
		}
	}

	results := make([]indexResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range targets {
		i, src := i, src
		g.Go(func() error {
			r, err := a.querySource(gctx, req, sc, src, image, tagged)
			if err != nil {
				return fmt.Errorf("%s: %w", src.Source.Name, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.AggregateResult{}, err
	}
	zerolog.Ctx(ctx).Debug().Int("collections", len(targets)).Int("filters", len(tagged)).Msg("queried document index")
	return a.assembleIndex(sc, req, image, results, len(tagged) > 0), nil
}

func (a *Aggregator) querySource(ctx context.Context, req Request, sc scope, src, image catalog.SourceAttrs, tagged []query.TaggedFilter) (indexResult, error) {
	isImage := src.Source.ID == image.Source.ID
	owner, owns := sc.facetBy.Sources[src.Source.ID]
	r := indexResult{src: src, owns: owns}

	specs, buckets, err := facetSpecs(owner.Defs)
	if err != nil {
		return r, err
	}
	extras := map[string]any{}
	collapse := ""
	if isImage {
		for _, name := range uniqueNames([]string{src.CountCol}, req.Uniques, req.Totals) {
			extras[uniquePrefix+name] = "unique(" + name + ")"
		}
		for k, v := range req.Custom {
			extras[k] = v
		}
		collapse = req.Collapse
	}

	baseFq, err := a.resolver.IndexFilters(sc.filterBy, src, image, nil)
	if err != nil {
		return r, err
	}
	if len(tagged) == 0 {
		res, err := a.index.Query(ctx, backend.DocQuery{
			Collection: src.Source.Name,
			Filters:    baseFq,
			Facets:     mergeSpecs(specs, extras),
			CountsOnly: true,
			Collapse:   collapse,
		})
		if err != nil {
			return r, err
		}
		r.baseline = parseIndexFacets(src, res.Facets, owner.Defs, buckets)
		r.numFound, r.raw = res.NumFound, res.Facets
		return r, nil
	}

	fullFq, err := a.resolver.IndexFilters(sc.filterBy, src, image, tagged)
	if err != nil {
		return r, err
	}
	res, err := a.index.Query(ctx, backend.DocQuery{
		Collection: src.Source.Name,
		Filters:    baseFq,
		Facets:     specs,
		CountsOnly: true,
		Collapse:   collapse,
	})
	if err != nil {
		return r, err
	}
	r.baseline = parseIndexFacets(src, res.Facets, owner.Defs, buckets)

	filteredSpecs := map[string]any{}
	if !req.SkipFiltered {
		tags := map[string]string{}
		for _, f := range tagged {
			tags[f.Attr] = f.Tag
		}
		filteredSpecs = excludeOwnTags(specs, tags)
	}
	if !isImage && req.SkipFiltered {
		return r, nil
	}
	res, err = a.index.Query(ctx, backend.DocQuery{
		Collection: src.Source.Name,
		Filters:    fullFq,
		Facets:     mergeSpecs(filteredSpecs, extras),
		CountsOnly: true,
		Collapse:   collapse,
	})
	if err != nil {
		return r, err
	}
	r.filtered = parseIndexFacets(src, res.Facets, owner.Defs, buckets)
	r.numFound, r.raw = res.NumFound, res.Facets
	return r, nil
}

// facetSpecs builds the JSON facet request for defs: a terms facet per
// categorical attribute and a query facet with one sub-facet per bucket for
// continuous numerics, plus min and max stats.
func facetSpecs(defs []domain.Attribute) (map[string]any, map[string][]query.Bucket, error) {
	specs := map[string]any{}
	buckets := map[string][]query.Bucket{}
	for _, def := range defs {
		if def.DataType != domain.DataTypeContinuousNumeric {
			specs[def.Name] = map[string]any{
				"type":    "terms",
				"field":   def.Name,
				"limit":   -1,
				"missing": true,
			}
			continue
		}
		bs, err := query.BuildBuckets(def.Ranges, true)
		if err != nil {
			return nil, nil, fmt.Errorf("facet %s: %w", def.Name, err)
		}
		buckets[def.Name] = bs
		nested := make(map[string]any, len(bs))
		for _, b := range bs {
			nested[b.Label] = map[string]any{"type": "query", "q": b.SolrQuery(def.Name)}
		}
		specs[def.Name] = map[string]any{"type": "query", "q": "*:*", "facet": nested}
		specs[minPrefix+def.Name] = "min(" + def.Name + ")"
		specs[maxPrefix+def.Name] = "max(" + def.Name + ")"
	}
	return specs, buckets, nil
}

// excludeOwnTags returns a copy of specs in which each facet ignores the
// filter on its own attribute.
func excludeOwnTags(specs map[string]any, tags map[string]string) map[string]any {
	out := make(map[string]any, len(specs))
	for name, spec := range specs {
		m, ok := spec.(map[string]any)
		tag, tagged := tags[name]
		if !ok || !tagged {
			out[name] = spec
			continue
		}
		cp := make(map[string]any, len(m)+1)
		for k, v := range m {
			cp[k] = v
		}
		cp["domain"] = map[string]any{"excludeTags": []string{tag}}
		out[name] = cp
	}
	return out
}

func mergeSpecs(maps ...map[string]any) map[string]any {
	out := map[string]any{}
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

func parseIndexFacets(src catalog.SourceAttrs, raw map[string]any, defs []domain.Attribute, buckets map[string][]query.Bucket) domain.SourceFacets {
	out := domain.NewSourceFacets(src.Source, src.SetType)
	for _, def := range defs {
		entry, _ := raw[def.Name].(map[string]any)
		if bs, ok := buckets[def.Name]; ok {
			counts := domain.BucketCounts{}
			for _, b := range bs {
				sub, _ := entry[b.Label].(map[string]any)
				n, _ := domain.ToInt64(sub["count"])
				counts[b.Label] = n
			}
			out.Facets[def.Name] = counts
			lo, okLo := raw[minPrefix+def.Name].(float64)
			hi, okHi := raw[maxPrefix+def.Name].(float64)
			if okLo && okHi {
				if out.Stats == nil {
					out.Stats = map[string]domain.MinMax{}
				}
				out.Stats[def.Name] = domain.MinMax{Min: lo, Max: hi}
			}
			continue
		}
		out.Facets[def.Name] = parseTerms(entry)
	}
	return out
}

func parseTerms(entry map[string]any) domain.BucketCounts {
	counts := domain.BucketCounts{}
	list, _ := entry["buckets"].([]any)
	for _, item := range list {
		b, ok := item.(map[string]any)
		if !ok {
			continue
		}
		n, _ := domain.ToInt64(b["count"])
		counts[domain.FormatValue(b["val"])] += n
	}
	if missing, ok := entry["missing"].(map[string]any); ok {
		if n, _ := domain.ToInt64(missing["count"]); n > 0 {
			counts[domain.NoneValue] += n
		}
	}
	return counts
}

func (a *Aggregator) assembleIndex(sc scope, req Request, image catalog.SourceAttrs, results []indexResult, filtered bool) domain.AggregateResult {
	result := domain.AggregateResult{
		Facets:  domain.FacetTree{},
		Uniques: map[string]int64{},
	}
	if filtered && !req.SkipFiltered {
		result.FilteredFacets = domain.FacetTree{}
	}
	for _, r := range results {
		key := a.resultKey(sc, r.src.Source)
		if r.owns {
			result.Facets[key] = r.baseline
			if result.FilteredFacets != nil {
				result.FilteredFacets[key] = r.filtered
			}
		}
		if r.src.Source.ID != image.Source.ID {
			continue
		}
		result.Total = r.numFound
		for _, name := range uniqueNames([]string{image.CountCol}, req.Uniques) {
			if v, ok := r.raw[uniquePrefix+name]; ok {
				if n, err := domain.ToInt64(v); err == nil {
					result.Uniques[name] = n
				}
			}
		}
		for _, name := range req.Totals {
			if v, ok := r.raw[uniquePrefix+name]; ok {
				if n, err := domain.ToInt64(v); err == nil {
					if result.Totals == nil {
						result.Totals = map[string]int64{}
					}
					result.Totals[name] = n
				}
			}
		}
		for k := range req.Custom {
			if result.Custom == nil {
				result.Custom = map[string]any{}
			}
			result.Custom[k] = r.raw[k]
		}
	}
	return result
}
