package facets

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rpattn/imgexplorer/internal/backend"
	"github.com/rpattn/imgexplorer/internal/catalog"
	"github.com/rpattn/imgexplorer/internal/domain"
	"github.com/rpattn/imgexplorer/internal/query"
	"github.com/rpattn/imgexplorer/internal/resolver"
)

type pass int

const (
	passBaseline pass = iota
	passFiltered
	passTotal
)

// sqlPlan is the join graph and per-source predicates shared by every
// facet query of one request.
type sqlPlan struct {
	from  *resolver.From
	preds []query.Compiled
}

// whJob is one submitted warehouse query.
type whJob struct {
	label string
	pass  pass
	facet domain.Attribute
	owner catalog.SourceAttrs
	sql   string
	args  []any
	id    backend.JobID
	rows  []domain.Record
	// seed lists bucket labels reported even when no row falls in them
	seed []string
	// custom lists the custom aggregates a total job computes
	custom []customAgg
}

func (a *Aggregator) aggregateWarehouse(ctx context.Context, req Request, sc scope) (domain.AggregateResult, error) {
	logger := zerolog.Ctx(ctx)

	image, err := primaryImage(sc)
	if err != nil {
		return domain.AggregateResult{}, err
	}
	plan, err := a.planWarehouse(sc, image)
	if err != nil {
		return domain.AggregateResult{}, err
	}
	filtered := !plan.empty()
	custom, unsupported := customAggregates(req.Custom, image)
	if len(unsupported) > 0 {
		logger.Warn().Strs("custom", unsupported).Msg("custom facets the warehouse cannot compute, ignoring")
	}

	var jobs []*whJob
	for _, id := range sc.facetBy.Order {
		owner := sc.facetBy.Sources[id]
		// the baseline ignores every filter, including the joins filters pull in
		base := resolver.NewFrom(image)
		if _, err := a.resolver.Attach(base, owner.Meta); err != nil {
			return domain.AggregateResult{}, err
		}
		for _, def := range owner.Defs {
			j, err := plan.facetJob(def, owner.Meta, base, passBaseline)
			if err != nil {
				return domain.AggregateResult{}, err
			}
			jobs = append(jobs, j)
			if !filtered || req.SkipFiltered {
				continue
			}
			// the filtered pass drops only the facet's own attribute
			from, err := a.facetFrom(plan, owner.Meta)
			if err != nil {
				return domain.AggregateResult{}, err
			}
			j, err = plan.facetJob(def, owner.Meta, from, passFiltered)
			if err != nil {
				return domain.AggregateResult{}, err
			}
			jobs = append(jobs, j)
		}
	}
	totals := plan.totalJob(uniqueNames(req.Uniques, req.Totals), custom)
	jobs = append(jobs, totals)

	for _, j := range jobs {
		id, err := a.warehouse.Submit(ctx, j.sql, j.args)
		if err != nil {
			a.cancelAll(jobs)
			return domain.AggregateResult{}, fmt.Errorf("submit %s: %w", j.label, err)
		}
		j.id = id
	}
	logger.Debug().Int("jobs", len(jobs)).Str("image", image.Source.Name).Msg("submitted facet queries")

	if err := a.await(ctx, jobs); err != nil {
		return domain.AggregateResult{}, err
	}
	if err := a.collect(ctx, jobs); err != nil {
		return domain.AggregateResult{}, err
	}
	return a.assembleWarehouse(sc, req, plan, jobs, filtered)
}

// primaryImage picks the image table every warehouse query counts against:
// the first image source owning a facet or filter, else the first image source.
func primaryImage(sc scope) (catalog.SourceAttrs, error) {
	for _, res := range []resolver.Resolution{sc.facetBy, sc.filterBy} {
		for _, src := range res.Ordered() {
			if src.IsImage() {
				return src.Meta, nil
			}
		}
	}
	images := imageSources(sc)
	if len(images) == 0 {
		return catalog.SourceAttrs{}, fmt.Errorf("%w: no image source among %d warehouse sources", domain.ErrNoSources, len(sc.sources))
	}
	return images[0], nil
}

func (a *Aggregator) planWarehouse(sc scope, image catalog.SourceAttrs) (*sqlPlan, error) {
	from := resolver.NewFrom(image)
	preds, err := a.resolver.CompileInto(from, sc.filterBy, sc.filters, sc.types, query.Options{CaseInsensitive: a.opts.CaseInsensitive})
	if err != nil {
		return nil, err
	}
	return &sqlPlan{from: from, preds: preds}, nil
}

// facetFrom returns the plan's FROM clause extended to reach a facet's owning
// source.
func (a *Aggregator) facetFrom(plan *sqlPlan, owner catalog.SourceAttrs) (*resolver.From, error) {
	if plan.from.Reaches(owner.Source.ID) {
		return plan.from, nil
	}
	from := plan.from.Clone()
	if _, err := a.resolver.Attach(from, owner); err != nil {
		return nil, err
	}
	return from, nil
}

func (p *sqlPlan) empty() bool {
	for _, c := range p.preds {
		if !c.Empty() {
			return false
		}
	}
	return true
}

// where renders the plan's predicates minus any term on exclude. An empty
// exclude keeps every filter.
func (p *sqlPlan) where(b *query.Builder, exclude string) string {
	nodes := make([]query.Node, 0, len(p.preds))
	for _, c := range p.preds {
		if exclude != "" {
			c = c.Without(exclude)
		}
		nodes = append(nodes, c.Predicate)
	}
	pred := query.AllOf(nodes...)
	if pred == nil {
		return ""
	}
	return " WHERE " + query.RenderSQL(pred, b)
}

func (p *sqlPlan) countCol() string {
	return p.from.Col(p.from.Image.CountCol).Qualified()
}

func (p *sqlPlan) facetJob(def domain.Attribute, owner catalog.SourceAttrs, from *resolver.From, ps pass) (*whJob, error) {
	col := query.Col{Alias: owner.Alias, Name: def.Name}
	sel := col.Qualified()
	var seed []string
	if def.DataType == domain.DataTypeContinuousNumeric {
		buckets, err := query.BuildBuckets(def.Ranges, true)
		if err != nil {
			return nil, fmt.Errorf("facet %s: %w", def.Name, err)
		}
		sel = query.RenderCase(col, buckets)
		for _, b := range buckets {
			seed = append(seed, b.Label)
		}
	}
	b := query.NewBuilder()
	var where string
	if ps == passFiltered {
		where = p.where(b, def.Name)
	}
	sql := fmt.Sprintf("SELECT %s AS value, COUNT(DISTINCT %s) AS count %s%s GROUP BY 1",
		sel, p.countCol(), from.SQL(), where)
	return &whJob{label: def.Name, pass: ps, facet: def, owner: owner, sql: sql, args: b.Args(), seed: seed}, nil
}

// totalJob counts distinct entities under every filter, plus a distinct count
// for each requested image column and one column per custom aggregate.
func (p *sqlPlan) totalJob(columns []string, custom []customAgg) *whJob {
	selects := []string{fmt.Sprintf("COUNT(DISTINCT %s) AS total", p.countCol())}
	for _, name := range columns {
		if !p.from.Image.Has(name) {
			continue
		}
		col := p.from.Col(name)
		selects = append(selects, fmt.Sprintf("COUNT(DISTINCT %s) AS %s", col.Qualified(), query.QuoteIdent(name)))
	}
	for _, c := range custom {
		selects = append(selects, fmt.Sprintf(c.expr, p.from.Col(c.column).Qualified())+" AS "+query.QuoteIdent(c.alias()))
	}
	b := query.NewBuilder()
	where := p.where(b, "")
	sql := fmt.Sprintf("SELECT %s %s%s", strings.Join(selects, ", "), p.from.SQL(), where)
	return &whJob{label: "total", pass: passTotal, sql: sql, args: b.Args(), custom: custom}
}

var customFuncs = map[string]string{
	"unique": "COUNT(DISTINCT %s)",
	"sum":    "SUM(%s)",
	"min":    "MIN(%s)",
	"max":    "MAX(%s)",
	"avg":    "AVG(%s)",
}

// customAgg is a custom facet of the form fn(column) over an image column.
type customAgg struct {
	name   string
	column string
	expr   string
}

func (c customAgg) alias() string { return "custom:" + c.name }

// customAggregates picks the custom facet specs the warehouse can answer:
// unique, sum, min, max and avg of an image column. The names of the rest are
// returned in unsupported.
func customAggregates(specs map[string]any, image catalog.SourceAttrs) (supported []customAgg, unsupported []string) {
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		spec, _ := specs[name].(string)
		spec = strings.TrimSpace(spec)
		open := strings.IndexByte(spec, '(')
		if open <= 0 || !strings.HasSuffix(spec, ")") {
			unsupported = append(unsupported, name)
			continue
		}
		expr, ok := customFuncs[strings.ToLower(spec[:open])]
		column := strings.TrimSpace(spec[open+1 : len(spec)-1])
		if !ok || !image.Has(column) {
			unsupported = append(unsupported, name)
			continue
		}
		supported = append(supported, customAgg{name: name, column: column, expr: expr})
	}
	return supported, unsupported
}

// collect fetches every finished job's rows concurrently.
func (a *Aggregator) collect(ctx context.Context, jobs []*whJob) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			rows, err := a.warehouse.Results(gctx, j.id)
			if err != nil {
				return fmt.Errorf("%s: %w", j.label, err)
			}
			j.rows = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		a.cancelAll(jobs)
		return err
	}
	return nil
}

func (a *Aggregator) cancelAll(jobs []*whJob) {
	for _, j := range jobs {
		if j.id != "" {
			a.warehouse.Cancel(j.id)
		}
	}
}

func (a *Aggregator) assembleWarehouse(sc scope, req Request, plan *sqlPlan, jobs []*whJob, filtered bool) (domain.AggregateResult, error) {
	result := domain.AggregateResult{
		Facets:  domain.FacetTree{},
		Uniques: map[string]int64{},
	}
	if filtered && !req.SkipFiltered {
		result.FilteredFacets = domain.FacetTree{}
	}
	for _, j := range jobs {
		if j.pass == passTotal {
			if err := assembleTotals(&result, plan, j, req); err != nil {
				return domain.AggregateResult{}, err
			}
			continue
		}
		buckets := domain.BucketCounts{}
		for _, label := range j.seed {
			buckets[label] = 0
		}
		for _, row := range j.rows {
			count, err := domain.ToInt64(row["count"])
			if err != nil {
				return domain.AggregateResult{}, fmt.Errorf("facet %s: %w", j.label, err)
			}
			buckets[domain.FormatValue(row["value"])] += count
		}
		tree := result.Facets
		if j.pass == passFiltered {
			tree = result.FilteredFacets
		}
		key := a.resultKey(sc, j.owner.Source)
		entry, ok := tree[key]
		if !ok {
			entry = domain.NewSourceFacets(j.owner.Source, j.owner.SetType)
		}
		entry.Facets[j.facet.Name] = buckets
		tree[key] = entry
	}
	return result, nil
}

func assembleTotals(result *domain.AggregateResult, plan *sqlPlan, j *whJob, req Request) error {
	if len(j.rows) == 0 {
		return nil
	}
	row := j.rows[0]
	total, err := domain.ToInt64(row["total"])
	if err != nil {
		return fmt.Errorf("total: %w", err)
	}
	result.Total = total
	result.Uniques[plan.from.Image.CountCol] = total
	for _, name := range req.Uniques {
		if v, ok := row[name]; ok {
			n, err := domain.ToInt64(v)
			if err != nil {
				return fmt.Errorf("unique %s: %w", name, err)
			}
			result.Uniques[name] = n
		}
	}
	for _, name := range req.Totals {
		if v, ok := row[name]; ok {
			n, err := domain.ToInt64(v)
			if err != nil {
				return fmt.Errorf("total %s: %w", name, err)
			}
			if result.Totals == nil {
				result.Totals = map[string]int64{}
			}
			result.Totals[name] = n
		}
	}
	for _, c := range j.custom {
		if result.Custom == nil {
			result.Custom = map[string]any{}
		}
		result.Custom[c.name] = row[c.alias()]
	}
	return nil
}

func uniqueNames(lists ...[]string) []string {
	seen := map[string]bool{}
	var out []string
	for _, list := range lists {
		for _, name := range list {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	return out
}
