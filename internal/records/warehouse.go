package records

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rpattn/imgexplorer/internal/backend"
	"github.com/rpattn/imgexplorer/internal/catalog"
	"github.com/rpattn/imgexplorer/internal/domain"
	"github.com/rpattn/imgexplorer/internal/query"
	"github.com/rpattn/imgexplorer/internal/resolver"
)

func (f *Fetcher) fetchWarehouse(ctx context.Context, req Request, sc scope) (domain.RecordPage, error) {
	var page domain.RecordPage
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		stmt, err := f.totalStatement(gctx, req, sc)
		if err != nil {
			return err
		}
		rows, err := f.run(gctx, stmt)
		if err != nil {
			return fmt.Errorf("total: %w", err)
		}
		if len(rows) > 0 {
			page.Total, err = domain.ToInt64(rows[0]["total"])
		}
		return err
	})
	if !req.CountsOnly {
		g.Go(func() error {
			stmt, err := f.pageStatement(gctx, req, sc)
			if err != nil {
				return err
			}
			page.Docs, err = f.run(gctx, stmt)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return domain.RecordPage{}, err
	}
	return page, nil
}

func (f *Fetcher) run(ctx context.Context, stmt Statement) ([]domain.Record, error) {
	it, err := f.warehouse.Query(ctx, stmt.SQL, stmt.Args)
	if err != nil {
		return nil, err
	}
	return backend.Collect(it)
}

// pageStatement renders the record query: one SELECT per image table, unioned,
// collapsed, then ordered and paged.
func (f *Fetcher) pageStatement(ctx context.Context, req Request, sc scope) (Statement, error) {
	b := query.NewBuilder()
	body, outputs, err := f.body(ctx, req, sc, b)
	if err != nil {
		return Statement{}, err
	}
	if req.Collapse != "" {
		body = collapse(body, outputs, req.Collapse)
	}
	var sb strings.Builder
	sb.WriteString(body)

	var order []string
	for _, key := range req.Sort {
		if !contains(outputs, key.Field) {
			zerolog.Ctx(ctx).Warn().Str("field", key.Field).Msg("sort field is not a returned column, ignoring")
			continue
		}
		dir := "ASC"
		if key.Desc() {
			dir = "DESC"
		}
		order = append(order, query.QuoteIdent(key.Field)+" "+dir)
	}
	if len(order) > 0 {
		sb.WriteString(" ORDER BY " + strings.Join(order, ", "))
	}
	if req.Limit > 0 {
		sb.WriteString(" LIMIT " + b.Bind(req.Limit))
	}
	if req.Offset > 0 {
		sb.WriteString(" OFFSET " + b.Bind(req.Offset))
	}
	return Statement{SQL: sb.String(), Args: b.Args()}, nil
}

// totalStatement counts the distinct collapse values of the unpaged query, or
// its rows when nothing is collapsed.
func (f *Fetcher) totalStatement(ctx context.Context, req Request, sc scope) (Statement, error) {
	b := query.NewBuilder()
	body, _, err := f.body(ctx, req, sc, b)
	if err != nil {
		return Statement{}, err
	}
	count := "COUNT(*)"
	if req.Collapse != "" {
		count = fmt.Sprintf("COUNT(DISTINCT records.%s)", query.QuoteIdent(req.Collapse))
	}
	return Statement{SQL: fmt.Sprintf("SELECT %s AS total FROM (%s) AS records", count, body), Args: b.Args()}, nil
}

// collapse keeps the first row, in output column order, of every distinct
// value of key.
func collapse(body string, outputs []string, key string) string {
	cols := make([]string, len(outputs))
	order := make([]string, len(outputs))
	for i, name := range outputs {
		cols[i] = "collapsed." + query.QuoteIdent(name)
		order[i] = "records." + query.QuoteIdent(name)
	}
	return fmt.Sprintf(
		"SELECT %s FROM (SELECT records.*, ROW_NUMBER() OVER (PARTITION BY records.%s ORDER BY %s) AS collapse_rank FROM (%s) AS records) AS collapsed WHERE collapsed.collapse_rank = 1",
		strings.Join(cols, ", "), query.QuoteIdent(key), strings.Join(order, ", "), body)
}

// body renders the unioned per-image SELECTs and returns their output columns.
func (f *Fetcher) body(ctx context.Context, req Request, sc scope, b *query.Builder) (string, []string, error) {
	selects := make([]string, 0, len(sc.images))
	var outputs []string
	for _, image := range sc.images {
		sel, cols, err := f.imageSelect(req, sc, image, b)
		if err != nil {
			return "", nil, fmt.Errorf("%s: %w", image.Source.Name, err)
		}
		selects = append(selects, sel)
		outputs = cols
	}
	if len(selects) == 1 {
		return selects[0], outputs, nil
	}
	zerolog.Ctx(ctx).Debug().Int("tables", len(selects)).Msg("unioning image tables")
	for i, s := range selects {
		selects[i] = "(" + s + ")"
	}
	return strings.Join(selects, " UNION DISTINCT "), outputs, nil
}

// imageSelect renders the SELECT rooted at one image table. Rows are grouped
// on every output column, which removes the duplicates joins produce. Entity
// collapse happens later, over the union.
func (f *Fetcher) imageSelect(req Request, sc scope, image catalog.SourceAttrs, b *query.Builder) (string, []string, error) {
	fieldBy := sc.fieldBy.Rebase(image)
	filterBy := sc.filterBy.Rebase(image)
	from := resolver.NewFrom(image)
	opts := query.Options{CaseInsensitive: f.opts.CaseInsensitive}

	var conds []string
	if req.SearchChildRecordsBy == "" {
		preds, err := f.resolver.CompileInto(from, filterBy, sc.filters, sc.types, opts)
		if err != nil {
			return "", nil, err
		}
		if pred := predicate(preds, b); pred != "" {
			conds = append(conds, pred)
		}
	}

	var cols, outputs []string
	for _, src := range fieldBy.Ordered() {
		if _, err := f.resolver.Attach(from, src.Meta); err != nil {
			return "", nil, err
		}
		for _, attr := range src.Attrs {
			cols = append(cols, query.Col{Alias: src.Meta.Alias, Name: attr}.Qualified())
			outputs = append(outputs, attr)
		}
	}
	if len(cols) == 0 {
		return "", nil, fmt.Errorf("no fields to select")
	}

	if req.SearchChildRecordsBy != "" {
		inner, err := f.childKeys(image, filterBy, sc, req.SearchChildRecordsBy, b)
		if err != nil {
			return "", nil, err
		}
		if inner != "" {
			conds = append(conds, fmt.Sprintf("%s IN (%s)", from.Col(req.SearchChildRecordsBy).Qualified(), inner))
		}
	}
	if len(req.Restrict) > 0 {
		var sets []string
		for _, ks := range req.Restrict {
			if !image.Has(ks.Key) {
				return "", nil, fmt.Errorf("%w: %q is not an image column", domain.ErrUnknownAttribute, ks.Key)
			}
			sub, err := ks.Render(b)
			if err != nil {
				return "", nil, err
			}
			sets = append(sets, fmt.Sprintf("%s IN (%s)", from.Col(ks.Key).Qualified(), sub))
		}
		switch {
		case len(sets) == 1:
			conds = append(conds, sets[0])
		case req.RestrictAll:
			conds = append(conds, sets...)
		default:
			conds = append(conds, "("+strings.Join(sets, " OR ")+")")
		}
	}
	var where string
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	group := make([]string, len(cols))
	for i := range cols {
		group[i] = fmt.Sprint(i + 1)
	}
	return fmt.Sprintf("SELECT %s %s%s GROUP BY %s", strings.Join(cols, ", "), from.SQL(), where, strings.Join(group, ", ")), outputs, nil
}

// childKeys renders the subquery selecting the coarse key values that satisfy
// the filters. With more than one filter on the image table each is applied
// separately and the key sets intersected, so a study qualifies when any of its
// series matches each filter. Returns "" when nothing is filtered.
func (f *Fetcher) childKeys(image catalog.SourceAttrs, filterBy resolver.Resolution, sc scope, key string, b *query.Builder) (string, error) {
	opts := query.Options{CaseInsensitive: f.opts.CaseInsensitive}
	keyCol := query.Col{Alias: image.Alias, Name: key}.Qualified()
	root, hasImageFilters := filterBy.Sources[image.Source.ID]

	if !hasImageFilters || len(root.List) < 2 {
		from := resolver.NewFrom(image)
		preds, err := f.resolver.CompileInto(from, filterBy, sc.filters, sc.types, opts)
		if err != nil {
			return "", err
		}
		pred := predicate(preds, b)
		if pred == "" {
			return "", nil
		}
		return fmt.Sprintf("SELECT %s %s WHERE %s", keyCol, from.SQL(), pred), nil
	}

	var parts []string
	for _, name := range root.List {
		compiled, err := query.Compile(sc.filters.Subset(func(k string) bool { return k == name }),
			query.Scope{Alias: image.Alias, Types: sc.types}, opts)
		if err != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrInvalidFilter, err)
		}
		if compiled.Empty() {
			continue
		}
		parts = append(parts, fmt.Sprintf("SELECT %s %s WHERE %s",
			keyCol, resolver.NewFrom(image).SQL(), query.RenderSQL(compiled.Predicate, b)))
	}

	others := resolver.Resolution{Sources: map[int]resolver.ResolvedSource{}, Universe: filterBy.Universe}
	for _, src := range filterBy.Ordered() {
		if src.Meta.Source.ID != image.Source.ID {
			others.Sources[src.Meta.Source.ID] = src
			others.Order = append(others.Order, src.Meta.Source.ID)
		}
	}
	if len(others.Order) > 0 {
		from := resolver.NewFrom(image)
		preds, err := f.resolver.CompileInto(from, others, sc.filters, sc.types, opts)
		if err != nil {
			return "", err
		}
		if pred := predicate(preds, b); pred != "" {
			parts = append(parts, fmt.Sprintf("SELECT %s %s WHERE %s", keyCol, from.SQL(), pred))
		}
	}
	return strings.Join(parts, " INTERSECT DISTINCT "), nil
}

// KeyQuery renders a subquery selecting the distinct values of key, an image
// column, for every warehouse row matching filters.
func (f *Fetcher) KeyQuery(ctx context.Context, filters domain.FilterSet, key string, versions []string, b *query.Builder) (string, error) {
	req := Request{Filters: filters, Fields: []string{key}, Versions: versions}
	sc, err := f.prepare(ctx, req, domain.SourceTypeWarehouse)
	if err != nil {
		return "", err
	}
	body, _, err := f.body(ctx, req, sc, b)
	return body, err
}

// predicate renders the conjunction of preds, or "" when none constrain.
func predicate(preds []query.Compiled, b *query.Builder) string {
	nodes := make([]query.Node, 0, len(preds))
	for _, c := range preds {
		nodes = append(nodes, c.Predicate)
	}
	return query.RenderSQL(query.AllOf(nodes...), b)
}
