// Package records fetches row-level documents matching a filter set, paged,
// sorted and collapsed to one row per entity, from either backend.
package records

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rpattn/imgexplorer/internal/backend"
	"github.com/rpattn/imgexplorer/internal/catalog"
	"github.com/rpattn/imgexplorer/internal/domain"
	"github.com/rpattn/imgexplorer/internal/query"
	"github.com/rpattn/imgexplorer/internal/resolver"
)

const (
	DefaultLimit          = 1000
	DefaultStreamPageSize = 1000
)

// Catalog is the part of the attribute catalog the fetcher needs.
type Catalog interface {
	resolver.Catalog
	Versions(names []string) ([]domain.DataVersion, error)
	Sources(filter catalog.SourceFilter) ([]domain.DataSource, error)
}

type Options struct {
	CaseInsensitive bool
	// StreamPageSize is the page size used when streaming from the document
	// index.
	StreamPageSize int
}

// Fetcher retrieves records. It is safe for concurrent use.
type Fetcher struct {
	catalog   Catalog
	resolver  *resolver.Resolver
	index     backend.DocumentIndex
	warehouse backend.Warehouse
	opts      Options
}

func New(c Catalog, index backend.DocumentIndex, warehouse backend.Warehouse, opts Options) *Fetcher {
	if opts.StreamPageSize <= 0 {
		opts.StreamPageSize = DefaultStreamPageSize
	}
	return &Fetcher{
		catalog:   c,
		resolver:  resolver.New(c),
		index:     index,
		warehouse: warehouse,
		opts:      opts,
	}
}

// Request describes one record retrieval.
type Request struct {
	Filters    domain.FilterSet
	Fields     []string
	Versions   []string
	SourceType domain.SourceType
	// Collapse keeps one row per distinct value of this image column.
	Collapse string
	// Limit defaults to DefaultLimit for Fetch. SQL and Stream apply no limit
	// when it is zero.
	Limit  int
	Offset int
	Sort   []domain.SortKey
	// CountsOnly skips the documents and returns only the total.
	CountsOnly bool
	// SearchChildRecordsBy names a coarse image column (e.g. StudyInstanceUID).
	// Filters then select qualifying values of that column and every row
	// sharing one is returned.
	SearchChildRecordsBy string
	// Restrict keeps only warehouse rows whose key falls in one of the sets,
	// or in every set when RestrictAll is set.
	Restrict    []KeySet
	RestrictAll bool
	// IndexQuery replaces the match-all main query on the document index.
	IndexQuery string
}

// KeySet is a set of image-column values rendered as a subquery into the
// statement's builder.
type KeySet struct {
	Key    string
	Render func(b *query.Builder) (string, error)
}

// Statement is a warehouse query with its positional arguments.
type Statement struct {
	SQL  string
	Args []any
}

// scope is everything resolved from the catalog for one request.
type scope struct {
	sourceType domain.SourceType
	filters    domain.FilterSet
	fieldBy    resolver.Resolution
	filterBy   resolver.Resolution
	types      map[string]domain.DataType
	images     []catalog.SourceAttrs
}

func (f *Fetcher) prepare(ctx context.Context, req Request, forced domain.SourceType) (scope, error) {
	versions, err := f.catalog.Versions(req.Versions)
	if err != nil {
		return scope{}, err
	}
	requested := req.SourceType
	if forced != "" {
		requested = forced
	}
	sourceType, err := catalog.Dispatch(versions, requested)
	if err != nil {
		return scope{}, err
	}
	sources, err := f.catalog.Sources(catalog.SourceFilter{Versions: versions, SourceType: sourceType})
	if err != nil {
		return scope{}, err
	}

	fields := req.Fields
	if req.Collapse != "" && !contains(fields, req.Collapse) {
		fields = append(append([]string(nil), fields...), req.Collapse)
	}
	fieldBy, err := f.resolver.Resolve(ctx, fields, sources)
	if err != nil {
		return scope{}, err
	}
	filterBy, err := f.resolver.Resolve(ctx, req.Filters.Keys(), sources)
	if err != nil {
		return scope{}, err
	}
	dropped := map[string]bool{}
	for _, name := range filterBy.Dropped {
		dropped[name] = true
	}

	sc := scope{
		sourceType: sourceType,
		filters:    req.Filters.Subset(func(key string) bool { return !dropped[key] }),
		fieldBy:    fieldBy,
		filterBy:   filterBy,
		types:      fieldBy.Types(),
	}
	for name, t := range filterBy.Types() {
		sc.types[name] = t
	}
	for _, src := range sources {
		meta := fieldBy.Universe.Sources[src.ID]
		if meta.DataType == domain.DataKindImage && fieldBy.Covers(meta) && filterBy.Covers(meta) {
			sc.images = append(sc.images, meta)
		}
	}
	if len(sc.images) == 0 {
		return scope{}, fmt.Errorf("%w: no image source holds every requested field and filter", domain.ErrNoSources)
	}
	if req.SearchChildRecordsBy != "" && !sc.images[0].Has(req.SearchChildRecordsBy) {
		return scope{}, fmt.Errorf("%w: %q is not an image column", domain.ErrUnknownAttribute, req.SearchChildRecordsBy)
	}
	return sc, nil
}

// Backend reports which backend a request for versions and requested is
// dispatched to.
func (f *Fetcher) Backend(versions []string, requested domain.SourceType) (domain.SourceType, error) {
	resolved, err := f.catalog.Versions(versions)
	if err != nil {
		return "", err
	}
	return catalog.Dispatch(resolved, requested)
}

// Fetch returns one page of records and the number of matching entities.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (domain.RecordPage, error) {
	if req.Limit <= 0 {
		req.Limit = DefaultLimit
	}
	sc, err := f.prepare(ctx, req, "")
	if err != nil {
		return domain.RecordPage{}, err
	}
	start := time.Now()
	var page domain.RecordPage
	switch sc.sourceType {
	case domain.SourceTypeWarehouse:
		if f.warehouse == nil {
			return domain.RecordPage{}, fmt.Errorf("no warehouse backend configured")
		}
		page, err = f.fetchWarehouse(ctx, req, sc)
	default:
		if f.index == nil {
			return domain.RecordPage{}, fmt.Errorf("no document index backend configured")
		}
		page, err = f.fetchIndex(ctx, req, sc)
	}
	if err != nil {
		return domain.RecordPage{}, err
	}
	if page.Docs == nil {
		page.Docs = []domain.Record{}
	}
	for _, doc := range page.Docs {
		unwrapLists(doc)
	}
	StableSort(page.Docs, req.Sort)
	zerolog.Ctx(ctx).Debug().
		Str("backend", string(sc.sourceType)).
		Int("docs", len(page.Docs)).
		Int64("total", page.Total).
		Dur("elapsed", time.Since(start)).
		Msg("fetched records")
	return page, nil
}

// SQL renders the warehouse statement for req without executing it. It is
// what an offloaded manifest job runs.
func (f *Fetcher) SQL(ctx context.Context, req Request) (Statement, error) {
	sc, err := f.prepare(ctx, req, domain.SourceTypeWarehouse)
	if err != nil {
		return Statement{}, err
	}
	return f.pageStatement(ctx, req, sc)
}

// Stream returns a lazy iterator over every matching record. Rows are read
// from the backend as the iterator advances; it cannot be restarted.
func (f *Fetcher) Stream(ctx context.Context, req Request) (backend.RowIterator, error) {
	sc, err := f.prepare(ctx, req, "")
	if err != nil {
		return nil, err
	}
	if sc.sourceType == domain.SourceTypeWarehouse {
		if f.warehouse == nil {
			return nil, fmt.Errorf("no warehouse backend configured")
		}
		stmt, err := f.pageStatement(ctx, req, sc)
		if err != nil {
			return nil, err
		}
		it, err := f.warehouse.Query(ctx, stmt.SQL, stmt.Args)
		if err != nil {
			return nil, err
		}
		return &normalizing{RowIterator: it}, nil
	}
	if f.index == nil {
		return nil, fmt.Errorf("no document index backend configured")
	}
	q, err := f.docQuery(req, sc)
	if err != nil {
		return nil, err
	}
	return &pagingIterator{ctx: ctx, index: f.index, query: q, pageSize: f.opts.StreamPageSize, remaining: req.Limit}, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
