package records

import (
	"context"
	"fmt"
	"strings"

	"github.com/rpattn/imgexplorer/internal/backend"
	"github.com/rpattn/imgexplorer/internal/domain"
	"github.com/rpattn/imgexplorer/internal/query"
)

func (f *Fetcher) fetchIndex(ctx context.Context, req Request, sc scope) (domain.RecordPage, error) {
	q, err := f.docQuery(req, sc)
	if err != nil {
		return domain.RecordPage{}, err
	}
	q.Limit, q.Offset = req.Limit, req.Offset
	res, err := f.index.Query(ctx, q)
	if err != nil {
		return domain.RecordPage{}, fmt.Errorf("%s: %w", q.Collection, err)
	}
	return domain.RecordPage{Docs: res.Docs, Total: res.NumFound}, nil
}

// docQuery builds the image-collection query for req. Only image fields can be
// returned from the index; fields of other collections act through filters.
func (f *Fetcher) docQuery(req Request, sc scope) (backend.DocQuery, error) {
	image := sc.images[0]
	compiled, err := query.Compile(sc.filters, query.Scope{Types: sc.types}, query.Options{})
	if err != nil {
		return backend.DocQuery{}, fmt.Errorf("%w: %v", domain.ErrInvalidFilter, err)
	}
	tagged := query.SolrFilters(compiled, 0)
	if key := req.SearchChildRecordsBy; key != "" {
		for i, t := range tagged {
			if owner, ok := sc.filterBy.OwnerOf(t.Attr); ok && owner.IsImage() {
				// self-join: match every document sharing a key with a match
				tagged[i].Query = fmt.Sprintf("{!join from=%s to=%s}%s", key, key, t.Query)
			}
		}
	}
	fqs, err := f.resolver.IndexFilters(sc.filterBy, image, image, tagged)
	if err != nil {
		return backend.DocQuery{}, err
	}

	var fields []string
	for _, src := range sc.fieldBy.Ordered() {
		if src.IsImage() {
			fields = append(fields, src.Attrs...)
		}
	}
	var sorts []string
	for _, key := range req.Sort {
		dir := "asc"
		if key.Desc() {
			dir = "desc"
		}
		sorts = append(sorts, key.Field+" "+dir)
	}
	main := "*:*"
	if req.IndexQuery != "" {
		main = req.IndexQuery
	}
	return backend.DocQuery{
		Collection: image.Source.Name,
		Query:      main,
		Filters:    fqs,
		Fields:     fields,
		Sort:       strings.Join(sorts, ", "),
		CountsOnly: req.CountsOnly,
		Collapse:   req.Collapse,
	}, nil
}

// IndexQuery renders filters as one boolean query over the image collection,
// joined to whichever collections own the filtered attributes. Returns ""
// when nothing is filtered.
func (f *Fetcher) IndexQuery(ctx context.Context, filters domain.FilterSet, versions []string) (string, error) {
	sc, err := f.prepare(ctx, Request{Filters: filters, Versions: versions}, domain.SourceTypeIndex)
	if err != nil {
		return "", err
	}
	compiled, err := query.Compile(sc.filters, query.Scope{Types: sc.types}, query.Options{})
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidFilter, err)
	}
	return f.resolver.IndexClause(sc.filterBy, sc.images[0], query.SolrFilters(compiled, 0))
}

// pagingIterator walks an index query page by page. remaining caps the total
// rows returned; zero means no cap.
type pagingIterator struct {
	ctx       context.Context
	index     backend.DocumentIndex
	query     backend.DocQuery
	pageSize  int
	remaining int

	page    []domain.Record
	pos     int
	offset  int
	done    bool
	err     error
	current domain.Record
}

func (p *pagingIterator) Next() bool {
	if p.err != nil {
		return false
	}
	for p.pos >= len(p.page) {
		if p.done {
			return false
		}
		if err := p.fetch(); err != nil {
			p.err = err
			return false
		}
	}
	p.current = p.page[p.pos]
	unwrapLists(p.current)
	p.pos++
	return true
}

func (p *pagingIterator) fetch() error {
	size := p.pageSize
	if p.remaining > 0 {
		left := p.remaining - p.offset
		if left <= 0 {
			p.done = true
			p.page, p.pos = nil, 0
			return nil
		}
		if left < size {
			size = left
		}
	}
	q := p.query
	q.Limit, q.Offset = size, p.query.Offset+p.offset
	res, err := p.index.Query(p.ctx, q)
	if err != nil {
		return err
	}
	p.page, p.pos = res.Docs, 0
	p.offset += len(res.Docs)
	if len(res.Docs) < size || int64(p.query.Offset+p.offset) >= res.NumFound {
		p.done = true
	}
	return nil
}

func (p *pagingIterator) Record() domain.Record { return p.current }
func (p *pagingIterator) Err() error            { return p.err }
func (p *pagingIterator) Close()                { p.done = true }
