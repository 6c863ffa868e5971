// Package backend defines the two query engines the federation layer talks to:
// an inverted-index document store and a SQL warehouse.
package backend

import (
	"context"

	"github.com/rpattn/imgexplorer/internal/domain"
)

// DocQuery is one JSON request to a document-index collection.
type DocQuery struct {
	Collection string
	Query      string
	Filters    []string
	Facets     map[string]any
	Fields     []string
	Sort       string
	Limit      int
	Offset     int
	CountsOnly bool
	// Collapse keeps one document per distinct value of this field.
	Collapse string
}

// DocResult is a decoded document-index response. Facets holds the raw facet
// section; its shape depends on the facets that were requested.
type DocResult struct {
	NumFound int64
	Docs     []domain.Record
	Facets   map[string]any
}

// DocumentIndex executes queries against a document-index collection.
type DocumentIndex interface {
	Query(ctx context.Context, q DocQuery) (DocResult, error)
}

// RowIterator is a lazy, forward-only view over warehouse rows.
type RowIterator interface {
	Next() bool
	Record() domain.Record
	Err() error
	Close()
}

// JobID identifies an asynchronous warehouse query.
type JobID string

// Warehouse runs SQL with positional parameters, either inline or as an
// asynchronous job that is polled for completion.
type Warehouse interface {
	Query(ctx context.Context, sql string, args []any) (RowIterator, error)
	Submit(ctx context.Context, sql string, args []any) (JobID, error)
	Done(ctx context.Context, id JobID) (bool, error)
	Results(ctx context.Context, id JobID) ([]domain.Record, error)
	Cancel(id JobID)
}

// Collect drains an iterator.
func Collect(it RowIterator) ([]domain.Record, error) {
	defer it.Close()
	var out []domain.Record
	for it.Next() {
		out = append(out, it.Record())
	}
	return out, it.Err()
}

// SliceIterator iterates over rows already in memory.
type SliceIterator struct {
	rows []domain.Record
	pos  int
}

func NewSliceIterator(rows []domain.Record) *SliceIterator {
	return &SliceIterator{rows: rows, pos: -1}
}

func (s *SliceIterator) Next() bool {
	s.pos++
	return s.pos < len(s.rows)
}

func (s *SliceIterator) Record() domain.Record {
	return s.rows[s.pos]
}

func (s *SliceIterator) Err() error { return nil }
func (s *SliceIterator) Close()     {}
