// Package manifest renders record listings as downloadable manifests. Small
// manifests stream straight from the record fetcher; large ones are handed to
// the job queue as a parameterized warehouse query.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"

	"github.com/rpattn/imgexplorer/internal/cart"
	"github.com/rpattn/imgexplorer/internal/domain"
	"github.com/rpattn/imgexplorer/internal/jobqueue"
	"github.com/rpattn/imgexplorer/internal/records"
)

const DefaultSyncRowThreshold = 65000

var errAlreadyWritten = errors.New("manifest already written")

type Service struct {
	fetcher   *records.Fetcher
	carts     *cart.Engine
	publisher jobqueue.Publisher
	store     Store

	syncRows  int64
	urlColumn string
	now       func() time.Time
	newID     func() string
}

type Option func(*Service)

// WithPublisher enables offloading manifests above the sync threshold.
// Without a publisher, large manifests are truncated to the threshold.
func WithPublisher(p jobqueue.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithStore(store Store) Option {
	return func(s *Service) { s.store = store }
}

func WithSyncRowThreshold(rows int64) Option {
	return func(s *Service) {
		if rows > 0 {
			s.syncRows = rows
		}
	}
}

func WithURLColumn(column string) Option {
	return func(s *Service) {
		if strings.TrimSpace(column) != "" {
			s.urlColumn = column
		}
	}
}

func NewService(fetcher *records.Fetcher, opts ...Option) *Service {
	s := &Service{
		fetcher:   fetcher,
		carts:     cart.New(fetcher, nil),
		syncRows:  DefaultSyncRowThreshold,
		urlColumn: DefaultURLColumn,
		now:       time.Now,
		newID:     func() string { return ksuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Header selects the descriptive lines written above the column names.
type Header struct {
	Title        string `json:"title,omitempty"`
	Filters      bool   `json:"filters,omitempty"`
	Timestamp    bool   `json:"timestamp,omitempty"`
	TotalRecords bool   `json:"total_records,omitempty"`
}

// Cart restricts a manifest to a cart selection.
type Cart struct {
	Partitions []domain.CartPartition `json:"partitions" validate:"required,min=1,dive"`
	Groups     []domain.FilterGroup   `json:"filter_groups"`
}

type Request struct {
	Filters    domain.FilterSet
	Cart       *Cart
	Fields     []string
	Versions   []string
	SourceType domain.SourceType
	Sort       []domain.SortKey
	Collapse   string
	FileType   domain.ManifestFileType
	FileName   string
	Header     Header
}

// Result is exactly one of: an empty result with a notice, a Manifest ready
// to stream, or a Future for an offloaded job.
type Result struct {
	Total    int64
	Notice   string
	Manifest *Manifest
	Future   *Future
}

// Future identifies an offloaded manifest job. The job runs outside this
// process; dropping a Future only stops the caller from waiting on it.
type Future struct {
	JobID        uuid.UUID                `json:"job_id"`
	Status       domain.ManifestJobStatus `json:"status"`
	FileName     string                   `json:"file_name"`
	RowsEstimate int64                    `json:"rows_estimate"`
}

// Build sizes the manifest and decides how it is delivered. Nothing is
// streamed until Manifest.Write is called.
func (s *Service) Build(ctx context.Context, req Request) (Result, error) {
	if !req.FileType.Valid() {
		return Result{}, fmt.Errorf("%w: %q", domain.ErrUnsupportedFileType, req.FileType)
	}
	if len(req.Fields) == 0 {
		return Result{}, fmt.Errorf("%w: a manifest needs at least one field", domain.ErrInvalidFilter)
	}
	if req.FileType == domain.ManifestFileTypeS5cmd && !containsField(req.Fields, s.urlColumn) {
		return Result{}, fmt.Errorf("%w: s5cmd manifests need the %q field", domain.ErrUnsupportedFileType, s.urlColumn)
	}
	rreq, err := s.recordRequest(ctx, req)
	if err != nil {
		return Result{}, err
	}

	count := rreq
	count.CountsOnly = true
	page, err := s.fetcher.Fetch(ctx, count)
	if err != nil {
		return Result{}, fmt.Errorf("size manifest: %w", err)
	}
	log := zerolog.Ctx(ctx)
	if page.Total == 0 {
		log.Info().Msg("manifest matched no records")
		return Result{Notice: domain.ErrNoRecords.Error()}, nil
	}

	if req.Cart != nil && len(rreq.Restrict) > 0 && rreq.IndexQuery == "" {
		series, err := s.carts.Size(ctx, s.fetcher, req.Cart.Partitions, req.Cart.Groups, req.Filters, req.Versions)
		if err != nil {
			return Result{}, fmt.Errorf("size cart: %w", err)
		}
		log.Info().Int64("series", series).Int64("records", page.Total).Msg("cart sized")
	}

	name := s.fileName(req)
	lines := s.headerLines(req, page.Total)
	if page.Total > s.syncRows {
		if s.publisher != nil {
			return s.offload(ctx, req, rreq, name, lines, page.Total)
		}
		rreq.Limit = int(s.syncRows)
		lines = append(lines, fmt.Sprintf(
			"NOTE: only the first %d of %d entries are included in this manifest.", s.syncRows, page.Total))
		log.Warn().Int64("total", page.Total).Int64("limit", s.syncRows).Msg("truncating manifest, no job queue configured")
	}
	return Result{
		Total: page.Total,
		Manifest: &Manifest{
			FileName:  name,
			FileType:  req.FileType,
			Total:     page.Total,
			columns:   append([]string(nil), req.Fields...),
			header:    lines,
			request:   rreq,
			fetcher:   s.fetcher,
			urlColumn: s.urlColumn,
		},
	}, nil
}

func (s *Service) recordRequest(ctx context.Context, req Request) (records.Request, error) {
	rreq := records.Request{
		Filters:    req.Filters,
		Fields:     req.Fields,
		Versions:   req.Versions,
		SourceType: req.SourceType,
		Sort:       req.Sort,
		Collapse:   req.Collapse,
	}
	if req.Cart == nil {
		return rreq, nil
	}
	// the warehouse rendering is lazy and always attached, since an offloaded
	// job runs on the warehouse whichever backend sized the manifest
	restrict, err := s.carts.Restrictions(ctx, req.Cart.Partitions, req.Cart.Groups, req.Versions)
	if err != nil {
		return records.Request{}, err
	}
	target, err := s.fetcher.Backend(req.Versions, req.SourceType)
	if err != nil {
		return records.Request{}, err
	}
	if target == domain.SourceTypeIndex {
		rreq.IndexQuery, err = s.carts.BuildIndex(ctx, req.Cart.Partitions, req.Cart.Groups, req.Versions)
		if err != nil {
			return records.Request{}, err
		}
	}
	rreq.Restrict = restrict
	return rreq, nil
}

func (s *Service) offload(ctx context.Context, req Request, rreq records.Request, name string, lines []string, total int64) (Result, error) {
	stmt, err := s.fetcher.SQL(ctx, rreq)
	if err != nil {
		return Result{}, fmt.Errorf("render manifest query: %w", err)
	}
	job := domain.ManifestJob{
		ID:           uuid.New(),
		Query:        stmt.SQL,
		Params:       stmt.Args,
		FileName:     name,
		Header:       append([]string(nil), req.Fields...),
		HeaderLines:  lines,
		FileType:     req.FileType,
		RowsEstimate: total,
		Status:       domain.ManifestJobStatusPending,
		EnqueuedAt:   s.now().UTC(),
	}
	if err := s.publisher.Publish(ctx, job); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("job", job.ID.String()).Msg("manifest job publish failed")
		return Result{}, err
	}
	return Result{
		Total: total,
		Future: &Future{
			JobID:        job.ID,
			Status:       domain.ManifestJobStatusPublished,
			FileName:     name,
			RowsEstimate: total,
		},
	}, nil
}

// Save writes m to the configured store and returns a download link for it.
func (s *Service) Save(ctx context.Context, m *Manifest) (Stored, string, error) {
	if s.store == nil {
		return Stored{}, "", errors.New("no manifest store configured")
	}
	stored, err := s.store.Put(ctx, m.FileName, m.ContentType(), func(w io.Writer) error {
		_, err := m.Write(ctx, w)
		return err
	})
	if err != nil {
		return Stored{}, "", err
	}
	link, err := s.store.DownloadURL(ctx, stored.Name)
	if err != nil {
		return Stored{}, "", err
	}
	return stored, link, nil
}

func (s *Service) fileName(req Request) string {
	base := sanitizeFileComponent(req.FileName)
	if base == "" {
		base = "manifest"
	}
	return fmt.Sprintf("%s-%s.%s", base, s.newID(), req.FileType.Extension())
}

func (s *Service) headerLines(req Request, total int64) []string {
	var lines []string
	if req.Header.Title != "" {
		lines = append(lines, fmt.Sprintf("Manifest for %s", req.Header.Title))
	}
	if req.Header.Filters {
		lines = append(lines, "Filters: "+describeFilters(req.Filters))
	}
	if req.Header.Timestamp {
		lines = append(lines, "Date generated: "+s.now().UTC().Format("01/02/2006 15:04 MST"))
	}
	if req.Header.TotalRecords {
		lines = append(lines, fmt.Sprintf("Total records found: %d", total))
	}
	return lines
}

func describeFilters(filters domain.FilterSet) string {
	if len(filters) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(filters))
	for _, key := range filters.Keys() {
		values := make([]string, len(filters[key].Values))
		for i, v := range filters[key].Values {
			values[i] = domain.FormatValue(v)
		}
		sep := ", "
		if filters[key].Op == domain.FilterOpAnd {
			sep = " and "
		}
		parts = append(parts, key+": "+strings.Join(values, sep))
	}
	return strings.Join(parts, "; ")
}

// Manifest is a lazily rendered, single-use manifest.
type Manifest struct {
	FileName string
	FileType domain.ManifestFileType
	Total    int64

	columns   []string
	header    []string
	request   records.Request
	fetcher   *records.Fetcher
	urlColumn string
	written   atomic.Bool
}

func (m *Manifest) ContentType() string { return m.FileType.MimeType() }

// Write streams every row to w. It pulls rows from the backend as it goes and
// can only be called once.
func (m *Manifest) Write(ctx context.Context, w io.Writer) (int64, error) {
	if m.written.Swap(true) {
		return 0, errAlreadyWritten
	}
	rw, err := newRowWriter(m.FileType, w, m.urlColumn)
	if err != nil {
		return 0, err
	}
	if err := rw.WriteHeader(m.header, m.columns); err != nil {
		return 0, err
	}
	it, err := m.fetcher.Stream(ctx, m.request)
	if err != nil {
		return 0, fmt.Errorf("stream records: %w", err)
	}
	defer it.Close()

	values := make([]any, len(m.columns))
	var rows int64
	for it.Next() {
		if rows%1024 == 0 && ctx.Err() != nil {
			return rows, ctx.Err()
		}
		rec := it.Record()
		for i, col := range m.columns {
			values[i] = rec[col]
		}
		if err := rw.WriteRow(values); err != nil {
			return rows, fmt.Errorf("write manifest row: %w", err)
		}
		rows++
	}
	if err := it.Err(); err != nil {
		return rows, fmt.Errorf("stream records: %w", err)
	}
	if err := rw.Close(); err != nil {
		return rows, err
	}
	zerolog.Ctx(ctx).Info().Str("file", m.FileName).Int64("rows", rows).Msg("manifest written")
	return rows, nil
}

func containsField(fields []string, name string) bool {
	for _, f := range fields {
		if f == name {
			return true
		}
	}
	return false
}
