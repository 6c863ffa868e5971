// Package warehouse runs SQL against the columnar warehouse through pgx.
// Long-running facet queries are submitted as jobs and polled for completion.
package warehouse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/rpattn/imgexplorer/internal/backend"
	"github.com/rpattn/imgexplorer/internal/domain"
)

const backendName = "warehouse"

// Querier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type job struct {
	done   chan struct{}
	cancel context.CancelFunc
	rows   []domain.Record
	err    error
}

// Client implements backend.Warehouse.
type Client struct {
	db   Querier
	jobs sync.Map
}

func New(db Querier) *Client {
	return &Client{db: db}
}

func (c *Client) Query(ctx context.Context, sql string, args []any) (backend.RowIterator, error) {
	start := time.Now()
	rows, err := c.db.Query(ctx, sql, args...)
	backend.Observe(backendName, "query", start, err)
	if err != nil {
		return nil, fmt.Errorf("warehouse query: %w", err)
	}
	return &rowIterator{rows: rows}, nil
}

// Submit starts sql in the background and returns its job ID. The job is
// cancelled with ctx or through Cancel.
func (c *Client) Submit(ctx context.Context, sql string, args []any) (backend.JobID, error) {
	id := backend.JobID(uuid.NewString())
	jobCtx, cancel := context.WithCancel(ctx)
	j := &job{done: make(chan struct{}), cancel: cancel}
	c.jobs.Store(id, j)

	logger := zerolog.Ctx(ctx).With().Str("job_id", string(id)).Logger()
	go func() {
		defer close(j.done)
		defer cancel()
		start := time.Now()
		it, err := c.Query(jobCtx, sql, args)
		if err == nil {
			j.rows, err = backend.Collect(it)
		}
		j.err = err
		backend.Observe(backendName, "job", start, err)
		if err != nil {
			logger.Error().Err(err).Msg("warehouse job failed")
			return
		}
		logger.Debug().Int("rows", len(j.rows)).Dur("elapsed", time.Since(start)).Msg("warehouse job complete")
	}()
	return id, nil
}

func (c *Client) lookup(id backend.JobID) (*job, error) {
	v, ok := c.jobs.Load(id)
	if !ok {
		return nil, fmt.Errorf("unknown warehouse job %s", id)
	}
	return v.(*job), nil
}

// Done reports whether the job has finished, successfully or not.
func (c *Client) Done(_ context.Context, id backend.JobID) (bool, error) {
	j, err := c.lookup(id)
	if err != nil {
		return false, err
	}
	select {
	case <-j.done:
		return true, nil
	default:
		return false, nil
	}
}

// Results returns a finished job's rows and forgets the job.
func (c *Client) Results(_ context.Context, id backend.JobID) ([]domain.Record, error) {
	j, err := c.lookup(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-j.done:
	default:
		return nil, fmt.Errorf("warehouse job %s is still running", id)
	}
	c.jobs.Delete(id)
	if j.err != nil {
		return nil, fmt.Errorf("warehouse job %s: %w", id, j.err)
	}
	return j.rows, nil
}

// Cancel stops a running job and forgets it.
func (c *Client) Cancel(id backend.JobID) {
	if v, ok := c.jobs.LoadAndDelete(id); ok {
		v.(*job).cancel()
	}
}

type rowIterator struct {
	rows pgx.Rows
	cur  domain.Record
	err  error
}

func (it *rowIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	values, err := it.rows.Values()
	if err != nil {
		it.err = err
		return false
	}
	fields := it.rows.FieldDescriptions()
	rec := make(domain.Record, len(fields))
	for i, f := range fields {
		rec[f.Name] = values[i]
	}
	it.cur = rec
	return true
}

func (it *rowIterator) Record() domain.Record {
	return it.cur
}

func (it *rowIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

func (it *rowIterator) Close() {
	it.rows.Close()
}
