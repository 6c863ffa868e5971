package warehouse_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rpattn/imgexplorer/internal/backend"
	"github.com/rpattn/imgexplorer/internal/backend/warehouse"
	"github.com/rpattn/imgexplorer/internal/domain"
)

type fakeRows struct {
	cols []string
	data [][]any
	pos  int
}

func (r *fakeRows) Close()                        {}
func (r *fakeRows) Err() error                    { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription {
	out := make([]pgconn.FieldDescription, len(r.cols))
	for i, c := range r.cols {
		out[i] = pgconn.FieldDescription{Name: c}
	}
	return out
}
func (r *fakeRows) Next() bool {
	r.pos++
	return r.pos <= len(r.data)
}
func (r *fakeRows) Scan(dest ...any) error  { return errors.New("not supported") }
func (r *fakeRows) Values() ([]any, error) { return r.data[r.pos-1], nil }
func (r *fakeRows) RawValues() [][]byte    { return nil }
func (r *fakeRows) Conn() *pgx.Conn        { return nil }

type fakeDB struct {
	gate <-chan struct{}
	sql  string
	args []any
	err  error
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.sql, f.args = sql, args
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &fakeRows{
		cols: []string{"Modality", "count"},
		data: [][]any{{"CT", int64(4)}, {"MR", int64(2)}},
	}, nil
}

func TestQueryMapsRowsToRecords(t *testing.T) {
	db := &fakeDB{}
	client := warehouse.New(db)
	it, err := client.Query(context.Background(), "SELECT 1 WHERE x = $1", []any{"CT"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rows, err := backend.Collect(it)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []domain.Record{{"Modality": "CT", "count": int64(4)}, {"Modality": "MR", "count": int64(2)}}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]any{"CT"}, db.args); diff != "" {
		t.Fatalf("args mismatch (-want +got):\n%s", diff)
	}
}

func TestJobLifecycle(t *testing.T) {
	gate := make(chan struct{})
	client := warehouse.New(&fakeDB{gate: gate})
	ctx := context.Background()

	id, err := client.Submit(ctx, "SELECT 1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if done, err := client.Done(ctx, id); err != nil || done {
		t.Fatalf("job must still be running, done=%v err=%v", done, err)
	}
	if _, err := client.Results(ctx, id); err == nil {
		t.Fatalf("expected an error fetching results of a running job")
	}

	close(gate)
	deadline := time.Now().Add(2 * time.Second)
	for {
		done, err := client.Done(ctx, id)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	rows, err := client.Results(ctx, id)
	if err != nil || len(rows) != 2 {
		t.Fatalf("unexpected results %v, %v", rows, err)
	}
	if _, err := client.Done(ctx, id); err == nil {
		t.Fatalf("results must forget the job")
	}
}

func TestCancelStopsJob(t *testing.T) {
	client := warehouse.New(&fakeDB{gate: make(chan struct{})})
	id, err := client.Submit(context.Background(), "SELECT pg_sleep(60)", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.Cancel(id)
	if _, err := client.Done(context.Background(), id); err == nil {
		t.Fatalf("cancelled job should be forgotten")
	}
}
