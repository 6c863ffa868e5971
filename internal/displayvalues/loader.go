// Package displayvalues resolves display labels for raw attribute values,
// batching lookups made while one request is served.
package displayvalues

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/graph-gophers/dataloader"
	"github.com/jackc/pgx/v5"

	"github.com/rpattn/imgexplorer/internal/domain"
)

// Source reads display values for the given attribute/raw-value pairs.
// Pairs without a configured label are simply absent from the result.
type Source interface {
	DisplayValues(ctx context.Context, keys []Key) ([]domain.DisplayValue, error)
}

// Key identifies one raw value of one attribute.
type Key struct {
	AttributeID int
	Raw         string
}

func (k Key) String() string { return strconv.Itoa(k.AttributeID) + ":" + k.Raw }

func parseKey(s string) (Key, error) {
	id, raw, ok := strings.Cut(s, ":")
	if !ok {
		return Key{}, fmt.Errorf("invalid display value key %q", s)
	}
	attrID, err := strconv.Atoi(id)
	if err != nil {
		return Key{}, fmt.Errorf("invalid display value key %q: %w", s, err)
	}
	return Key{AttributeID: attrID, Raw: raw}, nil
}

// Loader batches and caches label lookups. Build one per request.
type Loader struct {
	Loader *dataloader.Loader
}

func NewLoader(src Source) *Loader {
	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		parsed := make([]Key, len(keys))
		for i, k := range keys {
			key, err := parseKey(k.String())
			if err != nil {
				return []*dataloader.Result{{Error: err}}
			}
			parsed[i] = key
		}

		values, err := src.DisplayValues(ctx, parsed)
		if err != nil {
			results := make([]*dataloader.Result, len(keys))
			for i := range results {
				results[i] = &dataloader.Result{Error: err}
			}
			return results
		}

		labels := make(map[Key]string, len(values))
		for _, dv := range values {
			labels[Key{AttributeID: dv.AttributeID, Raw: dv.RawValue}] = dv.Display
		}

		// results must line up with keys
		results := make([]*dataloader.Result, len(keys))
		for i, key := range parsed {
			results[i] = &dataloader.Result{Data: labels[key]}
		}
		return results
	}

	return &Loader{Loader: dataloader.NewBatchedLoader(batchFn, dataloader.WithWait(5*time.Millisecond))}
}

// Label returns the display label for raw, or "" when none is configured.
func (l *Loader) Label(ctx context.Context, attrID int, raw string) (string, error) {
	v, err := l.Loader.Load(ctx, dataloader.StringKey(Key{AttributeID: attrID, Raw: raw}.String()))()
	if err != nil {
		return "", err
	}
	label, _ := v.(string)
	return label, nil
}

// LabelMany resolves every raw value of one attribute in a single batch.
func (l *Loader) LabelMany(ctx context.Context, attrID int, raws []string) (map[string]string, error) {
	keys := make([]string, len(raws))
	for i, raw := range raws {
		keys[i] = Key{AttributeID: attrID, Raw: raw}.String()
	}
	values, errs := l.Loader.LoadMany(ctx, dataloader.NewKeysFromStrings(keys))()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	out := make(map[string]string, len(raws))
	for i, v := range values {
		if label, _ := v.(string); label != "" {
			out[raws[i]] = label
		}
	}
	return out, nil
}

// Querier is the subset of pgx shared by pools and transactions.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PGSource reads the attribute_display_value table.
type PGSource struct {
	q Querier
}

func NewPGSource(q Querier) *PGSource {
	return &PGSource{q: q}
}

func (p *PGSource) DisplayValues(ctx context.Context, keys []Key) ([]domain.DisplayValue, error) {
	ids := make([]int32, len(keys))
	raws := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = int32(k.AttributeID)
		raws[i] = k.Raw
	}
	rows, err := p.q.Query(ctx, `
		SELECT dv.attribute_id, dv.raw_value, dv.display_value
		FROM attribute_display_value dv
		JOIN UNNEST($1::int[], $2::text[]) AS k(attribute_id, raw_value)
		  ON k.attribute_id = dv.attribute_id AND k.raw_value = dv.raw_value`, ids, raws)
	if err != nil {
		return nil, fmt.Errorf("query display values: %w", err)
	}
	values, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.DisplayValue, error) {
		var dv domain.DisplayValue
		err := row.Scan(&dv.AttributeID, &dv.RawValue, &dv.Display)
		return dv, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan display values: %w", err)
	}
	return values, nil
}
