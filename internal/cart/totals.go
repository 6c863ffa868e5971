package cart

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/rpattn/imgexplorer/internal/domain"
	"github.com/rpattn/imgexplorer/internal/records"
)

// Adjustment is one group (e.g. a study) counted whole in a running total,
// of which the cart selects only a subset.
type Adjustment struct {
	Key      string
	Whole    int64
	Selected int64
}

// ReconcileTotals swaps each partially selected group's whole count for its
// selected count: total - whole + selected. A group reported by both a study
// and a series partition is applied once. Conflicting reports for one group,
// a selection larger than its group, or a negative result are divergences.
func ReconcileTotals(total int64, adjustments []Adjustment) (int64, error) {
	seen := make(map[string]Adjustment, len(adjustments))
	keys := make([]string, 0, len(adjustments))
	for _, adj := range adjustments {
		if adj.Selected < 0 || adj.Selected > adj.Whole {
			return 0, fmt.Errorf("%w: group %q selects %d of %d", domain.ErrCartDivergence, adj.Key, adj.Selected, adj.Whole)
		}
		prev, ok := seen[adj.Key]
		if !ok {
			seen[adj.Key] = adj
			keys = append(keys, adj.Key)
			continue
		}
		if prev != adj {
			return 0, fmt.Errorf("%w: group %q reported as %d/%d and %d/%d",
				domain.ErrCartDivergence, adj.Key, prev.Selected, prev.Whole, adj.Selected, adj.Whole)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		adj := seen[key]
		total = total - adj.Whole + adj.Selected
	}
	if total < 0 {
		return 0, fmt.Errorf("%w: reconciled total is negative (%d)", domain.ErrCartDivergence, total)
	}
	return total, nil
}

// CheckTotals compares a reconciled total with one counted directly from the
// cart query and reports any difference.
func CheckTotals(reconciled, direct int64) error {
	if reconciled != direct {
		return fmt.Errorf("%w: reconciled %d, counted %d", domain.ErrCartDivergence, reconciled, direct)
	}
	return nil
}

// Counter counts records; the engine only issues CountsOnly requests.
type Counter interface {
	Fetch(ctx context.Context, req records.Request) (domain.RecordPage, error)
}

// Size counts the series a cart selects under filters on the warehouse. When
// the cart mixes study-level and series-level partitions, each level is
// counted on its own and a series selected by both is removed once; the
// reconciled number must equal a direct count of the whole cart.
func (e *Engine) Size(ctx context.Context, counter Counter, parts []domain.CartPartition, groups []domain.FilterGroup, filters domain.FilterSet, versions []string) (int64, error) {
	restrict, err := e.Restrictions(ctx, parts, groups, versions)
	if err != nil {
		return 0, err
	}
	key := e.LevelKey(domain.CartLevelSeries)
	count := func(sets []records.KeySet, all bool) (int64, error) {
		page, err := counter.Fetch(ctx, records.Request{
			Filters:     filters,
			Fields:      []string{key},
			Versions:    versions,
			SourceType:  domain.SourceTypeWarehouse,
			Collapse:    key,
			Restrict:    sets,
			RestrictAll: all,
			CountsOnly:  true,
		})
		if err != nil {
			return 0, fmt.Errorf("count cart: %w", err)
		}
		return page.Total, nil
	}

	direct, err := count(restrict, false)
	if err != nil || len(restrict) < 2 {
		return direct, err
	}
	study, err := count(restrict[:1], false)
	if err != nil {
		return 0, err
	}
	series, err := count(restrict[1:], false)
	if err != nil {
		return 0, err
	}
	overlap, err := count(restrict, true)
	if err != nil {
		return 0, err
	}
	total, err := ReconcileTotals(study+series, []Adjustment{{Key: "study and series selections", Whole: overlap}})
	if err != nil {
		return 0, err
	}
	if err := CheckTotals(total, direct); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).
			Int64("study", study).Int64("series", series).Int64("overlap", overlap).
			Msg("cart totals diverge")
		return 0, err
	}
	return total, nil
}
