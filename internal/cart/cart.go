// Package cart turns a cart selection (hierarchical ID partitions plus shared
// filter groups) into set-algebra queries over entity keys.
package cart

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rpattn/imgexplorer/internal/domain"
	"github.com/rpattn/imgexplorer/internal/query"
	"github.com/rpattn/imgexplorer/internal/records"
)

// studyDepth is the number of ID components that name a study.
const studyDepth = 3

// Classify returns the granularity a partition resolves at. Paths down to a
// study without exclusions are study-level; anything naming a series, or a
// study with excluded series, is series-level.
func Classify(p domain.CartPartition) domain.CartLevel {
	if len(p.ID) > studyDepth || (len(p.ID) == studyDepth && len(p.Not) > 0) {
		return domain.CartLevelSeries
	}
	return domain.CartLevelStudy
}

// Route splits partitions by level, preserving their order.
func Route(parts []domain.CartPartition) map[domain.CartLevel][]domain.CartPartition {
	out := map[domain.CartLevel][]domain.CartPartition{}
	for _, p := range parts {
		level := Classify(p)
		out[level] = append(out[level], p)
	}
	return out
}

// Renderer renders a filter set for either backend. KeyQuery selects the
// distinct values of an image key column for the warehouse rows matching
// filters; IndexQuery is a boolean query over the image collection, joined to
// the collections owning the filtered attributes.
type Renderer interface {
	KeyQuery(ctx context.Context, filters domain.FilterSet, key string, versions []string, b *query.Builder) (string, error)
	IndexQuery(ctx context.Context, filters domain.FilterSet, versions []string) (string, error)
}

// Engine builds cart queries against one ID hierarchy.
type Engine struct {
	keys      Renderer
	hierarchy []string
}

// New builds an engine. A nil hierarchy selects domain.DefaultCartHierarchy.
func New(keys Renderer, hierarchy []string) *Engine {
	if len(hierarchy) == 0 {
		hierarchy = domain.DefaultCartHierarchy
	}
	return &Engine{keys: keys, hierarchy: hierarchy}
}

// LevelKey is the ID column entities of a level are identified by.
func (e *Engine) LevelKey(level domain.CartLevel) string {
	if level == domain.CartLevelSeries {
		return e.hierarchy[len(e.hierarchy)-1]
	}
	return e.hierarchy[studyDepth-1]
}

// Validate checks partition paths and filter-group references.
func (e *Engine) Validate(parts []domain.CartPartition, groups []domain.FilterGroup) error {
	for i, p := range parts {
		if len(p.ID) == 0 || len(p.ID) > len(e.hierarchy) {
			return fmt.Errorf("%w: partition %d has %d ID components", domain.ErrInvalidFilter, i, len(p.ID))
		}
		if len(p.Not) > 0 && len(p.ID) == len(e.hierarchy) {
			return fmt.Errorf("%w: partition %d excludes children below the finest level", domain.ErrInvalidFilter, i)
		}
		for _, g := range p.Filters {
			if g < 0 || g >= len(groups) {
				return fmt.Errorf("%w: partition %d references filter group %d of %d", domain.ErrInvalidFilter, i, g, len(groups))
			}
		}
	}
	return nil
}

// pathFilters matches a partition's ID path exactly.
func (e *Engine) pathFilters(p domain.CartPartition) domain.FilterSet {
	filters := domain.FilterSet{}
	for i, id := range p.ID {
		filters[e.hierarchy[i]] = domain.NewFilterValue([]string{id})
	}
	return filters
}

// BuildWarehouse renders the subquery selecting the key of level for every
// entity the partitions select. Each partition is its path minus its
// excluded children, intersected with its positive filter groups and then
// reduced by the union of its negated groups; partitions are unioned.
func (e *Engine) BuildWarehouse(ctx context.Context, level domain.CartLevel, parts []domain.CartPartition, groups []domain.FilterGroup, versions []string, b *query.Builder) (string, error) {
	if err := e.Validate(parts, groups); err != nil {
		return "", err
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: empty cart", domain.ErrInvalidFilter)
	}
	key := e.LevelKey(level)
	selects := make([]string, 0, len(parts))
	for _, p := range parts {
		sql, err := e.partitionSQL(ctx, p, key, groups, versions, b)
		if err != nil {
			return "", err
		}
		selects = append(selects, sql)
	}
	zerolog.Ctx(ctx).Debug().Str("level", string(level)).Int("partitions", len(parts)).Msg("built cart query")
	return union(selects), nil
}

func (e *Engine) partitionSQL(ctx context.Context, p domain.CartPartition, key string, groups []domain.FilterGroup, versions []string, b *query.Builder) (string, error) {
	path := e.pathFilters(p)
	expr, err := e.keys.KeyQuery(ctx, path, key, versions, b)
	if err != nil {
		return "", err
	}
	if len(p.Not) > 0 {
		excluded := e.pathFilters(p)
		excluded[e.hierarchy[len(p.ID)]] = domain.NewFilterValue(p.Not)
		sub, err := e.keys.KeyQuery(ctx, excluded, key, versions, b)
		if err != nil {
			return "", err
		}
		expr = fmt.Sprintf("(%s) EXCEPT DISTINCT (%s)", expr, sub)
	}

	var negated []string
	for _, idx := range p.Filters {
		g := groups[idx]
		if len(g.Filters) == 0 {
			continue
		}
		sub, err := e.keys.KeyQuery(ctx, g.Filters, key, versions, b)
		if err != nil {
			return "", fmt.Errorf("filter group %d: %w", idx, err)
		}
		if g.Not {
			negated = append(negated, sub)
			continue
		}
		expr = fmt.Sprintf("(%s) INTERSECT DISTINCT (%s)", expr, sub)
	}
	if len(negated) > 0 {
		expr = fmt.Sprintf("(%s) EXCEPT DISTINCT (%s)", expr, union(negated))
	}
	return expr, nil
}

func union(selects []string) string {
	if len(selects) == 1 {
		return selects[0]
	}
	wrapped := make([]string, len(selects))
	for i, s := range selects {
		wrapped[i] = "(" + s + ")"
	}
	return strings.Join(wrapped, " UNION DISTINCT ")
}

// Restrictions returns one key set per level present in the cart, for use as
// records.Request.Restrict. A row is in the cart when its study is selected at
// study level or its series at series level.
func (e *Engine) Restrictions(ctx context.Context, parts []domain.CartPartition, groups []domain.FilterGroup, versions []string) ([]records.KeySet, error) {
	if err := e.Validate(parts, groups); err != nil {
		return nil, err
	}
	routed := Route(parts)
	var out []records.KeySet
	for _, level := range []domain.CartLevel{domain.CartLevelStudy, domain.CartLevelSeries} {
		levelParts := routed[level]
		if len(levelParts) == 0 {
			continue
		}
		level := level
		out = append(out, records.KeySet{
			Key: e.LevelKey(level),
			Render: func(b *query.Builder) (string, error) {
				return e.BuildWarehouse(ctx, level, levelParts, groups, versions, b)
			},
		})
	}
	return out, nil
}
