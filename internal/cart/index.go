package cart

import (
	"context"
	"fmt"
	"strings"

	"github.com/rpattn/imgexplorer/internal/domain"
	"github.com/rpattn/imgexplorer/internal/query"
)

// BuildIndex renders the cart as one boolean document-index query over the
// image collection. It mirrors BuildWarehouse: path AND NOT excluded
// children, AND each positive group, AND NOT any negated group, with
// partitions ORed. Groups on other collections are applied through joins.
func (e *Engine) BuildIndex(ctx context.Context, parts []domain.CartPartition, groups []domain.FilterGroup, versions []string) (string, error) {
	if err := e.Validate(parts, groups); err != nil {
		return "", err
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: empty cart", domain.ErrInvalidFilter)
	}
	rendered := make(map[int]string, len(groups))
	clauses := make([]string, 0, len(parts))
	for _, p := range parts {
		terms := make([]string, 0, len(p.ID)+len(p.Filters)+1)
		for i, id := range p.ID {
			terms = append(terms, query.RenderSolr(query.In{Col: query.Col{Name: e.hierarchy[i]}, Values: []any{id}}))
		}
		if len(p.Not) > 0 {
			values := make([]any, len(p.Not))
			for i, v := range p.Not {
				values[i] = v
			}
			terms = append(terms, query.RenderSolr(query.Not{Node: query.In{Col: query.Col{Name: e.hierarchy[len(p.ID)]}, Values: values}}))
		}

		var negated []string
		for _, idx := range p.Filters {
			clause, ok := rendered[idx]
			if !ok {
				var err error
				clause, err = e.keys.IndexQuery(ctx, groups[idx].Filters, versions)
				if err != nil {
					return "", fmt.Errorf("filter group %d: %w", idx, err)
				}
				rendered[idx] = clause
			}
			if clause == "" {
				continue
			}
			if groups[idx].Not {
				negated = append(negated, clause)
				continue
			}
			terms = append(terms, clause)
		}
		if len(negated) > 0 {
			terms = append(terms, "(*:* -"+solrGroup(negated, " OR ")+")")
		}
		clauses = append(clauses, solrGroup(terms, " AND "))
	}
	return solrGroup(clauses, " OR "), nil
}

func solrGroup(parts []string, sep string) string {
	if len(parts) == 1 {
		return parts[0]
	}
	return "(" + strings.Join(parts, sep) + ")"
}
