// Package query compiles user filter sets into a backend-neutral predicate tree
// and renders that tree as parameterized SQL or document-index query syntax.
package query

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rpattn/imgexplorer/internal/domain"
)

// Scope describes the source a filter set is compiled against.
type Scope struct {
	// Alias qualifies column names in SQL output. Empty for the document index.
	Alias string
	// Types maps base attribute names to their data types. Unlisted attributes
	// compare as strings.
	Types map[string]domain.DataType
	// Guard, when set, is the column that is NULL for rows lacking this
	// (left-joined) source. Such rows pass the source's filters.
	Guard Col
}

// Options tune compilation.
type Options struct {
	CaseInsensitive bool
}

// Compiled is a filter set lowered to a predicate tree.
type Compiled struct {
	Predicate Node
	Attrs     []string
}

// Empty reports whether the compiled filters constrain nothing.
func (c Compiled) Empty() bool {
	return c.Predicate == nil
}

// Without drops every term contributed by attr.
func (c Compiled) Without(attr string) Compiled {
	pred := Without(c.Predicate, attr)
	return Compiled{Predicate: pred, Attrs: Attrs(pred)}
}

// Compile lowers filters into one predicate. Keys are processed in sorted
// order so identical filter sets always yield identical trees. Keys with no
// values are ignored.
func Compile(filters domain.FilterSet, scope Scope, opts Options) (Compiled, error) {
	var terms []Node
	for _, key := range filters.Keys() {
		base, op := domain.StripOperator(key)
		value := filters[key]
		if len(value.Values) == 0 {
			continue
		}
		col := Col{Alias: scope.Alias, Name: base}
		expr, err := compileTerm(col, scope.Types[base], op, value, opts)
		if err != nil {
			return Compiled{}, fmt.Errorf("filter %q: %w", key, err)
		}
		terms = append(terms, Term{Attr: base, Expr: expr})
	}
	pred := AllOf(terms...)
	if pred != nil && scope.Guard.Name != "" {
		pred = Guard{Node: pred, Null: scope.Guard}
	}
	return Compiled{Predicate: pred, Attrs: Attrs(pred)}, nil
}

func compileTerm(col Col, typ domain.DataType, op domain.RangeOp, value domain.FilterValue, opts Options) (Node, error) {
	values := value.WithoutNone()
	none := value.HasNone()

	var expr Node
	switch {
	case len(values) == 0:
		// only the null marker
	case op == domain.RangeOpNone || op == domain.RangeOpEq:
		matched, err := compileMatch(col, typ, value.Op, values, opts)
		if err != nil {
			return nil, err
		}
		expr = matched
	case op.Between():
		ranges, err := compileBetween(col, op, values)
		if err != nil {
			return nil, err
		}
		expr = ranges
	default:
		bound, err := toNumber(values[0])
		if err != nil {
			return nil, err
		}
		r := Range{Col: col}
		switch op {
		case domain.RangeOpGT:
			r.Lower = bound
		case domain.RangeOpGTE:
			r.Lower, r.IncLower = bound, true
		case domain.RangeOpLT:
			r.Upper = bound
		case domain.RangeOpLTE:
			r.Upper, r.IncUpper = bound, true
		}
		expr = r
	}

	switch {
	case expr == nil:
		return IsNull{Col: col}, nil
	case none:
		return Or{Nodes: []Node{expr, IsNull{Col: col}}}, nil
	}
	return expr, nil
}

func compileMatch(col Col, typ domain.DataType, fop domain.FilterOp, values []any, opts Options) (Node, error) {
	converted := make([]any, len(values))
	for i, v := range values {
		if typ.IsNumeric() {
			n, err := toNumber(v)
			if err != nil {
				return nil, err
			}
			converted[i] = n
			continue
		}
		converted[i] = v
	}
	fold := opts.CaseInsensitive && !typ.IsNumeric()
	if fop == domain.FilterOpAnd && len(converted) > 1 {
		nodes := make([]Node, len(converted))
		for i, v := range converted {
			nodes[i] = In{Col: col, Values: []any{v}, Fold: fold}
		}
		return And{Nodes: nodes}, nil
	}
	return In{Col: col, Values: converted, Fold: fold}, nil
}

// compileBetween accepts either a flat [lower, upper] pair or a list of pairs.
func compileBetween(col Col, op domain.RangeOp, values []any) (Node, error) {
	incLower, incUpper := op.Inclusive()
	var pairs [][]any
	if _, nested := values[0].([]any); nested {
		for _, v := range values {
			pair, ok := v.([]any)
			if !ok {
				return nil, fmt.Errorf("%w: mixed range shapes", domain.ErrInvalidFilter)
			}
			pairs = append(pairs, pair)
		}
	} else {
		pairs = [][]any{values}
	}

	nodes := make([]Node, 0, len(pairs))
	for _, pair := range pairs {
		if len(pair) != 2 {
			return nil, fmt.Errorf("%w: range needs exactly two bounds, got %d", domain.ErrInvalidFilter, len(pair))
		}
		lower, err := toNumber(pair[0])
		if err != nil {
			return nil, err
		}
		upper, err := toNumber(pair[1])
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, Range{Col: col, Lower: lower, Upper: upper, IncLower: incLower, IncUpper: incUpper})
	}
	if len(nodes) == 1 {
		return nodes[0], nil
	}
	return Or{Nodes: nodes}, nil
}

func toNumber(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not numeric", domain.ErrInvalidFilter, n)
		}
		return f, nil
	}
	return 0, fmt.Errorf("%w: %v (%T) is not numeric", domain.ErrInvalidFilter, v, v)
}
