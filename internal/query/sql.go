package query

import (
	"fmt"
	"strings"
)

// Builder collects positional query arguments. One builder is shared by every
// fragment of a statement so placeholders never collide.
type Builder struct {
	args    []any
	perAttr map[string][]int
}

func NewBuilder() *Builder {
	return &Builder{args: make([]any, 0), perAttr: map[string][]int{}}
}

// AddArg appends a value and returns its 1-based index.
func (b *Builder) AddArg(value any) int {
	b.args = append(b.args, value)
	return len(b.args)
}

// Placeholder renders the positional parameter for idx.
func (b *Builder) Placeholder(idx int) string {
	return fmt.Sprintf("$%d", idx)
}

// Bind adds a value and returns its placeholder.
func (b *Builder) Bind(value any) string {
	return b.Placeholder(b.AddArg(value))
}

// Args returns the collected arguments in placeholder order.
func (b *Builder) Args() []any {
	return b.args
}

// Params returns the argument indexes bound while rendering attr's terms.
func (b *Builder) Params(attr string) []int {
	return b.perAttr[attr]
}

// RenderSQL renders n as a SQL boolean expression. A nil node renders as "".
func RenderSQL(n Node, b *Builder) string {
	if n == nil {
		return ""
	}
	r := sqlRenderer{b: b}
	return r.render(n)
}

type sqlRenderer struct {
	b    *Builder
	attr string
}

func (r *sqlRenderer) bind(value any) string {
	idx := r.b.AddArg(value)
	if r.attr != "" {
		r.b.perAttr[r.attr] = append(r.b.perAttr[r.attr], idx)
	}
	return r.b.Placeholder(idx)
}

func (r *sqlRenderer) render(n Node) string {
	switch t := n.(type) {
	case Term:
		prev := r.attr
		r.attr = t.Attr
		out := r.render(t.Expr)
		r.attr = prev
		return out
	case In:
		col := t.Col.Qualified()
		if t.Fold {
			col = "LOWER(" + col + ")"
		}
		placeholders := make([]string, len(t.Values))
		for i, v := range t.Values {
			if s, ok := v.(string); ok && t.Fold {
				v = strings.ToLower(s)
			}
			placeholders[i] = r.bind(v)
		}
		if len(placeholders) == 1 {
			return fmt.Sprintf("%s = %s", col, placeholders[0])
		}
		return fmt.Sprintf("%s IN (%s)", col, strings.Join(placeholders, ", "))
	case Range:
		col := t.Col.Qualified()
		parts := make([]string, 0, 2)
		if t.Lower != nil {
			op := ">"
			if t.IncLower {
				op = ">="
			}
			parts = append(parts, fmt.Sprintf("%s %s %s", col, op, r.bind(t.Lower)))
		}
		if t.Upper != nil {
			op := "<"
			if t.IncUpper {
				op = "<="
			}
			parts = append(parts, fmt.Sprintf("%s %s %s", col, op, r.bind(t.Upper)))
		}
		switch len(parts) {
		case 0:
			return "TRUE"
		case 1:
			return parts[0]
		}
		return "(" + strings.Join(parts, " AND ") + ")"
	case IsNull:
		return t.Col.Qualified() + " IS NULL"
	case And:
		return r.join(t.Nodes, " AND ")
	case Or:
		return r.join(t.Nodes, " OR ")
	case Not:
		return "NOT (" + r.render(t.Node) + ")"
	case Guard:
		return fmt.Sprintf("(%s OR %s IS NULL)", r.render(t.Node), t.Null.Qualified())
	}
	return "TRUE"
}

func (r *sqlRenderer) join(nodes []Node, sep string) string {
	parts := make([]string, len(nodes))
	for i, n := range nodes {
		parts[i] = r.render(n)
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "(" + strings.Join(parts, sep) + ")"
}
