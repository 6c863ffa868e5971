package query

// Node is an immutable predicate tree node. Renderers for each backend walk
// the same tree.
type Node interface {
	node()
}

// Col names a column (SQL) or field (document index). Alias is ignored by the
// document-index renderer.
type Col struct {
	Alias string
	Name  string
}

// Qualified renders alias.name for SQL, quoting each part as needed.
func (c Col) Qualified() string {
	if c.Alias == "" {
		return QuoteIdent(c.Name)
	}
	return QuoteIdent(c.Alias) + "." + QuoteIdent(c.Name)
}

// Term is the subtree contributed by one attribute's filter. It is the unit
// removed by Without.
type Term struct {
	Attr string
	Expr Node
}

// In matches any of Values. Fold compares case-insensitively.
type In struct {
	Col    Col
	Values []any
	Fold   bool
}

// Range bounds a numeric column. A nil bound is open.
type Range struct {
	Col      Col
	Lower    any
	Upper    any
	IncLower bool
	IncUpper bool
}

// IsNull matches rows where the column has no value.
type IsNull struct {
	Col Col
}

type And struct {
	Nodes []Node
}

type Or struct {
	Nodes []Node
}

type Not struct {
	Node Node
}

// Guard keeps rows lacking an optional (left-joined) source: the child
// predicate OR the guard column IS NULL.
type Guard struct {
	Node Node
	Null Col
}

func (Term) node()   {}
func (In) node()     {}
func (Range) node()  {}
func (IsNull) node() {}
func (And) node()    {}
func (Or) node()     {}
func (Not) node()    {}
func (Guard) node()  {}

// Without returns a copy of n with every Term for attr removed, or nil when
// nothing remains. And and Guard nodes shrink around removed children; Or and
// Not nodes holding the attribute are removed whole, since dropping one
// disjunct would widen rather than neutralize the predicate.
func Without(n Node, attr string) Node {
	switch t := n.(type) {
	case nil:
		return nil
	case Term:
		if t.Attr == attr {
			return nil
		}
		return t
	case And:
		kept := make([]Node, 0, len(t.Nodes))
		for _, child := range t.Nodes {
			if c := Without(child, attr); c != nil {
				kept = append(kept, c)
			}
		}
		switch len(kept) {
		case 0:
			return nil
		case 1:
			return kept[0]
		}
		return And{Nodes: kept}
	case Guard:
		child := Without(t.Node, attr)
		if child == nil {
			return nil
		}
		return Guard{Node: child, Null: t.Null}
	case Or, Not:
		if contains(n, attr) {
			return nil
		}
		return n
	}
	return n
}

// Attrs lists the attributes with a Term in n, in tree order.
func Attrs(n Node) []string {
	var out []string
	walk(n, func(t Term) { out = append(out, t.Attr) })
	return out
}

func contains(n Node, attr string) bool {
	found := false
	walk(n, func(t Term) {
		if t.Attr == attr {
			found = true
		}
	})
	return found
}

func walk(n Node, fn func(Term)) {
	switch t := n.(type) {
	case Term:
		fn(t)
		walk(t.Expr, fn)
	case And:
		for _, c := range t.Nodes {
			walk(c, fn)
		}
	case Or:
		for _, c := range t.Nodes {
			walk(c, fn)
		}
	case Not:
		walk(t.Node, fn)
	case Guard:
		walk(t.Node, fn)
	}
}

// AllOf combines nodes with AND, skipping nils.
func AllOf(nodes ...Node) Node {
	kept := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if n != nil {
			kept = append(kept, n)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	}
	return And{Nodes: kept}
}
