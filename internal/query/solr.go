package query

import (
	"fmt"
	"strconv"
	"strings"
)

// TaggedFilter is one attribute's filter query for the document index. Facets
// exclude their own attribute by listing its Tag.
type TaggedFilter struct {
	Attr  string
	Tag   string
	Query string
}

// Tagged renders the query with its local-params tag.
func (f TaggedFilter) Tagged() string {
	return fmt.Sprintf("{!tag=%s}%s", f.Tag, f.Query)
}

// RenderSolr renders n in the document index's Lucene query syntax.
func RenderSolr(n Node) string {
	if n == nil {
		return "*:*"
	}
	switch t := n.(type) {
	case Term:
		return RenderSolr(t.Expr)
	case In:
		terms := make([]string, len(t.Values))
		for i, v := range t.Values {
			terms[i] = solrTerm(v)
		}
		if len(terms) == 1 {
			return fmt.Sprintf("(+%s:%s)", t.Col.Name, terms[0])
		}
		return fmt.Sprintf("(+%s:(%s))", t.Col.Name, strings.Join(terms, " "))
	case Range:
		left, right := "{", "}"
		if t.IncLower || t.Lower == nil {
			left = "["
		}
		if t.IncUpper || t.Upper == nil {
			right = "]"
		}
		return fmt.Sprintf("%s:%s%s TO %s%s", t.Col.Name, left, solrBound(t.Lower), solrBound(t.Upper), right)
	case IsNull:
		return fmt.Sprintf("(*:* -%s:[* TO *])", t.Col.Name)
	case And:
		return solrJoin(t.Nodes, " AND ")
	case Or:
		return solrJoin(t.Nodes, " OR ")
	case Not:
		return "(*:* -" + RenderSolr(t.Node) + ")"
	case Guard:
		return fmt.Sprintf("(%s OR (*:* -%s:[* TO *]))", RenderSolr(t.Node), t.Null.Name)
	}
	return "*:*"
}

// SolrFilters renders one tagged filter query per attribute. Terms for the
// same attribute (e.g. separate _gte and _lte keys) share a query and tag.
// Tags are assigned in attribute order starting at f<offset>.
func SolrFilters(c Compiled, offset int) []TaggedFilter {
	var order []string
	byAttr := map[string][]Node{}
	for _, term := range topTerms(c.Predicate) {
		if _, seen := byAttr[term.Attr]; !seen {
			order = append(order, term.Attr)
		}
		byAttr[term.Attr] = append(byAttr[term.Attr], term.Expr)
	}
	out := make([]TaggedFilter, 0, len(order))
	for i, attr := range order {
		out = append(out, TaggedFilter{
			Attr:  attr,
			Tag:   "f" + strconv.Itoa(offset+i),
			Query: RenderSolr(AllOf(byAttr[attr]...)),
		})
	}
	return out
}

func topTerms(n Node) []Term {
	switch t := n.(type) {
	case Term:
		return []Term{t}
	case And:
		var out []Term
		for _, c := range t.Nodes {
			out = append(out, topTerms(c)...)
		}
		return out
	case Guard:
		return topTerms(t.Node)
	}
	return nil
}

func solrJoin(nodes []Node, sep string) string {
	parts := make([]string, len(nodes))
	for i, n := range nodes {
		parts[i] = RenderSolr(n)
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "(" + strings.Join(parts, sep) + ")"
}

func solrBound(v any) string {
	if v == nil {
		return "*"
	}
	return solrNumber(v)
}

func solrNumber(v any) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case int:
		return strconv.Itoa(n)
	case int64:
		return strconv.FormatInt(n, 10)
	}
	return fmt.Sprint(v)
}

func solrTerm(v any) string {
	if s, ok := v.(string); ok {
		return `"` + EscapeSolr(s) + `"`
	}
	return solrNumber(v)
}

// EscapeSolr escapes backslashes and double quotes for use inside a quoted
// Lucene term.
func EscapeSolr(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
