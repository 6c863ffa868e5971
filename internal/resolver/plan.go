package resolver

import (
	"fmt"
	"strings"

	"github.com/rpattn/imgexplorer/internal/catalog"
	"github.com/rpattn/imgexplorer/internal/domain"
	"github.com/rpattn/imgexplorer/internal/query"
)

// From is a warehouse FROM clause rooted at an image table, growing one join
// per additional source it has to reach.
type From struct {
	Image  catalog.SourceAttrs
	Joins  []JoinSpec
	joined map[int]bool
}

func NewFrom(image catalog.SourceAttrs) *From {
	return &From{Image: image, joined: map[int]bool{image.Source.ID: true}}
}

// Reaches reports whether the source is the root or already joined.
func (f *From) Reaches(sourceID int) bool {
	return f.joined[sourceID]
}

// Attach joins other into the clause unless it is already reachable and
// returns the join used. The root itself yields a zero JoinSpec.
func (r *Resolver) Attach(f *From, other catalog.SourceAttrs) (JoinSpec, error) {
	if other.Source.ID == f.Image.Source.ID {
		return JoinSpec{}, nil
	}
	for _, j := range f.Joins {
		if j.Alias == other.Alias {
			return j, nil
		}
	}
	spec, err := r.Plan(f.Image, other)
	if err != nil {
		return JoinSpec{}, err
	}
	f.joined[other.Source.ID] = true
	f.Joins = append(f.Joins, spec)
	return spec, nil
}

// Clone returns an independent copy, so a single query can add joins without
// affecting the shared clause.
func (f *From) Clone() *From {
	out := &From{Image: f.Image, Joins: append([]JoinSpec(nil), f.Joins...), joined: make(map[int]bool, len(f.joined))}
	for k, v := range f.joined {
		out.joined[k] = v
	}
	return out
}

// SQL renders "FROM <table> <alias> [JOIN ...]".
func (f *From) SQL() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "FROM %s %s", query.QuoteTable(f.Image.Source.Name), query.QuoteIdent(f.Image.Alias))
	for _, j := range f.Joins {
		fmt.Fprintf(&sb, " %s %s %s ON %s.%s = %s.%s",
			j.Type, query.QuoteTable(j.Table), query.QuoteIdent(j.Alias),
			query.QuoteIdent(j.FromAlias), query.QuoteIdent(j.FromCol),
			query.QuoteIdent(j.Alias), query.QuoteIdent(j.ToCol))
	}
	return sb.String()
}

// Col qualifies a column of the root table.
func (f *From) Col(name string) query.Col {
	return query.Col{Alias: f.Image.Alias, Name: name}
}

// Types collects the data type of every resolved attribute.
func (r Resolution) Types() map[string]domain.DataType {
	out := map[string]domain.DataType{}
	for _, src := range r.Sources {
		for _, def := range src.Defs {
			out[def.Name] = def.DataType
		}
	}
	return out
}

// CompileInto compiles each source's share of filters against its alias,
// attaching the sources to from. Filters on optional (related) sources also
// accept rows that have no related record.
func (r *Resolver) CompileInto(from *From, res Resolution, filters domain.FilterSet, types map[string]domain.DataType, opts query.Options) ([]query.Compiled, error) {
	var out []query.Compiled
	for _, src := range res.Ordered() {
		scope := query.Scope{Alias: src.Meta.Alias, Types: types}
		spec, err := r.Attach(from, src.Meta)
		if err != nil {
			return nil, err
		}
		if spec.Optional() {
			scope.Guard = query.Col{Alias: src.Meta.Alias, Name: src.Meta.CountCol}
		}
		compiled, err := query.Compile(filters.Subset(src.Owns), scope, opts)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidFilter, err)
		}
		out = append(out, compiled)
	}
	return out, nil
}

// OwnerOf returns the source a base attribute name was assigned to.
func (r Resolution) OwnerOf(base string) (ResolvedSource, bool) {
	for _, id := range r.Order {
		src := r.Sources[id]
		for _, attr := range src.Attrs {
			if attr == base {
				return src, true
			}
		}
	}
	return ResolvedSource{}, false
}

// Image returns the first resolved image source.
func (r Resolution) Image() (ResolvedSource, bool) {
	for _, src := range r.Ordered() {
		if src.IsImage() {
			return src, true
		}
	}
	return ResolvedSource{}, false
}

// JoinCols returns the join column in from and the matching column in to.
func (r *Resolver) JoinCols(from, to catalog.SourceAttrs) (string, string, error) {
	join, err := r.catalog.Join(from.Source.ID, to.Source.ID)
	if err != nil {
		return "", "", err
	}
	fromCol, err := join.ColFor(from.Source.ID)
	if err != nil {
		return "", "", err
	}
	toCol, err := join.ColFor(to.Source.ID)
	if err != nil {
		return "", "", err
	}
	return fromCol, toCol, nil
}

// IndexFilters renders the document-index filter queries for one collection.
// Filters owned by another collection are applied through a join on the
// pair's configured columns; a filter on an ancillary collection also admits
// documents with no related record. Non-image collections are always
// restricted to documents joined to the image collection.
func (r *Resolver) IndexFilters(res Resolution, src, image catalog.SourceAttrs, tagged []query.TaggedFilter) ([]string, error) {
	var fqs []string
	imageJoined := src.DataType == domain.DataKindImage
	for _, f := range tagged {
		owner, ok := res.OwnerOf(f.Attr)
		if !ok || owner.Meta.Source.ID == src.Source.ID {
			fqs = append(fqs, f.Tagged())
			continue
		}
		from, to, err := r.JoinCols(owner.Meta, src)
		if err != nil {
			return nil, err
		}
		if owner.IsImage() {
			imageJoined = true
		}
		if owner.Meta.DataType == domain.DataKindAncillary && src.DataType != domain.DataKindAncillary {
			join := fmt.Sprintf("{!join from=%s fromIndex=%s to=%s}%s", from, owner.Meta.Source.Name, to, f.Query)
			fqs = append(fqs, fmt.Sprintf(`{!tag=%s}has_related:"False" OR _query_:"%s"`, f.Tag, strings.ReplaceAll(join, `"`, `\"`)))
			continue
		}
		fqs = append(fqs, fmt.Sprintf("{!join tag=%s from=%s fromIndex=%s to=%s}%s", f.Tag, from, owner.Meta.Source.Name, to, f.Query))
	}
	if !imageJoined {
		from, to, err := r.JoinCols(image, src)
		if err != nil {
			return nil, err
		}
		fqs = append(fqs, fmt.Sprintf("{!join from=%s fromIndex=%s to=%s}*:*", from, image.Source.Name, to))
	}
	return fqs, nil
}

// IndexClause renders filters as one boolean query over the image collection,
// for embedding in a larger query. Filters owned by another collection become
// nested join queries; those on an ancillary collection also admit documents
// with no related record. Returns "" when nothing is filtered.
func (r *Resolver) IndexClause(res Resolution, image catalog.SourceAttrs, filters []query.TaggedFilter) (string, error) {
	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		owner, ok := res.OwnerOf(f.Attr)
		if !ok || owner.Meta.Source.ID == image.Source.ID {
			parts = append(parts, f.Query)
			continue
		}
		from, to, err := r.JoinCols(owner.Meta, image)
		if err != nil {
			return "", err
		}
		join := fmt.Sprintf("{!join from=%s fromIndex=%s to=%s}%s", from, owner.Meta.Source.Name, to, f.Query)
		nested := fmt.Sprintf(`_query_:"%s"`, strings.ReplaceAll(join, `"`, `\"`))
		if owner.Meta.DataType == domain.DataKindAncillary {
			nested = fmt.Sprintf(`(has_related:"False" OR %s)`, nested)
		}
		parts = append(parts, nested)
	}
	switch len(parts) {
	case 0:
		return "", nil
	case 1:
		return parts[0], nil
	}
	return "(" + strings.Join(parts, " AND ") + ")", nil
}

// Rebase moves every image-owned attribute onto image, so one image table can
// stand in for all of them. Non-image sources are kept as they are.
func (r Resolution) Rebase(image catalog.SourceAttrs) Resolution {
	out := Resolution{Sources: map[int]ResolvedSource{}, Dropped: r.Dropped, Universe: r.Universe}
	root := ResolvedSource{Meta: image}
	hasRoot := false
	for _, src := range r.Ordered() {
		if !src.IsImage() {
			out.Sources[src.Meta.Source.ID] = src
			out.Order = append(out.Order, src.Meta.Source.ID)
			continue
		}
		hasRoot = true
		for i, name := range src.List {
			if root.Owns(name) {
				continue
			}
			root.List = append(root.List, name)
			root.Attrs = append(root.Attrs, src.Attrs[i])
		}
		for _, def := range src.Defs {
			if _, seen := root.Def(def.Name); !seen {
				root.Defs = append(root.Defs, def)
			}
		}
	}
	if hasRoot {
		out.Sources[image.Source.ID] = root
		out.Order = append([]int{image.Source.ID}, out.Order...)
	}
	return out
}

// Covers reports whether image holds every attribute assigned to image
// sources in r.
func (r Resolution) Covers(image catalog.SourceAttrs) bool {
	for _, src := range r.Ordered() {
		if !src.IsImage() {
			continue
		}
		for _, attr := range src.Attrs {
			if !image.Has(attr) {
				return false
			}
		}
	}
	return true
}
