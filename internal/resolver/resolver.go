package resolver

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/rpattn/imgexplorer/internal/catalog"
	"github.com/rpattn/imgexplorer/internal/domain"
)

// Catalog is the part of the attribute catalog the resolver consults.
type Catalog interface {
	SourceAttributes(sources []domain.DataSource, opts catalog.AttrOptions) catalog.SourceAttrSet
	Lookup(name string, sources []domain.DataSource) catalog.LookupResult
	Join(a, b int) (domain.DataSourceJoin, error)
}

// Resolver partitions attribute names by the physical source that owns them.
type Resolver struct {
	catalog Catalog
}

func New(c Catalog) *Resolver {
	return &Resolver{catalog: c}
}

// ResolvedSource is one source with the attributes a request needs from it.
// List holds the names as requested (possibly operator-suffixed) and Attrs the
// base names, index-aligned with List.
type ResolvedSource struct {
	Meta  catalog.SourceAttrs
	List  []string
	Attrs []string
	Defs  []domain.Attribute
}

// IsImage reports whether the source carries image data.
func (s ResolvedSource) IsImage() bool {
	return s.Meta.DataType == domain.DataKindImage
}

// Owns reports whether a (possibly suffixed) request name belongs to the source.
func (s ResolvedSource) Owns(name string) bool {
	for _, n := range s.List {
		if n == name {
			return true
		}
	}
	return false
}

// Def returns the definition of a base attribute name.
func (s ResolvedSource) Def(base string) (domain.Attribute, bool) {
	for _, d := range s.Defs {
		if d.Name == base {
			return d, true
		}
	}
	return domain.Attribute{}, false
}

// Resolution is the per-source partition of a name set.
type Resolution struct {
	Sources map[int]ResolvedSource
	Order   []int
	Dropped []string
	// Universe is every candidate source with its alias, whether or not any
	// requested name landed on it.
	Universe catalog.SourceAttrSet
}

// Ordered returns the resolved sources, image sources first, then by ID.
func (r Resolution) Ordered() []ResolvedSource {
	out := make([]ResolvedSource, 0, len(r.Order))
	for _, id := range r.Order {
		out = append(out, r.Sources[id])
	}
	return out
}

// Owner returns the source a request name was assigned to.
func (r Resolution) Owner(name string) (ResolvedSource, bool) {
	for _, id := range r.Order {
		if r.Sources[id].Owns(name) {
			return r.Sources[id], true
		}
	}
	return ResolvedSource{}, false
}

// Resolve strips operator suffixes from names, locates each base attribute
// among sources and assigns it to a single owning source: an image source
// when one holds it, otherwise the lowest source ID. Unknown names are logged
// and dropped. Two conflicting definitions of one name are a configuration error.
func (r *Resolver) Resolve(ctx context.Context, names []string, sources []domain.DataSource) (Resolution, error) {
	logger := zerolog.Ctx(ctx)
	universe := r.catalog.SourceAttributes(sources, catalog.AttrOptions{})
	res := Resolution{Sources: map[int]ResolvedSource{}, Universe: universe}

	for _, name := range names {
		base, _ := domain.StripOperator(name)
		lookup := r.catalog.Lookup(base, sources)
		switch lookup.Status {
		case catalog.NotFound:
			logger.Warn().Str("attribute", base).Str("requested", name).Msg("attribute not found in data sources, dropping")
			res.Dropped = append(res.Dropped, name)
			continue
		case catalog.Ambiguous:
			return Resolution{}, fmt.Errorf("%w: %q has %d conflicting definitions", domain.ErrUnknownAttribute, base, len(lookup.Candidates))
		}
		owner := pickOwner(lookup.Sources, universe)
		entry, ok := res.Sources[owner.ID]
		if !ok {
			entry = ResolvedSource{Meta: universe.Sources[owner.ID]}
			res.Order = append(res.Order, owner.ID)
		}
		if entry.Owns(name) {
			continue
		}
		entry.List = append(entry.List, name)
		entry.Attrs = append(entry.Attrs, base)
		if _, seen := entry.Def(base); !seen {
			entry.Defs = append(entry.Defs, lookup.Attribute)
		}
		res.Sources[owner.ID] = entry
	}

	sort.SliceStable(res.Order, func(i, j int) bool {
		a, b := res.Sources[res.Order[i]], res.Sources[res.Order[j]]
		if a.IsImage() != b.IsImage() {
			return a.IsImage()
		}
		return a.Meta.Source.ID < b.Meta.Source.ID
	})
	return res, nil
}

func pickOwner(candidates []domain.DataSource, universe catalog.SourceAttrSet) domain.DataSource {
	best := candidates[0]
	bestImage := universe.Sources[best.ID].DataType == domain.DataKindImage
	for _, src := range candidates[1:] {
		isImage := universe.Sources[src.ID].DataType == domain.DataKindImage
		switch {
		case isImage && !bestImage:
			best, bestImage = src, true
		case isImage == bestImage && src.ID < best.ID:
			best = src
		}
	}
	return best
}

// JoinType is the SQL join flavour used to attach a source.
type JoinType string

const (
	JoinInner JoinType = "JOIN"
	JoinLeft  JoinType = "LEFT JOIN"
)

// JoinSpec describes how a secondary source attaches to a primary one.
type JoinSpec struct {
	Type      JoinType
	FromAlias string
	FromCol   string
	Table     string
	Alias     string
	ToCol     string
	// NullGuard is "alias.count_col" for optional (related) sources; filters
	// on such a source must also accept rows where NullGuard IS NULL.
	NullGuard string
}

// Optional reports whether rows lacking the secondary source are kept.
func (j JoinSpec) Optional() bool {
	return j.Type == JoinLeft
}

// Plan looks up the join between primary and other. Related (optional) sets
// are left-joined; everything else is an inner join. A missing join is fatal.
func (r *Resolver) Plan(primary, other catalog.SourceAttrs) (JoinSpec, error) {
	join, err := r.catalog.Join(primary.Source.ID, other.Source.ID)
	if err != nil {
		return JoinSpec{}, err
	}
	fromCol, err := join.ColFor(primary.Source.ID)
	if err != nil {
		return JoinSpec{}, err
	}
	toCol, err := join.ColFor(other.Source.ID)
	if err != nil {
		return JoinSpec{}, err
	}
	spec := JoinSpec{
		Type:      JoinInner,
		FromAlias: primary.Alias,
		FromCol:   fromCol,
		Table:     other.Source.Name,
		Alias:     other.Alias,
		ToCol:     toCol,
	}
	if other.SetType == domain.SetTypeRelated {
		spec.Type = JoinLeft
		spec.NullGuard = other.Alias + "." + other.CountCol
	}
	return spec, nil
}
