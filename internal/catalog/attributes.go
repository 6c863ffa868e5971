package catalog

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rpattn/imgexplorer/internal/domain"
)

// LookupStatus tags the outcome of an attribute lookup.
type LookupStatus int

const (
	NotFound LookupStatus = iota
	Found
	Ambiguous
)

func (s LookupStatus) String() string {
	switch s {
	case Found:
		return "found"
	case Ambiguous:
		return "ambiguous"
	}
	return "not found"
}

// LookupResult is the typed answer of Lookup. Sources lists every candidate
// source holding the attribute; Candidates is filled only when Ambiguous.
type LookupResult struct {
	Status     LookupStatus
	Attribute  domain.Attribute
	Sources    []domain.DataSource
	Candidates []domain.Attribute
}

// Lookup finds an attribute by (unsuffixed) name among the given sources.
func (c *Catalog) Lookup(name string, sources []domain.DataSource) LookupResult {
	result := LookupResult{}
	byID := map[int]domain.Attribute{}
	for _, src := range sources {
		for _, attrID := range c.attrsBySource[src.ID] {
			attr := c.attributes[attrID]
			if attr.Name != name {
				continue
			}
			byID[attr.ID] = attr
			result.Sources = append(result.Sources, src)
		}
	}
	switch len(byID) {
	case 0:
		return LookupResult{Status: NotFound}
	case 1:
		result.Status = Found
		for _, attr := range byID {
			result.Attribute = attr
		}
	default:
		result.Status = Ambiguous
		for _, attr := range byID {
			result.Candidates = append(result.Candidates, attr)
		}
		sort.Slice(result.Candidates, func(i, j int) bool { return result.Candidates[i].ID < result.Candidates[j].ID })
	}
	return result
}

// AttrOptions shape a SourceAttributes request.
type AttrOptions struct {
	ForUI       bool
	ForFaceting bool
	NamedSet    []string
	ActiveOnly  bool
}

func (o AttrOptions) key() string {
	named := append([]string(nil), o.NamedSet...)
	sort.Strings(named)
	return fmt.Sprintf("ui=%t|facet=%t|active=%t|named=%s", o.ForUI, o.ForFaceting, o.ActiveOnly, strings.Join(named, ","))
}

// SourceAttrs are the attributes one source contributes to a request.
type SourceAttrs struct {
	Source   domain.DataSource
	Alias    string
	DataType domain.DataKind
	SetType  domain.SetType
	CountCol string
	List     []string
	Attrs    []domain.Attribute
}

// Has reports whether the source holds the named attribute.
func (s SourceAttrs) Has(name string) bool {
	for _, n := range s.List {
		if n == name {
			return true
		}
	}
	return false
}

// Attr returns the named attribute definition.
func (s SourceAttrs) Attr(name string) (domain.Attribute, bool) {
	for _, a := range s.Attrs {
		if a.Name == name {
			return a, true
		}
	}
	return domain.Attribute{}, false
}

// SourceAttrSet is the result of SourceAttributes.
type SourceAttrSet struct {
	List    []string
	Sources map[int]SourceAttrs
}

// Has reports whether any source holds the named attribute.
func (s SourceAttrSet) Has(name string) bool {
	i := sort.SearchStrings(s.List, name)
	return i < len(s.List) && s.List[i] == name
}

// SourceAttributes lists the attributes of each source, narrowed by opts.
// Attributes that cannot be faceted are silently omitted when ForFaceting is set.
// Results are cached by source set and options; the returned value must be
// treated as read-only.
func (c *Catalog) SourceAttributes(sources []domain.DataSource, opts AttrOptions) SourceAttrSet {
	key := CacheKey(sources, opts.key())
	return c.cache.LoadOrStore(key, func() SourceAttrSet {
		return c.buildSourceAttributes(sources, opts)
	})
}

func (c *Catalog) buildSourceAttributes(sources []domain.DataSource, opts AttrOptions) SourceAttrSet {
	named := map[string]bool{}
	for _, n := range opts.NamedSet {
		named[n] = true
	}
	aliases := AliasesFor(sources)
	set := SourceAttrSet{Sources: make(map[int]SourceAttrs, len(sources))}
	all := map[string]bool{}
	for _, src := range sources {
		kind, setType := c.Role(src.ID)
		entry := SourceAttrs{
			Source:   src,
			Alias:    aliases[src.ID],
			DataType: kind,
			SetType:  setType,
			CountCol: src.CountCol,
		}
		for _, attrID := range c.attrsBySource[src.ID] {
			attr := c.attributes[attrID]
			if opts.ActiveOnly && !attr.Active {
				continue
			}
			if opts.ForUI && !attr.DefaultUIDisplay && !named[attr.Name] {
				continue
			}
			if len(named) > 0 && !named[attr.Name] {
				continue
			}
			if opts.ForFaceting && !attr.Facetable() {
				continue
			}
			entry.List = append(entry.List, attr.Name)
			entry.Attrs = append(entry.Attrs, attr)
			all[attr.Name] = true
		}
		set.Sources[src.ID] = entry
	}
	for name := range all {
		set.List = append(set.List, name)
	}
	sort.Strings(set.List)
	return set
}

// CacheKey derives a deterministic cache key from a source set and a request shape.
func CacheKey(sources []domain.DataSource, shape string) string {
	ids := make([]int, len(sources))
	for i, s := range sources {
		ids[i] = s.ID
	}
	sort.Ints(ids)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ":") + "|" + shape
}
