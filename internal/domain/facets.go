package domain

import "fmt"

// BucketCounts maps a bucket value to its count.
type BucketCounts map[string]int64

// FacetSet maps a facet (attribute) name to its buckets.
type FacetSet map[string]BucketCounts

// MinMax holds observed bounds for a continuous numeric attribute.
type MinMax struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// SourceFacets holds the facets counted against one data source.
type SourceFacets struct {
	SourceID   int               `json:"source_id"`
	SourceName string            `json:"source_name"`
	SetType    SetType           `json:"set_type"`
	Facets     FacetSet          `json:"facets"`
	Stats      map[string]MinMax `json:"stats,omitempty"`
}

// FacetTree is keyed by SourceKey.
type FacetTree map[string]SourceFacets

// Aggregation level views over a facet tree.
type (
	CollectionFacets FacetTree
	CaseFacets       FacetTree
	StudyFacets      FacetTree
	SeriesFacets     FacetTree
)

// SourceKey renders the "<name>:<versions>:<id>" key used for facet trees.
func SourceKey(source DataSource, versionNames []string) string {
	return fmt.Sprintf("%s:%s:%d", source.Name, VersionKey(versionNames), source.ID)
}

// NewSourceFacets starts an empty facet set for a source.
func NewSourceFacets(source DataSource, setType SetType) SourceFacets {
	return SourceFacets{
		SourceID:   source.ID,
		SourceName: source.Name,
		SetType:    setType,
		Facets:     FacetSet{},
	}
}

// Clone returns a deep copy.
func (b BucketCounts) Clone() BucketCounts {
	out := make(BucketCounts, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// Total sums every bucket.
func (b BucketCounts) Total() int64 {
	var total int64
	for _, v := range b {
		total += v
	}
	return total
}

// Clone returns a deep copy.
func (s SourceFacets) Clone() SourceFacets {
	out := s
	out.Facets = make(FacetSet, len(s.Facets))
	for name, buckets := range s.Facets {
		out.Facets[name] = buckets.Clone()
	}
	if s.Stats != nil {
		out.Stats = make(map[string]MinMax, len(s.Stats))
		for k, v := range s.Stats {
			out.Stats[k] = v
		}
	}
	return out
}

// Clone returns a deep copy.
func (t FacetTree) Clone() FacetTree {
	out := make(FacetTree, len(t))
	for k, v := range t {
		out[k] = v.Clone()
	}
	return out
}

// MergeFacetTrees combines two trees without mutating either. Counts for the
// same source, facet and bucket are summed; stats widen to cover both inputs.
func MergeFacetTrees(a, b FacetTree) FacetTree {
	out := a.Clone()
	for key, incoming := range b {
		existing, ok := out[key]
		if !ok {
			out[key] = incoming.Clone()
			continue
		}
		for name, buckets := range incoming.Facets {
			target, ok := existing.Facets[name]
			if !ok {
				existing.Facets[name] = buckets.Clone()
				continue
			}
			for value, count := range buckets {
				target[value] += count
			}
		}
		for name, stat := range incoming.Stats {
			if existing.Stats == nil {
				existing.Stats = map[string]MinMax{}
			}
			current, ok := existing.Stats[name]
			if !ok {
				existing.Stats[name] = stat
				continue
			}
			if stat.Min < current.Min {
				current.Min = stat.Min
			}
			if stat.Max > current.Max {
				current.Max = stat.Max
			}
			existing.Stats[name] = current
		}
		out[key] = existing
	}
	return out
}

// Facet finds a facet by name in any source of the tree.
func (t FacetTree) Facet(name string) (BucketCounts, bool) {
	for _, source := range t {
		if buckets, ok := source.Facets[name]; ok {
			return buckets, true
		}
	}
	return nil, false
}

// AggregateResult is the output of a faceted count.
type AggregateResult struct {
	Facets         FacetTree        `json:"facets"`
	FilteredFacets FacetTree        `json:"filtered_facets,omitempty"`
	Total          int64            `json:"total"`
	Totals         map[string]int64 `json:"totals,omitempty"`
	Uniques        map[string]int64 `json:"uniques,omitempty"`
	Custom         map[string]any   `json:"custom,omitempty"`
}
