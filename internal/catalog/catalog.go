package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rpattn/imgexplorer/internal/domain"
)

// Snapshot is the raw catalog content, loaded once at startup.
type Snapshot struct {
	Versions      []domain.DataVersion    `mapstructure:"versions"`
	DataSets      []domain.DataSetType    `mapstructure:"data_sets"`
	Sources       []domain.DataSource     `mapstructure:"sources"`
	Attributes    []domain.Attribute      `mapstructure:"attributes"`
	Joins         []domain.DataSourceJoin `mapstructure:"joins"`
	DisplayValues []domain.DisplayValue   `mapstructure:"display_values"`
}

// Catalog is a read-only index of attributes, sources and joins. It is safe
// for concurrent use once built.
type Catalog struct {
	versions      map[int]domain.DataVersion
	versionByName map[string]domain.DataVersion
	dataSets      map[int]domain.DataSetType
	sources       map[int]domain.DataSource
	sourceByName  map[string]domain.DataSource
	attributes    map[int]domain.Attribute
	attrsBySource map[int][]int
	joins         map[[2]int]domain.DataSourceJoin
	display       map[int]map[string]string

	cache *Cache
}

// New validates a snapshot and indexes it.
func New(snapshot Snapshot) (*Catalog, error) {
	c := &Catalog{
		versions:      make(map[int]domain.DataVersion, len(snapshot.Versions)),
		versionByName: make(map[string]domain.DataVersion, len(snapshot.Versions)),
		dataSets:      make(map[int]domain.DataSetType, len(snapshot.DataSets)),
		sources:       make(map[int]domain.DataSource, len(snapshot.Sources)),
		sourceByName:  make(map[string]domain.DataSource, len(snapshot.Sources)),
		attributes:    make(map[int]domain.Attribute, len(snapshot.Attributes)),
		attrsBySource: make(map[int][]int),
		joins:         make(map[[2]int]domain.DataSourceJoin, len(snapshot.Joins)),
		display:       make(map[int]map[string]string),
		cache:         NewCache(),
	}
	for _, v := range snapshot.Versions {
		c.versions[v.ID] = v
		c.versionByName[v.Name] = v
	}
	for _, ds := range snapshot.DataSets {
		c.dataSets[ds.ID] = ds
	}
	for _, src := range snapshot.Sources {
		if _, dup := c.sources[src.ID]; dup {
			return nil, fmt.Errorf("duplicate data source id %d", src.ID)
		}
		for _, id := range src.DataSets {
			if _, ok := c.dataSets[id]; !ok {
				return nil, fmt.Errorf("data source %q references unknown data set type %d", src.Name, id)
			}
		}
		for _, id := range src.Versions {
			if _, ok := c.versions[id]; !ok {
				return nil, fmt.Errorf("data source %q references unknown data version %d", src.Name, id)
			}
		}
		c.sources[src.ID] = src
		c.sourceByName[src.Name] = src
	}
	for _, attr := range snapshot.Attributes {
		c.attributes[attr.ID] = attr
		for _, srcID := range attr.Sources {
			if _, ok := c.sources[srcID]; !ok {
				return nil, fmt.Errorf("attribute %q references unknown data source %d", attr.Name, srcID)
			}
			c.attrsBySource[srcID] = append(c.attrsBySource[srcID], attr.ID)
		}
	}
	for srcID := range c.attrsBySource {
		ids := c.attrsBySource[srcID]
		sort.Slice(ids, func(i, j int) bool {
			return c.attributes[ids[i]].Name < c.attributes[ids[j]].Name
		})
	}
	for _, join := range snapshot.Joins {
		key := domain.JoinKey(join.FromSrc, join.ToSrc)
		if _, dup := c.joins[key]; dup {
			return nil, fmt.Errorf("duplicate join definition between sources %d and %d", key[0], key[1])
		}
		c.joins[key] = join
	}
	for _, dv := range snapshot.DisplayValues {
		if c.display[dv.AttributeID] == nil {
			c.display[dv.AttributeID] = map[string]string{}
		}
		c.display[dv.AttributeID][dv.RawValue] = dv.Display
	}
	if err := c.validateUniqueNames(); err != nil {
		return nil, err
	}
	return c, nil
}

// validateUniqueNames enforces that within one data version an attribute name
// maps to exactly one attribute definition.
func (c *Catalog) validateUniqueNames() error {
	for versionID, version := range c.versions {
		seen := map[string]int{}
		for _, src := range c.sources {
			if !containsInt(src.Versions, versionID) {
				continue
			}
			for _, attrID := range c.attrsBySource[src.ID] {
				name := c.attributes[attrID].Name
				if prior, ok := seen[name]; ok && prior != attrID {
					return fmt.Errorf("attribute name %q is defined twice (ids %d and %d) in version %q", name, prior, attrID, version.Name)
				}
				seen[name] = attrID
			}
		}
	}
	return nil
}

// Cache exposes the catalog's process-wide attribute-set cache.
func (c *Catalog) Cache() *Cache {
	return c.cache
}

// Versions resolves version names. An empty list selects every active version.
func (c *Catalog) Versions(names []string) ([]domain.DataVersion, error) {
	var out []domain.DataVersion
	if len(names) == 0 {
		for _, v := range c.versions {
			if v.Active {
				out = append(out, v)
			}
		}
	} else {
		for _, name := range names {
			v, ok := c.versionByName[name]
			if !ok {
				return nil, fmt.Errorf("%w: unknown data version %q", domain.ErrNoSources, name)
			}
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no active data versions configured", domain.ErrNoSources)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ContainsInactive reports whether any version is archived.
func ContainsInactive(versions []domain.DataVersion) bool {
	for _, v := range versions {
		if !v.Active {
			return true
		}
	}
	return false
}

// Dispatch picks the backend for a request. Archived versions can only be
// served by the warehouse, so an empty choice falls back to it and an explicit
// document-index request is rejected.
func Dispatch(versions []domain.DataVersion, requested domain.SourceType) (domain.SourceType, error) {
	archived := ContainsInactive(versions)
	switch {
	case requested == "" && archived:
		return domain.SourceTypeWarehouse, nil
	case requested == "":
		return domain.SourceTypeIndex, nil
	case requested == domain.SourceTypeIndex && archived:
		return "", fmt.Errorf("%w: requested versions %s", domain.ErrArchivedOnIndex, versionNames(versions))
	}
	return requested, nil
}

// SourceFilter narrows Sources.
type SourceFilter struct {
	Versions   []domain.DataVersion
	SourceType domain.SourceType
	DataKinds  []domain.DataKind
}

// Sources returns the data sources belonging to any of the versions, of the
// given backend type, ordered by ID.
func (c *Catalog) Sources(filter SourceFilter) ([]domain.DataSource, error) {
	var out []domain.DataSource
	for _, src := range c.sources {
		if filter.SourceType != "" && src.SourceType != filter.SourceType {
			continue
		}
		if len(filter.Versions) > 0 && !inVersions(src, filter.Versions) {
			continue
		}
		if len(filter.DataKinds) > 0 && !c.hasKind(src.ID, filter.DataKinds) {
			continue
		}
		out = append(out, src)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: type=%s versions=%s", domain.ErrNoSources, filter.SourceType, versionNames(filter.Versions))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Source returns the source with the given ID.
func (c *Catalog) Source(id int) (domain.DataSource, bool) {
	src, ok := c.sources[id]
	return src, ok
}

// SourceVersions names the versions from vs a source belongs to.
func (c *Catalog) SourceVersions(src domain.DataSource, vs []domain.DataVersion) []string {
	var names []string
	for _, v := range vs {
		if containsInt(src.Versions, v.ID) {
			names = append(names, v.Name)
		}
	}
	return names
}

// Role returns the primary data kind and set type of a source. A source that
// carries image data in any of its data sets is an image source.
func (c *Catalog) Role(sourceID int) (domain.DataKind, domain.SetType) {
	src := c.sources[sourceID]
	var kind domain.DataKind
	var set domain.SetType
	for i, id := range src.DataSets {
		ds := c.dataSets[id]
		if i == 0 {
			kind, set = ds.DataType, ds.SetType
		}
		if ds.DataType == domain.DataKindImage {
			return ds.DataType, ds.SetType
		}
	}
	return kind, set
}

// IsImage reports whether the source carries image data.
func (c *Catalog) IsImage(sourceID int) bool {
	kind, _ := c.Role(sourceID)
	return kind == domain.DataKindImage
}

// Join returns the join between two sources. A missing join is a configuration
// error and is reported as *domain.JoinError.
func (c *Catalog) Join(a, b int) (domain.DataSourceJoin, error) {
	join, ok := c.joins[domain.JoinKey(a, b)]
	if !ok {
		return domain.DataSourceJoin{}, &domain.JoinError{From: c.sources[a].Name, To: c.sources[b].Name}
	}
	return join, nil
}

// Joins lists every configured join.
func (c *Catalog) Joins() []domain.DataSourceJoin {
	out := make([]domain.DataSourceJoin, 0, len(c.joins))
	for _, j := range c.joins {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool {
		ki, kj := domain.JoinKey(out[i].FromSrc, out[i].ToSrc), domain.JoinKey(out[j].FromSrc, out[j].ToSrc)
		if ki[0] != kj[0] {
			return ki[0] < kj[0]
		}
		return ki[1] < kj[1]
	})
	return out
}

// MissingJoins lists source pairs of one backend and version that share no
// join. Every pair in a federated query needs one, so this is a startup check.
func (c *Catalog) MissingJoins(sources []domain.DataSource) []domain.JoinError {
	var missing []domain.JoinError
	for i := range sources {
		for j := i + 1; j < len(sources); j++ {
			if _, ok := c.joins[domain.JoinKey(sources[i].ID, sources[j].ID)]; !ok {
				missing = append(missing, domain.JoinError{From: sources[i].Name, To: sources[j].Name})
			}
		}
	}
	return missing
}

// JoinReport runs MissingJoins over the sources of the active versions, once
// per backend. Backends without gaps are omitted.
func (c *Catalog) JoinReport() (map[domain.SourceType][]domain.JoinError, error) {
	versions, err := c.Versions(nil)
	if err != nil {
		return nil, err
	}
	report := map[domain.SourceType][]domain.JoinError{}
	for _, st := range []domain.SourceType{domain.SourceTypeIndex, domain.SourceTypeWarehouse} {
		sources, err := c.Sources(SourceFilter{Versions: versions, SourceType: st})
		if errors.Is(err, domain.ErrNoSources) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if missing := c.MissingJoins(sources); len(missing) > 0 {
			report[st] = missing
		}
	}
	return report, nil
}

// DisplayValue maps a raw bucket value of an attribute to its display label.
func (c *Catalog) DisplayValue(attrID int, raw string) (string, bool) {
	values, ok := c.display[attrID]
	if !ok {
		return "", false
	}
	display, ok := values[raw]
	return display, ok
}

func (c *Catalog) hasKind(sourceID int, kinds []domain.DataKind) bool {
	for _, id := range c.sources[sourceID].DataSets {
		for _, k := range kinds {
			if c.dataSets[id].DataType == k {
				return true
			}
		}
	}
	return false
}

func inVersions(src domain.DataSource, vs []domain.DataVersion) bool {
	for _, v := range vs {
		if containsInt(src.Versions, v.ID) {
			return true
		}
	}
	return false
}

func versionNames(vs []domain.DataVersion) string {
	names := make([]string, len(vs))
	for i, v := range vs {
		names[i] = v.Name
	}
	return strings.Join(names, ",")
}

func containsInt(values []int, target int) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
