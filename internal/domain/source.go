package domain

import (
	"fmt"
	"sort"
	"strings"
)

// SourceType identifies the physical backend holding a data source.
type SourceType string

const (
	SourceTypeIndex     SourceType = "solr"
	SourceTypeWarehouse SourceType = "bigquery"
)

// SetType describes how a source participates in federated joins.
type SetType string

const (
	SetTypeOrigin  SetType = "origin_set"
	SetTypeRelated SetType = "related_set"
	SetTypeDerived SetType = "derived_set"
)

// DataKind is the broad kind of data a source holds.
type DataKind string

const (
	DataKindImage     DataKind = "I"
	DataKindAncillary DataKind = "A"
	DataKindDerived   DataKind = "D"
)

// DataSetType classifies a source's role.
type DataSetType struct {
	ID       int      `json:"id" mapstructure:"id"`
	Name     string   `json:"name" mapstructure:"name"`
	DataType DataKind `json:"data_type" mapstructure:"data_type"`
	SetType  SetType  `json:"set_type" mapstructure:"set_type"`
}

// DataVersion is a named release of the portal's data.
type DataVersion struct {
	ID      int    `json:"id" mapstructure:"id"`
	Name    string `json:"name" mapstructure:"name"`
	Version string `json:"version" mapstructure:"version"`
	Active  bool   `json:"active" mapstructure:"active"`
}

// DataSource is a physical table or collection.
type DataSource struct {
	ID             int        `json:"id" mapstructure:"id"`
	Name           string     `json:"name" mapstructure:"name"`
	SourceType     SourceType `json:"source_type" mapstructure:"source_type"`
	CountCol       string     `json:"count_col" mapstructure:"count_col"`
	AggregateLevel string     `json:"aggregate_level" mapstructure:"aggregate_level"`
	DataSets       []int      `json:"data_sets" mapstructure:"data_sets"`
	Versions       []int      `json:"versions" mapstructure:"versions"`
}

// DataSourceJoin defines how two sources join. Join pairs are unordered: the
// same definition serves both directions.
type DataSourceJoin struct {
	FromSrc int    `json:"from_src" mapstructure:"from_src"`
	FromCol string `json:"from_src_col" mapstructure:"from_src_col"`
	ToSrc   int    `json:"to_src" mapstructure:"to_src"`
	ToCol   string `json:"to_src_col" mapstructure:"to_src_col"`
}

// Connects reports whether the join links exactly the two given sources.
func (j DataSourceJoin) Connects(a, b int) bool {
	return (j.FromSrc == a && j.ToSrc == b) || (j.FromSrc == b && j.ToSrc == a)
}

// ColFor returns the join column belonging to the given source.
func (j DataSourceJoin) ColFor(sourceID int) (string, error) {
	switch sourceID {
	case j.FromSrc:
		return j.FromCol, nil
	case j.ToSrc:
		return j.ToCol, nil
	}
	return "", fmt.Errorf("source %d is not part of join %d<->%d", sourceID, j.FromSrc, j.ToSrc)
}

// JoinKey is the order-independent key of a source pair.
func JoinKey(a, b int) [2]int {
	if a > b {
		a, b = b, a
	}
	return [2]int{a, b}
}

// VersionKey renders a deterministic label for a set of version names.
func VersionKey(names []string) string {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	return strings.Join(sorted, ";")
}
