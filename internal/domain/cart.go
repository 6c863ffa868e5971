package domain

// CartLevel is the aggregation granularity a cart partition resolves at.
type CartLevel string

const (
	CartLevelStudy  CartLevel = "study"
	CartLevelSeries CartLevel = "series"
)

// DefaultCartHierarchy names the ID columns from collection down to series.
var DefaultCartHierarchy = []string{"collection_id", "PatientID", "StudyInstanceUID", "SeriesInstanceUID"}

// CartPartition is one leaf of a cart selection: an ID path from the collection
// downward, the IDs of excluded children one level below the path, and the
// indices of the filter groups that constrain it.
type CartPartition struct {
	ID      []string `json:"id" validate:"required,min=1,max=4,dive,required"`
	Not     []string `json:"not"`
	Filters []int    `json:"filt"`
}

// FilterGroup is a shared filter predicate a partition may reference. Groups
// marked Not are subtracted instead of intersected.
type FilterGroup struct {
	Filters FilterSet `json:"filters"`
	Not     bool      `json:"not"`
}
