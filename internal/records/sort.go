package records

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rpattn/imgexplorer/internal/backend"
	"github.com/rpattn/imgexplorer/internal/domain"
)

// listFields are columns stored as arrays that are presented as their first
// element.
var listFields = []string{"SeriesNumber"}

// StableSort orders docs by exactly keys, in order. Docs that compare equal
// on every key keep their input order. NULLs sort first ascending.
func StableSort(docs []domain.Record, keys []domain.SortKey) {
	if len(keys) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, key := range keys {
			c := compareValues(docs[i][key.Field], docs[j][key.Field])
			if c == 0 {
				continue
			}
			if key.Desc() {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func compareValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	fa, okA := number(a)
	fb, okB := number(b)
	if okA && okB {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}

// unwrapLists replaces array values of listFields with their first element,
// or "None" when empty.
func unwrapLists(doc domain.Record) {
	for _, name := range listFields {
		v, ok := doc[name]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case []any:
			doc[name] = domain.NoneValue
			if len(t) > 0 {
				doc[name] = t[0]
			}
		case []string:
			doc[name] = domain.NoneValue
			if len(t) > 0 {
				doc[name] = t[0]
			}
		}
	}
}

// normalizing applies unwrapLists to every row of a warehouse iterator.
type normalizing struct {
	backend.RowIterator
}

func (n *normalizing) Record() domain.Record {
	rec := n.RowIterator.Record()
	unwrapLists(rec)
	return rec
}
