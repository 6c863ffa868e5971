package query

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rpattn/imgexplorer/internal/domain"
)

// NoneBucket labels the bucket holding null values.
const NoneBucket = "none"

const maxBucketsPerRange = 10000

// Bucket is one labelled interval of a continuous attribute. A nil bound is
// open. The None bucket matches only missing values.
type Bucket struct {
	Label    string
	Lower    *float64
	Upper    *float64
	IncLower bool
	IncUpper bool
	None     bool
}

// Matches reports whether v falls inside the bucket. A nil v is a null value.
func (b Bucket) Matches(v *float64) bool {
	if b.None || v == nil {
		return b.None && v == nil
	}
	if b.Lower != nil {
		if *v < *b.Lower || (*v == *b.Lower && !b.IncLower) {
			return false
		}
	}
	if b.Upper != nil {
		if *v > *b.Upper || (*v == *b.Upper && !b.IncUpper) {
			return false
		}
	}
	return true
}

// Node returns the bucket as a predicate on col.
func (b Bucket) Node(col Col) Node {
	if b.None {
		return IsNull{Col: col}
	}
	r := Range{Col: col, IncLower: b.IncLower, IncUpper: b.IncUpper}
	if b.Lower != nil {
		r.Lower = *b.Lower
	}
	if b.Upper != nil {
		r.Upper = *b.Upper
	}
	return r
}

// BuildBuckets expands range specs into ordered buckets. An iterated range
// steps from First to Last by Gap, with the final step clamped to Last;
// unbounded ranges add catch-alls below First and above Last. Shared
// boundaries belong to exactly one neighbour, so the buckets of an unbounded
// range partition the number line.
func BuildBuckets(ranges []domain.AttributeRange, includeNone bool) ([]Bucket, error) {
	var out []Bucket
	for _, r := range ranges {
		var (
			buckets []Bucket
			err     error
		)
		if r.Iterated() {
			buckets, err = iterate(r)
		} else {
			buckets, err = single(r)
		}
		if err != nil {
			return nil, fmt.Errorf("range %d: %w", r.ID, err)
		}
		out = append(out, buckets...)
	}
	if includeNone {
		out = append(out, Bucket{Label: NoneBucket, None: true})
	}
	return out, nil
}

func single(r domain.AttributeRange) ([]Bucket, error) {
	first, firstOpen, err := parseBound(r.First)
	if err != nil {
		return nil, err
	}
	last, lastOpen, err := parseBound(r.Last)
	if err != nil {
		return nil, err
	}
	b := Bucket{Label: r.Label, IncLower: r.IncludeLower, IncUpper: r.IncludeUpper}
	if !firstOpen {
		b.Lower = &first
	}
	if !lastOpen {
		b.Upper = &last
	}
	if b.Label == "" {
		b.Label = formatBound(r.First, first, firstOpen, r.Type) + " TO " + formatBound(r.Last, last, lastOpen, r.Type)
	}
	return []Bucket{b}, nil
}

func iterate(r domain.AttributeRange) ([]Bucket, error) {
	first, firstOpen, err := parseBound(r.First)
	if err != nil {
		return nil, err
	}
	last, lastOpen, err := parseBound(r.Last)
	if err != nil {
		return nil, err
	}
	if firstOpen || lastOpen {
		return nil, fmt.Errorf("iterated range needs numeric first and last, got %q and %q", r.First, r.Last)
	}
	gap, err := strconv.ParseFloat(strings.TrimSpace(r.Gap), 64)
	if err != nil || gap <= 0 {
		return nil, fmt.Errorf("invalid gap %q", r.Gap)
	}
	if r.Type == domain.RangeTypeInt {
		first, last, gap = math.Trunc(first), math.Trunc(last), math.Trunc(gap)
		if gap == 0 {
			return nil, fmt.Errorf("integer gap %q truncates to zero", r.Gap)
		}
	}
	if (last-first)/gap > maxBucketsPerRange {
		return nil, fmt.Errorf("range %s..%s by %s yields too many buckets", r.First, r.Last, r.Gap)
	}

	label := func(lo, hi *float64) string {
		return fmtNum(lo, r.Type) + " TO " + fmtNum(hi, r.Type)
	}

	var out []Bucket
	if r.Unbounded {
		upper := first
		out = append(out, Bucket{Label: label(nil, &upper), Upper: &upper, IncUpper: !r.IncludeLower})
	}
	incLower := r.IncludeLower
	for i := 0; ; i++ {
		lower := first + float64(i)*gap
		if lower >= last {
			break
		}
		upper := math.Min(first+float64(i+1)*gap, last)
		lo, hi := lower, upper
		out = append(out, Bucket{Label: label(&lo, &hi), Lower: &lo, Upper: &hi, IncLower: incLower, IncUpper: r.IncludeUpper})
		incLower = !r.IncludeUpper
	}
	if r.Unbounded {
		lower := last
		out = append(out, Bucket{Label: label(&lower, nil), Lower: &lower, IncLower: !r.IncludeUpper})
	}
	return out, nil
}

// RenderCase renders buckets as a single SQL CASE expression mapping col to
// bucket labels. Bounds come from the catalog, not from user input, and are
// inlined.
func RenderCase(col Col, buckets []Bucket) string {
	var sb strings.Builder
	sb.WriteString("(CASE")
	name := col.Qualified()
	for _, b := range buckets {
		sb.WriteString(" WHEN ")
		sb.WriteString(caseCondition(name, b))
		sb.WriteString(" THEN '")
		sb.WriteString(strings.ReplaceAll(b.Label, "'", "''"))
		sb.WriteString("'")
	}
	sb.WriteString(" END)")
	return sb.String()
}

func caseCondition(col string, b Bucket) string {
	if b.None {
		return col + " IS NULL"
	}
	var parts []string
	if b.Lower != nil {
		op := ">"
		if b.IncLower {
			op = ">="
		}
		parts = append(parts, fmt.Sprintf("%s %s %s", col, op, strconv.FormatFloat(*b.Lower, 'f', -1, 64)))
	}
	if b.Upper != nil {
		op := "<"
		if b.IncUpper {
			op = "<="
		}
		parts = append(parts, fmt.Sprintf("%s %s %s", col, op, strconv.FormatFloat(*b.Upper, 'f', -1, 64)))
	}
	if len(parts) == 0 {
		return col + " IS NOT NULL"
	}
	return strings.Join(parts, " AND ")
}

// SolrQuery renders the bucket as a document-index query on field.
func (b Bucket) SolrQuery(field string) string {
	return RenderSolr(b.Node(Col{Name: field}))
}

func parseBound(s string) (float64, bool, error) {
	s = strings.TrimSpace(s)
	if s == "*" || s == "" {
		return 0, true, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid bound %q", s)
	}
	return v, false, nil
}

func formatBound(raw string, v float64, open bool, t domain.RangeType) string {
	if open {
		return "*"
	}
	if t == domain.RangeTypeInt || t == domain.RangeTypeFloat {
		return fmtNum(&v, t)
	}
	return strings.TrimSpace(raw)
}

func fmtNum(v *float64, t domain.RangeType) string {
	if v == nil {
		return "*"
	}
	if t == domain.RangeTypeInt {
		return strconv.FormatInt(int64(*v), 10)
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
