package facets

import (
	"strings"

	"github.com/rpattn/imgexplorer/internal/domain"
)

// Rule folds bucket values of one attribute into a canonical spelling.
// Variants lists explicit synonyms; CaseFold additionally folds any value that
// equals Canonical ignoring case. A rule with CaseFold and no Canonical
// upper-cases every value of the attribute.
type Rule struct {
	Attribute string   `mapstructure:"attribute" json:"attribute"`
	Canonical string   `mapstructure:"canonical" json:"canonical"`
	Variants  []string `mapstructure:"variants" json:"variants"`
	CaseFold  bool     `mapstructure:"case_fold" json:"case_fold"`
}

// Canonicalizer applies rules to facet buckets. It never mutates its input.
type Canonicalizer struct {
	rules map[string][]Rule
}

func NewCanonicalizer(rules []Rule) *Canonicalizer {
	c := &Canonicalizer{rules: map[string][]Rule{}}
	for _, r := range rules {
		c.rules[r.Attribute] = append(c.rules[r.Attribute], r)
	}
	return c
}

func (r Rule) target(value string) (string, bool) {
	if r.Canonical == "" {
		if r.CaseFold {
			return strings.ToUpper(value), true
		}
		return "", false
	}
	if value == r.Canonical {
		return "", false
	}
	for _, v := range r.Variants {
		if v == value {
			return r.Canonical, true
		}
	}
	if r.CaseFold && strings.EqualFold(value, r.Canonical) {
		return r.Canonical, true
	}
	return "", false
}

// Buckets returns a copy of buckets with variant keys folded into their
// canonical keys. Applying it twice yields the same result as applying it once.
func (c *Canonicalizer) Buckets(attr string, buckets domain.BucketCounts) domain.BucketCounts {
	rules := c.rules[attr]
	if len(rules) == 0 {
		return buckets.Clone()
	}
	out := make(domain.BucketCounts, len(buckets))
	for value, count := range buckets {
		key := value
		for _, r := range rules {
			if canonical, ok := r.target(value); ok {
				key = canonical
				break
			}
		}
		out[key] += count
	}
	return out
}

// Tree canonicalizes every facet of every source in tree.
func (c *Canonicalizer) Tree(tree domain.FacetTree) domain.FacetTree {
	if tree == nil {
		return nil
	}
	out := make(domain.FacetTree, len(tree))
	for key, src := range tree {
		folded := src.Clone()
		for name, buckets := range src.Facets {
			folded.Facets[name] = c.Buckets(name, buckets)
		}
		out[key] = folded
	}
	return out
}
