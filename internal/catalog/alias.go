package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rpattn/imgexplorer/internal/domain"
)

var aliasReplacer = strings.NewReplacer("-", "_", "/", "_")

// Alias derives a query identifier from a source name: the last dotted
// component, lower-cased, with dashes and slashes replaced.
func Alias(name string) string {
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		name = name[idx+1:]
	}
	name = strings.Trim(strings.TrimSpace(name), "`")
	return aliasReplacer.Replace(strings.ToLower(name))
}

// AliasesFor assigns each source a unique alias. Colliding aliases get a
// numeric suffix in source ID order.
func AliasesFor(sources []domain.DataSource) map[int]string {
	ordered := append([]domain.DataSource(nil), sources...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })
	out := make(map[int]string, len(ordered))
	used := map[string]bool{}
	for _, src := range ordered {
		base := Alias(src.Name)
		alias := base
		for n := 2; used[alias]; n++ {
			alias = fmt.Sprintf("%s_%d", base, n)
		}
		used[alias] = true
		out[src.ID] = alias
	}
	return out
}
