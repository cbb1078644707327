package dependency

import (
	"sort"

	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/unit"
)

// Compare returns -1 when a must start before b, 1 when b must start
// before a and 0 when neither declares an ordering against the other.
// a starts first if b lists a in After= or a lists b in Before=.
func Compare(a, b *unit.Description) int {
	an, bn := a.Name(), b.Name()
	if contains(b.GetWords(unit.SectionUnit, "After"), an) || contains(a.GetWords(unit.SectionUnit, "Before"), bn) {
		return -1
	}
	if contains(a.GetWords(unit.SectionUnit, "After"), bn) || contains(b.GetWords(unit.SectionUnit, "Before"), an) {
		return 1
	}
	return 0
}

func contains(list []string, name string) bool {
	for _, item := range list {
		if item == name {
			return true
		}
	}
	return false
}

// Order returns the start order of a batch. Masked units are dropped.
//
// Each unit gets a rank that is raised until every unit that must start
// earlier ranks strictly higher than the units waiting for it. The batch is
// then sorted by descending rank, keeping input order for ties. A pairwise
// comparator sort would not do: the relation is not transitive over units
// that declare nothing against each other.
func Order(units []*unit.Description) []*unit.Description {
	items := make([]*unit.Description, 0, len(units))
	for _, u := range units {
		if u == nil || u.IsMasked() {
			continue
		}
		items = append(items, u)
	}

	n := len(items)
	rank := make([]int, n)
	for pass := 0; pass < n; pass++ {
		changed := false
		for a := 0; a < n; a++ {
			for b := 0; b < n; b++ {
				if a == b {
					continue
				}
				if Compare(items[a], items[b]) < 0 && rank[a] <= rank[b] {
					rank[a] = rank[b] + 1
					changed = true
				}
			}
		}
		if !changed {
			break
		}
	}

	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		return rank[idx[i]] > rank[idx[j]]
	})
	result := make([]*unit.Description, n)
	for i, k := range idx {
		result[i] = items[k]
	}
	return result
}

// OrderForStop returns the stop order of a batch: the start order of the
// reversed batch, reversed.
func OrderForStop(units []*unit.Description) []*unit.Description {
	return Reverse(Order(Reverse(units)))
}

// Reverse returns a reversed copy.
func Reverse(units []*unit.Description) []*unit.Description {
	result := make([]*unit.Description, len(units))
	for i, u := range units {
		result[len(units)-1-i] = u
	}
	return result
}

// Names maps descriptions to their unit names.
func Names(units []*unit.Description) []string {
	names := make([]string, len(units))
	for i, u := range units {
		names[i] = u.Name()
	}
	return names
}
