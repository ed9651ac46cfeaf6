// Package resolver orders artifacts so that every prerequisite is generated
// before its dependents. It is shared by the document package planner and the
// governance checklist builder.
package resolver

import "sort"

// Item is anything with an identity, prerequisites and a tie-break rank.
type Item[K comparable] interface {
	Key() K
	Prerequisites() []K
	Rank() int
}

// Order returns the items in dependency order: for every item whose
// prerequisite is present in the input, the prerequisite appears first. The
// result is always a permutation of the input. Within one ready batch, items
// are appended by ascending rank, stable on input position.
//
// When no remaining item is ready (a cycle, or a prerequisite that names a
// missing item), the remainder is appended in its current order and acyclic
// is false. A partial but deterministic order is preferable to blocking the
// pipeline; callers surface the warning.
func Order[K comparable, T Item[K]](items []T) (ordered []T, acyclic bool) {
	ordered = make([]T, 0, len(items))
	done := make(map[K]bool, len(items))
	remaining := make([]T, len(items))
	copy(remaining, items)

	for len(remaining) > 0 {
		var ready, blocked []T
		for _, it := range remaining {
			if prerequisitesMet(it, done) {
				ready = append(ready, it)
			} else {
				blocked = append(blocked, it)
			}
		}
		if len(ready) == 0 {
			// cycle or dangling prerequisite: force-drain deterministically
			ordered = append(ordered, remaining...)
			return ordered, false
		}
		sort.SliceStable(ready, func(i, j int) bool { return ready[i].Rank() < ready[j].Rank() })
		for _, it := range ready {
			done[it.Key()] = true
		}
		ordered = append(ordered, ready...)
		remaining = blocked
	}
	return ordered, true
}

func prerequisitesMet[K comparable, T Item[K]](it T, done map[K]bool) bool {
	for _, dep := range it.Prerequisites() {
		if !done[dep] {
			return false
		}
	}
	return true
}
