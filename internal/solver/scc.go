package solver

import (
	"sort"

	"github.com/apexpm/apex/internal/model"
)

// batchSCC partitions pinned into strongly-connected components of the
// deps graph and returns them in dependency order: every package in a
// batch's Depends/Pre-Depends outside that batch appears in an earlier
// batch. Packages inside one SCC form a dependency cycle and are
// returned together so the installer can stage and commit them as one
// atomic batch.
func batchSCC(pinned map[model.PackageName]model.PackageRecord, deps map[model.PackageName][]model.PackageName) ([][]model.PackageName, error) {
	names := make([]model.PackageName, 0, len(pinned))
	for n := range pinned {
		names = append(names, n)
	}

	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	t := &tarjan{
		deps:    deps,
		index:   make(map[model.PackageName]int),
		lowlink: make(map[model.PackageName]int),
		onStack: make(map[model.PackageName]bool),
	}

	for _, n := range names {
		if _, visited := t.index[n]; !visited {
			t.strongConnect(n)
		}
	}

	// Tarjan finishes a component only after every component it depends
	// on, so t.components is already in dependency-first order.
	for _, comp := range t.components {
		sort.Slice(comp, func(i, j int) bool { return comp[i] < comp[j] })
	}

	return t.components, nil
}

type tarjan struct {
	deps    map[model.PackageName][]model.PackageName
	index   map[model.PackageName]int
	lowlink map[model.PackageName]int
	onStack map[model.PackageName]bool
	stack   []model.PackageName
	counter int

	components [][]model.PackageName
}

func (t *tarjan) strongConnect(v model.PackageName) {
	t.index[v] = t.counter
	t.lowlink[v] = t.counter
	t.counter++

	t.stack = append(t.stack, v)
	t.onStack[v] = true

	for _, w := range t.deps[v] {
		if _, visited := t.index[w]; !visited {
			t.strongConnect(w)

			if t.lowlink[w] < t.lowlink[v] {
				t.lowlink[v] = t.lowlink[w]
			}
		} else if t.onStack[w] {
			if t.index[w] < t.lowlink[v] {
				t.lowlink[v] = t.index[w]
			}
		}
	}

	if t.lowlink[v] != t.index[v] {
		return
	}

	var comp []model.PackageName

	for {
		n := len(t.stack) - 1
		w := t.stack[n]
		t.stack = t.stack[:n]
		t.onStack[w] = false
		comp = append(comp, w)

		if w == v {
			break
		}
	}

	t.components = append(t.components, comp)
}
