package manifest

import (
	"fmt"
	"sort"
)

// CycleError reports a dependency cycle involving the named module.
type CycleError struct {
	Module string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency involving module %q", e.Module)
}

// MissingDependencyError reports a declared dependency that is not present
// in the manifest set.
type MissingDependencyError struct {
	Module     string
	Dependency string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("module %q depends on %q, which is not installed", e.Module, e.Dependency)
}

// DuplicateError reports two manifests declaring the same module name.
type DuplicateError struct {
	Module string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate module name %q", e.Module)
}

// Resolve topologically orders manifests so that every module follows all
// of its declared dependencies. Dependencies are resolved over an
// index-based arena; among simultaneously ready modules the order is
// lexicographic by name, so resolution is deterministic across runs.
//
// Cycles and missing dependencies are rejected before any module is
// compiled.
func Resolve(manifests []*Manifest) ([]*Manifest, error) {
	index := make(map[string]int, len(manifests))
	for i, m := range manifests {
		if _, dup := index[m.Name]; dup {
			return nil, &DuplicateError{Module: m.Name}
		}
		index[m.Name] = i
	}

	// dependents[i] lists modules that must load after i.
	dependents := make([][]int, len(manifests))
	indegree := make([]int, len(manifests))
	for i, m := range manifests {
		for _, dep := range m.Dependencies {
			j, ok := index[dep]
			if !ok {
				return nil, &MissingDependencyError{Module: m.Name, Dependency: dep}
			}
			dependents[j] = append(dependents[j], i)
			indegree[i]++
		}
	}

	ready := make([]int, 0, len(manifests))
	for i, deg := range indegree {
		if deg == 0 {
			ready = append(ready, i)
		}
	}
	sortByName(manifests, ready)

	ordered := make([]*Manifest, 0, len(manifests))
	for len(ready) > 0 {
		i := ready[0]
		ready = ready[1:]
		ordered = append(ordered, manifests[i])

		var released []int
		for _, j := range dependents[i] {
			indegree[j]--
			if indegree[j] == 0 {
				released = append(released, j)
			}
		}
		if len(released) > 0 {
			sortByName(manifests, released)
			ready = merge(manifests, ready, released)
		}
	}

	if len(ordered) != len(manifests) {
		// Every remaining module sits on a cycle; report the
		// lexicographically first for a stable diagnostic.
		var stuck string
		for i, deg := range indegree {
			if deg > 0 && (stuck == "" || manifests[i].Name < stuck) {
				stuck = manifests[i].Name
			}
		}
		return nil, &CycleError{Module: stuck}
	}
	return ordered, nil
}

func sortByName(manifests []*Manifest, idx []int) {
	sort.Slice(idx, func(a, b int) bool {
		return manifests[idx[a]].Name < manifests[idx[b]].Name
	})
}

func merge(manifests []*Manifest, a, b []int) []int {
	out := make([]int, 0, len(a)+len(b))
	for len(a) > 0 && len(b) > 0 {
		if manifests[a[0]].Name < manifests[b[0]].Name {
			out = append(out, a[0])
			a = a[1:]
		} else {
			out = append(out, b[0])
			b = b[1:]
		}
	}
	out = append(out, a...)
	return append(out, b...)
}
