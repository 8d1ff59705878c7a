package planner

import (
	"fmt"
	"slices"
	"sort"

	"github.com/fyrsmithlabs/flowd/internal/workflow"
)

// DependencyGraph is the validated DAG of a workflow's steps. It is immutable
// once built and safe for concurrent reads.
type DependencyGraph struct {
	order        []string            // declaration order
	index        map[string]int      // id -> declaration index
	dependencies map[string][]string // step -> steps it depends on
	dependents   map[string][]string // step -> steps that depend on it
	groups       [][]string
}

// NewDependencyGraph validates steps and computes parallel groups.
//
// Unknown dependencies and duplicate ids yield *workflow.InvalidWorkflowError.
// A cycle yields *workflow.CircularDependencyError.
func NewDependencyGraph(steps []workflow.Step) (*DependencyGraph, error) {
	g := &DependencyGraph{
		order:        make([]string, 0, len(steps)),
		index:        make(map[string]int, len(steps)),
		dependencies: make(map[string][]string, len(steps)),
		dependents:   make(map[string][]string, len(steps)),
	}

	for i, st := range steps {
		if _, dup := g.index[st.ID]; dup {
			return nil, &workflow.InvalidWorkflowError{StepID: st.ID, Reason: fmt.Sprintf("duplicate step id %q", st.ID)}
		}
		g.index[st.ID] = i
		g.order = append(g.order, st.ID)
	}

	for _, st := range steps {
		seen := make(map[string]bool, len(st.DependsOn))
		for _, dep := range st.DependsOn {
			if _, ok := g.index[dep]; !ok {
				return nil, &workflow.InvalidWorkflowError{
					StepID: st.ID,
					Reason: fmt.Sprintf("step %s depends on non-existent step %s", st.ID, dep),
				}
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			g.dependencies[st.ID] = append(g.dependencies[st.ID], dep)
			g.dependents[dep] = append(g.dependents[dep], st.ID)
		}
	}

	groups, remaining := g.layer()
	if len(remaining) > 0 {
		return nil, &workflow.CircularDependencyError{Members: g.findCycle(remaining)}
	}
	g.groups = groups

	return g, nil
}

// layer runs Kahn's algorithm one wave at a time. Each wave is a group.
// Nodes left over belong to, or hang off, a cycle.
func (g *DependencyGraph) layer() ([][]string, map[string]bool) {
	inDegree := make(map[string]int, len(g.order))
	for _, id := range g.order {
		inDegree[id] = len(g.dependencies[id])
	}

	var groups [][]string
	var wave []string
	for _, id := range g.order {
		if inDegree[id] == 0 {
			wave = append(wave, id)
		}
	}

	processed := 0
	for len(wave) > 0 {
		groups = append(groups, wave)
		processed += len(wave)

		var next []string
		for _, id := range wave {
			for _, dependent := range g.dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		g.sortByDeclaration(next)
		wave = next
	}

	remaining := make(map[string]bool, len(g.order)-processed)
	for id, deg := range inDegree {
		if deg > 0 {
			remaining[id] = true
		}
	}
	return groups, remaining
}

// findCycle walks dependency edges among the remaining nodes, starting from
// the smallest id and always following the smallest remaining dependency.
// Every remaining node has a remaining dependency, so the walk must revisit a
// node; the revisited segment is the cycle.
func (g *DependencyGraph) findCycle(remaining map[string]bool) []string {
	ids := make([]string, 0, len(remaining))
	for id := range remaining {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	pos := make(map[string]int)
	var path []string
	current := ids[0]
	for {
		if at, seen := pos[current]; seen {
			return rotateToMin(path[at:])
		}
		pos[current] = len(path)
		path = append(path, current)

		var candidates []string
		for _, dep := range g.dependencies[current] {
			if remaining[dep] {
				candidates = append(candidates, dep)
			}
		}
		sort.Strings(candidates)
		current = candidates[0]
	}
}

func rotateToMin(cycle []string) []string {
	minAt := 0
	for i, id := range cycle {
		if id < cycle[minAt] {
			minAt = i
		}
	}
	out := make([]string, 0, len(cycle))
	out = append(out, cycle[minAt:]...)
	return append(out, cycle[:minAt]...)
}

func (g *DependencyGraph) sortByDeclaration(ids []string) {
	sort.Slice(ids, func(i, j int) bool { return g.index[ids[i]] < g.index[ids[j]] })
}

// Groups returns the parallel execution groups in order.
func (g *DependencyGraph) Groups() [][]string {
	out := make([][]string, len(g.groups))
	for i, grp := range g.groups {
		out[i] = slices.Clone(grp)
	}
	return out
}

// TopologicalOrder returns every step id with dependencies first.
func (g *DependencyGraph) TopologicalOrder() []string {
	out := make([]string, 0, len(g.order))
	for _, grp := range g.groups {
		out = append(out, grp...)
	}
	return out
}

// Dependencies returns the direct dependencies of id.
func (g *DependencyGraph) Dependencies(id string) []string {
	return slices.Clone(g.dependencies[id])
}

// Dependents returns the steps that directly depend on id.
func (g *DependencyGraph) Dependents(id string) []string {
	return slices.Clone(g.dependents[id])
}

// TransitiveDependents returns every step that depends on id directly or
// indirectly, in declaration order.
func (g *DependencyGraph) TransitiveDependents(id string) []string {
	seen := make(map[string]bool)
	stack := slices.Clone(g.dependents[id])
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, g.dependents[n]...)
	}

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	g.sortByDeclaration(out)
	return out
}

// GroupOf returns the group index containing id, or -1.
func (g *DependencyGraph) GroupOf(id string) int {
	for i, grp := range g.groups {
		if slices.Contains(grp, id) {
			return i
		}
	}
	return -1
}

// Len returns the number of steps.
func (g *DependencyGraph) Len() int {
	return len(g.order)
}
