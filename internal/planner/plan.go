package planner

import (
	"fmt"
	"slices"
	"sort"

	"github.com/fyrsmithlabs/flowd/internal/workflow"
)

// Group is a set of steps that may run concurrently.
type Group struct {
	Index            int      `json:"index"`
	StepIDs          []string `json:"step_ids"`
	EstimatedSeconds float64  `json:"estimated_seconds"`
}

// SuggestionKind classifies an optimization hint.
type SuggestionKind string

const (
	SuggestionMerge      SuggestionKind = "merge"
	SuggestionLongPole   SuggestionKind = "long_pole"
	SuggestionSequential SuggestionKind = "sequential"
)

// Suggestion is an advisory optimization hint. It never affects execution.
type Suggestion struct {
	Kind    SuggestionKind `json:"kind"`
	StepID  string         `json:"step_id,omitempty"`
	Group   int            `json:"group"`
	Message string         `json:"message"`
}

// Plan is the immutable execution plan of a workflow.
type Plan struct {
	Workflow             string       `json:"workflow"`
	TotalSteps           int          `json:"total_steps"`
	Groups               []Group      `json:"execution_groups"`
	EstimatedCostUSD     float64      `json:"estimated_cost_usd"`
	EstimatedTimeSeconds float64      `json:"estimated_time_seconds"`
	ApprovalGates        []string     `json:"approval_gates"`
	Suggestions          []Suggestion `json:"suggestions,omitempty"`

	graph *DependencyGraph
}

// StepGroups returns just the step ids of each group.
func (p *Plan) StepGroups() [][]string {
	out := make([][]string, len(p.Groups))
	for i, g := range p.Groups {
		out[i] = slices.Clone(g.StepIDs)
	}
	return out
}

// Graph returns the dependency graph the plan was built from. It is nil for
// plans decoded from JSON.
func (p *Plan) Graph() *DependencyGraph {
	return p.graph
}

// IsGate reports whether id is an approval gate.
func (p *Plan) IsGate(id string) bool {
	return slices.Contains(p.ApprovalGates, id)
}

// suggest derives advisory hints from the finished plan.
func suggest(plan *Plan, graph *DependencyGraph, steps map[string]workflow.Step, durations map[string]float64) []Suggestion {
	var out []Suggestion
	last := len(plan.Groups) - 1

	for _, g := range plan.Groups[:max(last, 0)] {
		for _, id := range g.StepIDs {
			if len(graph.Dependents(id)) == 0 && !steps[id].RequiresApproval {
				out = append(out, Suggestion{
					Kind:    SuggestionMerge,
					StepID:  id,
					Group:   g.Index,
					Message: fmt.Sprintf("step %s has no dependents and no approval gate; could be merged into group %d", id, last),
				})
			}
		}
	}

	for _, g := range plan.Groups {
		if len(g.StepIDs) < 2 {
			continue
		}
		ids := slices.Clone(g.StepIDs)
		sort.SliceStable(ids, func(i, j int) bool { return durations[ids[i]] > durations[ids[j]] })
		slowest, runnerUp := durations[ids[0]], durations[ids[1]]
		if runnerUp > 0 && slowest >= 2*runnerUp {
			out = append(out, Suggestion{
				Kind:    SuggestionLongPole,
				StepID:  ids[0],
				Group:   g.Index,
				Message: fmt.Sprintf("step %s (%.0fs) dominates group %d; next slowest takes %.0fs", ids[0], slowest, g.Index, runnerUp),
			})
		}
	}

	if len(plan.Groups) > 1 && len(plan.Groups) == plan.TotalSteps {
		out = append(out, Suggestion{
			Kind:    SuggestionSequential,
			Group:   -1,
			Message: "every group holds a single step; the workflow runs fully sequentially",
		})
	}

	return out
}
