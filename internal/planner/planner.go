// Package planner validates workflow dependency graphs and produces execution
// plans with parallel groups, cost and time estimates, and approval gates.
package planner

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/flowd/internal/logging"
	"github.com/fyrsmithlabs/flowd/internal/workflow"
)

// CostModel estimates the USD cost of a step by agent.
type CostModel struct {
	PerAgent map[string]float64 `json:"per_agent,omitempty"`
	Default  float64            `json:"default"`
}

// Cost returns the estimated cost of step. A step-level estimate wins over
// the agent table; unknown agents use Default.
func (m CostModel) Cost(step workflow.Step) float64 {
	if step.EstimatedCostUSD > 0 {
		return step.EstimatedCostUSD
	}
	if c, ok := m.PerAgent[step.Agent]; ok {
		return c
	}
	return m.Default
}

// DurationModel estimates the wall-clock seconds of a step by agent.
type DurationModel struct {
	PerAgent map[string]float64 `json:"per_agent,omitempty"`
	Default  float64            `json:"default"`
}

// Duration returns the estimated seconds for step, with the same lookup rules
// as CostModel.Cost.
func (m DurationModel) Duration(step workflow.Step) float64 {
	if step.EstimatedDurationSeconds > 0 {
		return step.EstimatedDurationSeconds
	}
	if d, ok := m.PerAgent[step.Agent]; ok {
		return d
	}
	return m.Default
}

const (
	defaultStepCostUSD      = 0.01
	defaultStepDurationSecs = 30
)

// Planner builds execution plans.
type Planner struct {
	costs     CostModel
	durations DurationModel
	logger    *logging.Logger
}

// Option configures a Planner.
type Option func(*Planner)

// WithCostModel sets the cost model.
func WithCostModel(m CostModel) Option {
	return func(p *Planner) { p.costs = m }
}

// WithDurationModel sets the duration model.
func WithDurationModel(m DurationModel) Option {
	return func(p *Planner) { p.durations = m }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Planner) { p.logger = l }
}

// New creates a Planner. Without options every step costs $0.01 and takes
// 30 seconds.
func New(opts ...Option) *Planner {
	p := &Planner{
		costs:     CostModel{Default: defaultStepCostUSD},
		durations: DurationModel{Default: defaultStepDurationSecs},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan validates spec and computes its execution plan. On error no partial
// plan is returned.
func (p *Planner) Plan(spec *workflow.Spec) (*Plan, error) {
	if spec == nil {
		return nil, &workflow.InvalidWorkflowError{Reason: "nil workflow spec"}
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	graph, err := NewDependencyGraph(spec.Steps)
	if err != nil {
		var iwe *workflow.InvalidWorkflowError
		if errors.As(err, &iwe) && iwe.Workflow == "" {
			iwe.Workflow = spec.Name
		}
		return nil, err
	}

	steps := make(map[string]workflow.Step, len(spec.Steps))
	for _, st := range spec.Steps {
		steps[st.ID] = st
	}

	plan := &Plan{
		Workflow:   spec.Name,
		TotalSteps: len(spec.Steps),
		graph:      graph,
	}

	durations := make(map[string]float64, len(spec.Steps))
	for _, ids := range graph.Groups() {
		var slowest float64
		for _, id := range ids {
			st := steps[id]
			d := p.durations.Duration(st)
			durations[id] = d
			slowest = math.Max(slowest, d)
			plan.EstimatedCostUSD += p.costs.Cost(st)
			if st.RequiresApproval {
				plan.ApprovalGates = append(plan.ApprovalGates, id)
			}
		}
		plan.Groups = append(plan.Groups, Group{Index: len(plan.Groups), StepIDs: ids, EstimatedSeconds: slowest})
		plan.EstimatedTimeSeconds += slowest
	}
	plan.EstimatedCostUSD = roundEstimate(plan.EstimatedCostUSD)
	plan.Suggestions = suggest(plan, graph, steps, durations)

	if p.logger != nil {
		p.logger.Debug(context.Background(), "workflow planned",
			zap.String("workflow", spec.Name),
			zap.Int("steps", plan.TotalSteps),
			zap.Int("groups", len(plan.Groups)),
			zap.Float64("estimated_cost_usd", plan.EstimatedCostUSD),
			zap.Float64("estimated_time_seconds", plan.EstimatedTimeSeconds),
		)
	}

	return plan, nil
}

// roundEstimate trims float accumulation noise from summed estimates.
func roundEstimate(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// Graph rebuilds a graph for a spec that was planned elsewhere.
func Graph(spec *workflow.Spec) (*DependencyGraph, error) {
	if spec == nil {
		return nil, fmt.Errorf("nil workflow spec")
	}
	return NewDependencyGraph(spec.Steps)
}
