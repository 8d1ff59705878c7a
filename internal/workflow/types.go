// Package workflow defines the declarative workflow model consumed by the
// planner and the orchestrator.
package workflow

import (
	"fmt"
	"slices"
)

// OnError selects how the engine reacts when a step fails.
type OnError string

const (
	// OnErrorAbort fails the whole execution (default).
	OnErrorAbort OnError = "abort"

	// OnErrorContinue isolates the failure to the step and its dependents.
	OnErrorContinue OnError = "continue"
)

// Valid reports whether the policy is known. Empty is not valid; defaults are
// applied at load time.
func (o OnError) Valid() bool {
	return o == OnErrorAbort || o == OnErrorContinue
}

// Priority ranks approval requests for display and triage.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether the priority is known.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// DefaultApprovalTimeoutSeconds applies when a gated step omits a timeout.
const DefaultApprovalTimeoutSeconds = 3600

// ApprovalConfig configures the approval gate of a step.
type ApprovalConfig struct {
	// RequiredApprovers restricts who may decide. Empty means anyone.
	RequiredApprovers []string `yaml:"required_approvers,omitempty" json:"required_approvers,omitempty"`
	TimeoutSeconds    int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Priority          Priority `yaml:"priority,omitempty" json:"priority,omitempty"`
}

// AllowsApprover reports whether approver may decide under this config.
func (c ApprovalConfig) AllowsApprover(approver string) bool {
	if len(c.RequiredApprovers) == 0 {
		return true
	}
	return slices.Contains(c.RequiredApprovers, approver)
}

// Step is a single unit of work in a workflow.
type Step struct {
	ID               string          `yaml:"id" json:"id"`
	Name             string          `yaml:"name,omitempty" json:"name,omitempty"`
	Agent            string          `yaml:"agent,omitempty" json:"agent,omitempty"`
	Prompt           string          `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	Inputs           map[string]any  `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	DependsOn        []string        `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	RequiresApproval bool            `yaml:"requires_approval,omitempty" json:"requires_approval,omitempty"`
	Approval         *ApprovalConfig `yaml:"approval_config,omitempty" json:"approval_config,omitempty"`
	OnError          OnError         `yaml:"on_error,omitempty" json:"on_error,omitempty"`

	// Planner overrides. Zero means "use the model".
	EstimatedDurationSeconds float64 `yaml:"estimated_duration_seconds,omitempty" json:"estimated_duration_seconds,omitempty"`
	EstimatedCostUSD         float64 `yaml:"estimated_cost_usd,omitempty" json:"estimated_cost_usd,omitempty"`
}

// DisplayName returns Name, falling back to ID.
func (s Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// ApprovalSettings returns the effective approval config with defaults applied.
func (s Step) ApprovalSettings() ApprovalConfig {
	cfg := ApprovalConfig{}
	if s.Approval != nil {
		cfg = *s.Approval
		cfg.RequiredApprovers = slices.Clone(s.Approval.RequiredApprovers)
	}
	if cfg.TimeoutSeconds == 0 {
		cfg.TimeoutSeconds = DefaultApprovalTimeoutSeconds
	}
	if cfg.Priority == "" {
		cfg.Priority = PriorityNormal
	}
	return cfg
}

// Spec is a declarative workflow definition.
type Spec struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Steps       []Step `yaml:"steps" json:"steps"`
}

// Step looks up a step by id.
func (s *Spec) Step(id string) (Step, bool) {
	for _, st := range s.Steps {
		if st.ID == id {
			return st, true
		}
	}
	return Step{}, false
}

// StepIDs returns step ids in declaration order.
func (s *Spec) StepIDs() []string {
	ids := make([]string, len(s.Steps))
	for i, st := range s.Steps {
		ids[i] = st.ID
	}
	return ids
}

// ApplyDefaults fills optional fields. It is idempotent. An unset on_error
// is left empty so the engine-wide default applies.
func (s *Spec) ApplyDefaults() {
	for i := range s.Steps {
		if s.Steps[i].RequiresApproval {
			cfg := s.Steps[i].ApprovalSettings()
			s.Steps[i].Approval = &cfg
		}
	}
}

// Validate performs field-level checks. Graph-level checks (unknown
// dependencies, duplicates, longer cycles) belong to the dependency graph.
// A step listing itself is reported as a one-member cycle.
func (s *Spec) Validate() error {
	if s.Name == "" {
		return &InvalidWorkflowError{Reason: "workflow name is required"}
	}
	if len(s.Steps) == 0 {
		return &InvalidWorkflowError{Workflow: s.Name, Reason: "workflow has no steps"}
	}
	for i, st := range s.Steps {
		if st.ID == "" {
			return &InvalidWorkflowError{Workflow: s.Name, Reason: fmt.Sprintf("step %d has no id", i)}
		}
		if st.OnError != "" && !st.OnError.Valid() {
			return &InvalidWorkflowError{
				Workflow: s.Name,
				StepID:   st.ID,
				Reason:   fmt.Sprintf("on_error must be %q or %q, got %q", OnErrorAbort, OnErrorContinue, st.OnError),
			}
		}
		for _, dep := range st.DependsOn {
			if dep == st.ID {
				return &CircularDependencyError{Members: []string{st.ID}}
			}
		}
		if st.Approval != nil {
			if st.Approval.TimeoutSeconds < 0 {
				return &InvalidWorkflowError{Workflow: s.Name, StepID: st.ID, Reason: "approval timeout_seconds must be >= 0"}
			}
			if st.Approval.Priority != "" && !st.Approval.Priority.Valid() {
				return &InvalidWorkflowError{Workflow: s.Name, StepID: st.ID, Reason: fmt.Sprintf("unknown approval priority %q", st.Approval.Priority)}
			}
		}
		if st.EstimatedDurationSeconds < 0 || st.EstimatedCostUSD < 0 {
			return &InvalidWorkflowError{Workflow: s.Name, StepID: st.ID, Reason: "estimates must be >= 0"}
		}
	}
	return nil
}
