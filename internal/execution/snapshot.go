package execution

import (
	"maps"
	"slices"
	"time"
)

// Snapshot is an immutable copy of a Context, safe to serialise and share.
type Snapshot struct {
	WorkflowID       string                `json:"workflow_id"`
	ExecutionID      string                `json:"execution_id"`
	Status           Status                `json:"status"`
	CurrentStep      string                `json:"current_step,omitempty"`
	Inputs           map[string]any        `json:"inputs"`
	Outputs          map[string]any        `json:"outputs,omitempty"`
	StepResults      map[string]StepResult `json:"step_results"`
	Errors           []ErrorEntry          `json:"errors"`
	StartTime        time.Time             `json:"start_time,omitempty"`
	EndTime          time.Time             `json:"end_time,omitempty"`
	DurationSeconds  float64               `json:"duration_seconds"`
	Metadata         map[string]string     `json:"metadata,omitempty"`
	PendingApprovals []string              `json:"pending_approvals,omitempty"`
}

// Snapshot copies the current state. Maps are copied one level deep; step
// outputs are shared and must not be mutated by callers.
func (c *Context) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		WorkflowID:      c.workflowID,
		ExecutionID:     c.executionID,
		Status:          c.status,
		CurrentStep:     c.currentStep,
		Inputs:          maps.Clone(c.inputs),
		Outputs:         maps.Clone(c.outputs),
		StepResults:     maps.Clone(c.results),
		Errors:          append([]ErrorEntry{}, c.errors...),
		StartTime:       c.startTime,
		EndTime:         c.endTime,
		DurationSeconds: c.duration().Seconds(),
		Metadata:        maps.Clone(c.metadata),
	}
	if len(c.pending) > 0 {
		s.PendingApprovals = slices.Sorted(maps.Keys(c.pending))
	}
	return s
}

// Terminal reports whether the snapshot is in a terminal status.
func (s Snapshot) Terminal() bool { return s.Status.Terminal() }

// Duration returns the run duration at snapshot time.
func (s Snapshot) Duration() time.Duration {
	return time.Duration(s.DurationSeconds * float64(time.Second))
}
