// Package execution holds the per-run state of a workflow execution.
//
// A Context moves through a small state machine:
//
//	PENDING -> RUNNING <-> AWAITING_APPROVAL
//	RUNNING -> COMPLETED
//	RUNNING | AWAITING_APPROVAL -> FAILED
//	any non-terminal -> CANCELLED | TIMEOUT
//
// Terminal contexts reject every write with a *workflow.OrchestrationError.
package execution

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusPending          Status = "PENDING"
	StatusRunning          Status = "RUNNING"
	StatusAwaitingApproval Status = "AWAITING_APPROVAL"
	StatusCompleted        Status = "COMPLETED"
	StatusFailed           Status = "FAILED"
	StatusCancelled        Status = "CANCELLED"
	StatusTimeout          Status = "TIMEOUT"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// Active reports whether the execution is in flight.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusAwaitingApproval
}

// StepStatus is the outcome recorded for one step.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	// StepSkipped marks a step not run because a dependency failed or was
	// itself skipped.
	StepSkipped StepStatus = "skipped"
)
