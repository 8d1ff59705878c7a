package workflow

import (
	"fmt"
	"strings"
)

// InvalidWorkflowError reports a malformed workflow definition. It is fatal at
// plan time; no execution is attempted.
type InvalidWorkflowError struct {
	Workflow string
	StepID   string
	Reason   string
}

// Error implements the error interface
func (e *InvalidWorkflowError) Error() string {
	var b strings.Builder
	b.WriteString("invalid workflow")
	if e.Workflow != "" {
		fmt.Fprintf(&b, " %q", e.Workflow)
	}
	if e.StepID != "" {
		fmt.Fprintf(&b, " (step %s)", e.StepID)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

// CircularDependencyError reports a dependency cycle. Members lists the cycle
// starting at its smallest id; each member depends on the next one and the
// last depends on the first.
type CircularDependencyError struct {
	Members []string
}

// Error implements the error interface
func (e *CircularDependencyError) Error() string {
	if len(e.Members) == 0 {
		return "circular dependency detected"
	}
	chain := append(append([]string{}, e.Members...), e.Members[0])
	return "circular dependency detected: " + strings.Join(chain, " -> ")
}

// Unwrap lets errors.As match a cycle as an InvalidWorkflowError.
func (e *CircularDependencyError) Unwrap() error {
	return &InvalidWorkflowError{Reason: "dependency graph contains a cycle"}
}

// StepExecutionError wraps a step failure. Whether it fails the execution
// depends on the step's on_error policy.
type StepExecutionError struct {
	StepID string
	Cause  error
}

// Error implements the error interface
func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.StepID, e.Cause)
}

// Unwrap allows errors.Is and errors.As to reach the cause
func (e *StepExecutionError) Unwrap() error {
	return e.Cause
}

// OrchestrationError reports an engine invariant violation such as writing to
// a terminal execution. It indicates a bug, not a recoverable condition.
type OrchestrationError struct {
	Operation string
	Reason    string
}

// Error implements the error interface
func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("orchestration error in %s: %s", e.Operation, e.Reason)
}
