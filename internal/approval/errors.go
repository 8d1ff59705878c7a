package approval

import (
	"fmt"
	"strings"
	"time"
)

// NotFoundError reports an unknown approval id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("approval %s not found", e.ID)
}

// AlreadyDecidedError reports a decision on a request that is no longer
// pending.
type AlreadyDecidedError struct {
	ID        string
	Status    Status
	DecidedBy string
}

func (e *AlreadyDecidedError) Error() string {
	return fmt.Sprintf("approval %s already decided: %s by %s", e.ID, e.Status, e.DecidedBy)
}

// UnauthorizedError reports an approver outside the required set.
type UnauthorizedError struct {
	ID       string
	Approver string
	Required []string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("approver %q is not allowed to decide approval %s (required: %s)",
		e.Approver, e.ID, strings.Join(e.Required, ", "))
}

// TimeoutError reports a request that was not decided in time.
type TimeoutError struct {
	ID      string
	StepID  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("approval %s for step %s timed out after %s", e.ID, e.StepID, e.Timeout)
}

// RejectedError reports a rejected request.
type RejectedError struct {
	ID        string
	StepID    string
	DecidedBy string
	Comment   string
}

func (e *RejectedError) Error() string {
	msg := fmt.Sprintf("approval %s for step %s rejected by %s", e.ID, e.StepID, e.DecidedBy)
	if e.Comment != "" {
		msg += ": " + e.Comment
	}
	return msg
}
