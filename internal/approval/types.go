// Package approval implements human-in-the-loop approval gates.
//
// A Request is created PENDING and transitions exactly once to APPROVED,
// REJECTED or TIMED_OUT. Every transition happens under the request's own
// lock, so an approver, the timeout sweep and a cancelling run can race
// without double decisions: the first one wins and the others get an
// AlreadyDecidedError.
package approval

import (
	"slices"
	"time"

	"github.com/fyrsmithlabs/flowd/internal/workflow"
)

// Status is the state of a request.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusTimedOut Status = "TIMED_OUT"
)

// Terminal reports whether the request has been decided.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// System deciders.
const (
	DecidedByYOLO    = "system:yolo"
	DecidedByCancel  = "system:cancel"
	DecidedByTimeout = "system:timeout"
)

// Request is an approval request for one step of one execution.
type Request struct {
	ID                string            `json:"id"`
	ExecutionID       string            `json:"execution_id"`
	StepID            string            `json:"step_id"`
	RequiredApprovers []string          `json:"required_approvers,omitempty"`
	Timeout           time.Duration     `json:"-"`
	TimeoutSeconds    int               `json:"timeout_seconds"`
	Priority          workflow.Priority `json:"priority"`
	Status            Status            `json:"status"`
	DecidedBy         string            `json:"decided_by,omitempty"`
	DecidedAt         time.Time         `json:"decided_at,omitempty"`
	Comment           string            `json:"comment,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

// ExpiresAt is when a pending request times out.
func (r Request) ExpiresAt() time.Time {
	return r.CreatedAt.Add(r.Timeout)
}

// Err converts a decided request into the error a gated step fails with.
// Approved and pending requests yield nil.
func (r Request) Err() error {
	switch r.Status {
	case StatusRejected:
		return &RejectedError{ID: r.ID, StepID: r.StepID, DecidedBy: r.DecidedBy, Comment: r.Comment}
	case StatusTimedOut:
		return &TimeoutError{ID: r.ID, StepID: r.StepID, Timeout: r.Timeout}
	}
	return nil
}

func (r Request) clone() Request {
	r.RequiredApprovers = slices.Clone(r.RequiredApprovers)
	return r
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Status      Status
	ExecutionID string
}

func (f Filter) match(r Request) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.ExecutionID != "" && r.ExecutionID != f.ExecutionID {
		return false
	}
	return true
}
