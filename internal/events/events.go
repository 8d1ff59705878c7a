// Package events carries execution and approval notifications.
//
// Publishing never blocks the engine: the memory bus drops events for slow
// subscribers and the NATS bus hands messages to the client's async buffer.
package events

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type names an event.
type Type string

const (
	ApprovalRequested Type = "approval_requested"
	ApprovalGranted   Type = "approval_granted"
	ApprovalRejected  Type = "approval_rejected"
	ApprovalTimedOut  Type = "approval_timed_out"

	ExecutionStarted  Type = "execution_started"
	ExecutionFinished Type = "execution_finished"
	StepStarted       Type = "step_started"
	StepCompleted     Type = "step_completed"
	StepFailed        Type = "step_failed"
	StepSkipped       Type = "step_skipped"
)

// Event is one notification.
type Event struct {
	ID          string         `json:"id"`
	Type        Type           `json:"type"`
	ExecutionID string         `json:"execution_id,omitempty"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
	StepID      string         `json:"step_id,omitempty"`
	ApprovalID  string         `json:"approval_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data,omitempty"`
}

// Bus publishes events. Implementations must not block on slow consumers.
type Bus interface {
	Publish(ctx context.Context, e Event) error
}

// Subscriber hands out event streams.
type Subscriber interface {
	Subscribe(filter Filter) (*Subscription, error)
}

// Filter selects events for a subscription. A nil Filter accepts all.
type Filter func(Event) bool

// ForExecution accepts events of one execution.
func ForExecution(executionID string) Filter {
	return func(e Event) bool { return e.ExecutionID == executionID }
}

// OfType accepts events of the given types.
func OfType(types ...Type) Filter {
	return func(e Event) bool { return slices.Contains(types, e.Type) }
}

// All combines filters with logical AND.
func All(filters ...Filter) Filter {
	return func(e Event) bool {
		for _, f := range filters {
			if f != nil && !f(e) {
				return false
			}
		}
		return true
	}
}

func (f Filter) match(e Event) bool {
	return f == nil || f(e)
}

// Subscription is a stream of events. C is closed after Close.
type Subscription struct {
	C <-chan Event

	once    sync.Once
	cleanup func()
}

// Close stops delivery and closes C. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(s.cleanup)
}

// stamp fills ID and Timestamp when unset.
func stamp(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return e
}

// Nop discards events.
type Nop struct{}

// Publish implements Bus.
func (Nop) Publish(context.Context, Event) error { return nil }

type multi []Bus

// Multi publishes to every bus and joins their errors.
func Multi(buses ...Bus) Bus {
	out := make(multi, 0, len(buses))
	for _, b := range buses {
		if b != nil {
			out = append(out, b)
		}
	}
	return out
}

func (m multi) Publish(ctx context.Context, e Event) error {
	e = stamp(e)
	var errs []error
	for _, b := range m {
		if err := b.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
