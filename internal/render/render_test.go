package render

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/flowd/internal/approval"
	"github.com/fyrsmithlabs/flowd/internal/events"
	"github.com/fyrsmithlabs/flowd/internal/execution"
	"github.com/fyrsmithlabs/flowd/internal/planner"
	"github.com/fyrsmithlabs/flowd/internal/workflow"
)

func TestFormatSeconds(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0.0s"},
		{12.34, "12.3s"},
		{90, "1m 30s"},
		{3725, "1h 2m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatSeconds(tt.in))
	}
}

func TestFormatCost(t *testing.T) {
	assert.Equal(t, "$0.00", FormatCost(0))
	assert.Equal(t, "$0.0015", FormatCost(0.0015))
	assert.Equal(t, "$1.25", FormatCost(1.25))
}

func TestFormatTime(t *testing.T) {
	assert.Equal(t, "-", FormatTime(time.Time{}))
}

func TestPrinter_Plan(t *testing.T) {
	spec, err := workflow.Parse([]byte(`
name: release
steps:
  - id: build
    estimated_duration_seconds: 30
  - id: docs
  - id: test
    depends_on: [build]
  - id: ship
    depends_on: [test, docs]
    requires_approval: true
`))
	require.NoError(t, err)
	plan, err := planner.New().Plan(spec)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, New(&buf).Plan(plan))
	out := buf.String()

	assert.Contains(t, out, "release")
	assert.Contains(t, out, "Steps: 4")
	assert.Contains(t, out, "1. build, docs")
	assert.Contains(t, out, "ship [gate]")
	assert.Contains(t, out, "Approval gates")
	// Plain output when the writer is not a terminal.
	assert.NotContains(t, out, "\x1b[")
}

func TestPrinter_Snapshot(t *testing.T) {
	snap := execution.Snapshot{
		WorkflowID:  "release",
		ExecutionID: "exec-1",
		Status:      execution.StatusFailed,
		StepResults: map[string]execution.StepResult{
			"test":  {StepID: "test", Status: execution.StepFailed, Error: "exit 1"},
			"build": {StepID: "build", Status: execution.StepCompleted},
			"ship":  {StepID: "ship", Status: execution.StepSkipped},
		},
		Errors: []execution.ErrorEntry{{StepID: "test", Message: "exit 1"}},
	}

	var buf bytes.Buffer
	require.NoError(t, New(&buf).Snapshot(snap))
	out := buf.String()

	assert.Contains(t, out, "✗ FAILED")
	assert.Contains(t, out, "[✓] build")
	assert.Contains(t, out, "[✗] test exit 1")
	assert.Contains(t, out, "[-] ship")
	assert.Contains(t, out, "test: exit 1")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("build")), bytes.Index(buf.Bytes(), []byte("[-] ship")))
}

func TestPrinter_Event(t *testing.T) {
	var buf bytes.Buffer
	p := New(&buf)

	require.NoError(t, p.Event(events.Event{Type: events.StepFailed, StepID: "test", Data: map[string]any{"error": "boom"}}))
	require.NoError(t, p.Event(events.Event{Type: events.ApprovalRejected, StepID: "ship", Data: map[string]any{"decided_by": "alice"}}))
	require.NoError(t, p.Event(events.Event{Type: events.ExecutionFinished, ExecutionID: "e1", Data: map[string]any{"status": "COMPLETED"}}))

	out := buf.String()
	assert.Contains(t, out, "✗ test (boom)")
	assert.Contains(t, out, "ship rejected (alice)")
	assert.Contains(t, out, "execution e1 finished ✓ COMPLETED")
}

func TestPrinter_Approval(t *testing.T) {
	var buf bytes.Buffer
	req := approval.Request{
		ID:                "appr-1",
		ExecutionID:       "exec-1",
		StepID:            "ship",
		RequiredApprovers: []string{"alice", "bob"},
		Priority:          workflow.PriorityHigh,
		Timeout:           time.Minute,
		CreatedAt:         time.Now(),
	}
	require.NoError(t, New(&buf).Approval(req))

	out := buf.String()
	assert.Contains(t, out, "Approval required appr-1")
	assert.Contains(t, out, "Step: ship")
	assert.Contains(t, out, "Approvers: alice, bob")
	assert.Contains(t, out, "Priority: high")
}
