package main

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/flowd/internal/approval"
	"github.com/fyrsmithlabs/flowd/internal/execution"
	httpapi "github.com/fyrsmithlabs/flowd/internal/http"
	"github.com/fyrsmithlabs/flowd/internal/logging"
	"github.com/fyrsmithlabs/flowd/internal/orchestrator"
	"github.com/fyrsmithlabs/flowd/internal/workflow"
)

type daemon struct {
	url    string
	engine *orchestrator.Orchestrator
	exec   orchestrator.StepExecutor
}

func startDaemon(t *testing.T) *daemon {
	t.Helper()
	engine := orchestrator.New()
	exec := orchestrator.StepExecutorFunc(func(_ context.Context, step workflow.Step, _, _ map[string]any) (any, error) {
		return "ran " + step.ID, nil
	})
	srv, err := httpapi.NewServer(engine, exec, logging.NewNop(), &httpapi.Config{Version: "test"})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Echo())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})
	return &daemon{url: ts.URL, engine: engine, exec: exec}
}

// startGated starts releaseWorkflow and waits for its approval request.
func (d *daemon) startGated(t *testing.T) (string, approval.Request) {
	t.Helper()
	spec, err := workflow.Parse([]byte(releaseWorkflow))
	require.NoError(t, err)
	plan, err := d.engine.Plan(spec)
	require.NoError(t, err)
	ectx, err := d.engine.Start(context.Background(), plan, spec, nil, d.exec)
	require.NoError(t, err)

	var req approval.Request
	require.Eventually(t, func() bool {
		reqs := d.engine.Approvals().List(approval.Filter{ExecutionID: ectx.ID(), Status: approval.StatusPending})
		if len(reqs) == 0 {
			return false
		}
		req = reqs[0]
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return ectx.ID(), req
}

func TestHealth(t *testing.T) {
	d := startDaemon(t)

	out, err := execute(t, nil, "health", "--server", d.url)
	require.NoError(t, err)
	assert.Contains(t, out, "Server Status: ok")
	assert.Contains(t, out, "Version: test")

	_, err = execute(t, nil, "health", "--server", "http://127.0.0.1:1")
	assert.Error(t, err)
}

func TestApprovalFlow(t *testing.T) {
	d := startDaemon(t)
	execID, req := d.startGated(t)

	out, err := execute(t, nil, "approvals", "--server", d.url, "--status", "pending", "--json")
	require.NoError(t, err)
	var listed []approval.Request
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, req.ID, listed[0].ID)

	out, err = execute(t, nil, "approvals", "--server", d.url, "--execution", execID)
	require.NoError(t, err)
	assert.Contains(t, out, "Approval required "+req.ID)

	_, err = execute(t, nil, "approve", req.ID, "--server", d.url)
	assert.ErrorContains(t, err, "--approver is required")

	out, err = execute(t, nil, "approve", req.ID, "--server", d.url, "--approver", "alice", "--comment", "ship it")
	require.NoError(t, err)
	assert.Contains(t, out, "is APPROVED")

	_, err = execute(t, nil, "reject", req.ID, "--server", d.url, "--approver", "bob")
	assert.ErrorContains(t, err, "status 409")

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = d.engine.Wait(waitCtx, execID)
	require.NoError(t, err)

	out, err = execute(t, nil, "status", execID, "--server", d.url, "--json")
	require.NoError(t, err)
	var snap execution.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Equal(t, execution.StatusCompleted, snap.Status)
	assert.Equal(t, "ran ship", snap.Outputs["ship"])

	out, err = execute(t, nil, "status", execID, "--server", d.url)
	require.NoError(t, err)
	assert.Contains(t, out, "[✓] ship")
}

func TestCancel(t *testing.T) {
	d := startDaemon(t)
	execID, _ := d.startGated(t)

	out, err := execute(t, nil, "cancel", execID, "--server", d.url)
	require.NoError(t, err)
	assert.Contains(t, out, "Cancellation requested for "+execID)

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := d.engine.Wait(waitCtx, execID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCancelled, snap.Status)

	_, err = execute(t, nil, "cancel", execID, "--server", d.url)
	assert.ErrorContains(t, err, "status 409")

	_, err = execute(t, nil, "status", "missing", "--server", d.url)
	assert.ErrorContains(t, err, "status 404")
}
