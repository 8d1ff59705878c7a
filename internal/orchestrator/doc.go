// Package orchestrator drives workflow executions.
//
// # Overview
//
// An Orchestrator takes a planned workflow and runs its execution groups in
// order. Each group is a hard barrier: the next group starts only after every
// step dispatched from the current one has settled.
//
//	group 0 -> barrier -> group 1 -> barrier -> ... -> COMPLETED
//
// Within a group, steps are handed to a StepExecutor through a pool bounded
// by Config.MaxConcurrency.
//
// # Failure handling
//
// A failing step follows its on_error policy:
//   - abort: the execution moves to FAILED at once. Nothing new is
//     dispatched; steps already in flight finish but their results are
//     discarded.
//   - continue: the failure is recorded and the run goes on. Steps that
//     depend directly on a failed or skipped step are marked skipped and
//     never run.
//
// # Approval gates
//
// A step with requires_approval creates an approval request and the run
// parks in AWAITING_APPROVAL until the request is decided. Approval executes
// the step; rejection or timeout fails it under its on_error policy.
// Cancelling a run withdraws its pending requests.
//
// # Cancellation and timeouts
//
// Cancel is cooperative. It is checked before each dispatch and at every
// barrier, so a run moves to CANCELLED once its current group settles. The
// optional execution timeout is enforced through the context deadline and
// moves the run to TIMEOUT at the next checkpoint.
//
// # Usage
//
//	orch := orchestrator.New(
//	    orchestrator.WithApprovals(approvals),
//	    orchestrator.WithBus(bus),
//	    orchestrator.WithConfig(orchestrator.Config{MaxConcurrency: 4}),
//	)
//	plan, err := orch.Plan(spec)
//	...
//	executor, err := dryrun.New(dryrun.Config{Strategy: dryrun.StrategyEcho})
//	...
//	run, err := orch.Execute(ctx, plan, spec, inputs, executor)
package orchestrator
