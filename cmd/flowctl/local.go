package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/flowd/internal/approval"
	"github.com/fyrsmithlabs/flowd/internal/dryrun"
	"github.com/fyrsmithlabs/flowd/internal/events"
	"github.com/fyrsmithlabs/flowd/internal/execution"
	"github.com/fyrsmithlabs/flowd/internal/logging"
	"github.com/fyrsmithlabs/flowd/internal/orchestrator"
	"github.com/fyrsmithlabs/flowd/internal/planner"
	"github.com/fyrsmithlabs/flowd/internal/render"
	"github.com/fyrsmithlabs/flowd/internal/workflow"
)

// loadAndPlan parses a workflow file and builds its plan.
func loadAndPlan(path string, logger *logging.Logger) (*workflow.Spec, *planner.Plan, error) {
	spec, err := workflow.LoadFile(path)
	if err != nil {
		return nil, nil, err
	}
	plan, err := planner.New(planner.WithLogger(logger)).Plan(spec)
	if err != nil {
		return nil, nil, err
	}
	return spec, plan, nil
}

func newValidateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow.yaml>",
		Short: "Validate a workflow definition",
		Long: `Parse a workflow definition and check its dependency graph.

Examples:
  # Validate a file
  flowctl validate release.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := opts.newLogger()
			if err != nil {
				return err
			}
			_, plan, err := loadAndPlan(args[0], logger)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			if opts.json {
				return outputJSON(cmd.OutOrStdout(), map[string]any{
					"valid":       true,
					"workflow":    plan.Workflow,
					"total_steps": plan.TotalSteps,
					"groups":      len(plan.Groups),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s is valid: %d steps in %d groups\n", plan.Workflow, plan.TotalSteps, len(plan.Groups))
			return nil
		},
	}
}

func newPlanCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <workflow.yaml>",
		Short: "Show the execution plan of a workflow",
		Long: `Show parallel groups, cost and time estimates, approval gates and
optimization suggestions for a workflow definition.

Examples:
  # Formatted plan
  flowctl plan release.yaml

  # Plan as JSON
  flowctl plan release.yaml --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := opts.newLogger()
			if err != nil {
				return err
			}
			_, plan, err := loadAndPlan(args[0], logger)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			if opts.json {
				return outputJSON(cmd.OutOrStdout(), plan)
			}
			return render.New(cmd.OutOrStdout()).Plan(plan)
		},
	}
}

// runFlags are the flags of the run command.
type runFlags struct {
	strategy      string
	response      string
	responsesFile string
	seed          int64
	minLatency    time.Duration
	maxLatency    time.Duration
	failureRate   float64

	inputs         map[string]string
	yolo           bool
	approver       string
	maxConcurrency int
	onError        string
	timeout        time.Duration
}

func newRunCmd(opts *options) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Run a workflow locally with the dry-run executor",
		Long: `Run a workflow in-process with simulated step results. Approval gates
prompt on the terminal unless --yolo is set.

Strategies:
  fixed  - every step returns --response
  echo   - every step returns its merged inputs
  random - seeded latency and failures (--seed, --min-latency, --max-latency, --failure-rate)
  file   - per-step results from --responses (YAML or JSON, "*" is the fallback)

Examples:
  # Echo inputs, approve gates interactively
  flowctl run release.yaml --input tag=v1.2.0

  # Chaos run without prompts
  flowctl run release.yaml --strategy random --failure-rate 0.2 --seed 7 --yolo`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runLocal(ctx, cmd, opts, f, args[0])
		},
	}

	cmd.Flags().StringVar(&f.strategy, "strategy", "echo", "dry-run strategy: fixed, echo, random or file")
	cmd.Flags().StringVar(&f.response, "response", "ok", "result of every step for the fixed strategy")
	cmd.Flags().StringVar(&f.responsesFile, "responses", "", "per-step results file for the file strategy")
	cmd.Flags().Int64Var(&f.seed, "seed", 1, "random strategy seed")
	cmd.Flags().DurationVar(&f.minLatency, "min-latency", 0, "random strategy minimum step latency")
	cmd.Flags().DurationVar(&f.maxLatency, "max-latency", 0, "random strategy maximum step latency")
	cmd.Flags().Float64Var(&f.failureRate, "failure-rate", 0, "random strategy failure probability (0-1)")
	cmd.Flags().StringToStringVar(&f.inputs, "input", nil, "execution input key=value (repeatable)")
	cmd.Flags().BoolVar(&f.yolo, "yolo", false, "auto-approve every approval gate")
	cmd.Flags().StringVar(&f.approver, "approver", os.Getenv("USER"), "identity used for interactive approvals")
	cmd.Flags().IntVar(&f.maxConcurrency, "max-concurrency", 4, "steps running at once")
	cmd.Flags().StringVar(&f.onError, "on-error", "abort", "policy for steps without on_error: abort or continue")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "execution timeout (0 disables)")
	return cmd
}

func runLocal(ctx context.Context, cmd *cobra.Command, opts *options, f *runFlags, path string) error {
	logger, err := opts.newLogger()
	if err != nil {
		return err
	}
	spec, plan, err := loadAndPlan(path, logger)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	onError := workflow.OnError(f.onError)
	if !onError.Valid() {
		return fmt.Errorf("--on-error must be abort or continue, got %q", f.onError)
	}
	strategy, err := dryrun.ParseStrategy(f.strategy)
	if err != nil {
		return err
	}
	exec, err := dryrun.New(dryrun.Config{
		Strategy:     strategy,
		Response:     f.response,
		ResponseFile: f.responsesFile,
		Seed:         f.seed,
		MinLatency:   f.minLatency,
		MaxLatency:   f.maxLatency,
		FailureRate:  f.failureRate,
	}, dryrun.WithLogger(logger))
	if err != nil {
		return err
	}

	bus := events.NewMemoryBus(256)
	sub, err := bus.Subscribe(nil)
	if err != nil {
		return err
	}
	defer sub.Close()

	approvals := approval.NewManager(
		approval.WithBus(bus),
		approval.WithLogger(logger),
		approval.WithYOLO(f.yolo),
		approval.WithSweepInterval(time.Second),
	)
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go func() { _ = approvals.Run(sweepCtx) }()

	engine := orchestrator.New(
		orchestrator.WithPlanner(planner.New(planner.WithLogger(logger))),
		orchestrator.WithApprovals(approvals),
		orchestrator.WithBus(bus),
		orchestrator.WithLogger(logger),
		orchestrator.WithConfig(orchestrator.Config{
			MaxConcurrency:   f.maxConcurrency,
			DefaultOnError:   onError,
			ExecutionTimeout: f.timeout,
		}),
	)

	inputs := make(map[string]any, len(f.inputs))
	for k, v := range f.inputs {
		inputs[k] = v
	}

	ectx, err := engine.Start(ctx, plan, spec, inputs, exec)
	if err != nil {
		return err
	}

	done := make(chan execution.Snapshot, 1)
	go func() {
		snap, _ := engine.Wait(context.WithoutCancel(ctx), ectx.ID())
		done <- snap
	}()

	out := cmd.OutOrStdout()
	printer := render.New(out)
	prompt := &prompter{in: bufio.NewReader(cmd.InOrStdin()), out: out, approver: f.approver, printer: printer}

	var snap execution.Snapshot
	interrupted := ctx.Done()
loop:
	for {
		select {
		case e := <-sub.C:
			if !opts.json {
				_ = printer.Event(e)
			}
			if e.Type == events.ApprovalRequested && !f.yolo {
				prompt.ask(ctx, engine, e.ApprovalID)
			}
		case <-interrupted:
			interrupted = nil
			_ = engine.Cancel(context.WithoutCancel(ctx), ectx.ID())
		case snap = <-done:
			break loop
		}
	}
	for drained := opts.json; !drained; {
		select {
		case e := <-sub.C:
			_ = printer.Event(e)
		default:
			drained = true
		}
	}

	if opts.json {
		if err := outputJSON(out, snap); err != nil {
			return err
		}
	} else if err := printer.Snapshot(snap); err != nil {
		return err
	}
	if snap.Status != execution.StatusCompleted {
		return fmt.Errorf("execution %s finished %s", snap.ExecutionID, snap.Status)
	}
	return nil
}

// prompter asks the operator to decide approval requests.
type prompter struct {
	in       *bufio.Reader
	out      io.Writer
	approver string
	printer  *render.Printer
}

// ask prompts for one request. Unauthorized or failed decisions leave the
// request pending until it times out.
func (p *prompter) ask(ctx context.Context, engine *orchestrator.Orchestrator, approvalID string) {
	req, err := engine.Approvals().Get(approvalID)
	if err != nil || req.Status != approval.StatusPending {
		return
	}
	_ = p.printer.Approval(req)
	fmt.Fprintf(p.out, "Approve step %s as %s? [y/N] ", req.StepID, p.approver)

	line, err := p.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		fmt.Fprintf(p.out, "\nfailed to read answer: %v\n", err)
		return
	}
	answer, comment, _ := strings.Cut(strings.TrimSpace(line), " ")

	switch strings.ToLower(answer) {
	case "y", "yes":
		err = engine.Approve(ctx, approvalID, p.approver, comment)
	default:
		err = engine.Reject(ctx, approvalID, p.approver, comment)
	}
	if err != nil {
		fmt.Fprintf(p.out, "decision not recorded: %v\n", err)
	}
}
