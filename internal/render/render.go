package render

import (
	"fmt"
	"slices"
	"strings"

	"github.com/fyrsmithlabs/flowd/internal/approval"
	"github.com/fyrsmithlabs/flowd/internal/events"
	"github.com/fyrsmithlabs/flowd/internal/execution"
	"github.com/fyrsmithlabs/flowd/internal/planner"
)

// Plan writes the execution plan: groups, estimates, gates and suggestions.
func (p *Printer) Plan(plan *planner.Plan) error {
	s := p.styles
	var b strings.Builder

	b.WriteString(s.header.Render(plan.Workflow) + "\n")
	fmt.Fprintf(&b, "%s%s  %s%s  %s%s\n",
		s.label.Render("Steps: "), s.value.Render(fmt.Sprint(plan.TotalSteps)),
		s.label.Render("Time: "), s.value.Render(FormatSeconds(plan.EstimatedTimeSeconds)),
		s.label.Render("Cost: "), s.value.Render(FormatCost(plan.EstimatedCostUSD)))

	b.WriteString("\n" + s.section.Render("┃ Execution groups") + "\n")
	for _, g := range plan.Groups {
		ids := make([]string, len(g.StepIDs))
		for i, id := range g.StepIDs {
			ids[i] = id
			if plan.IsGate(id) {
				ids[i] = id + s.warn.Render(" [gate]")
			}
		}
		fmt.Fprintf(&b, "  %s %s %s\n",
			s.label.Render(fmt.Sprintf("%d.", g.Index+1)),
			strings.Join(ids, ", "),
			s.dim.Render("~"+FormatSeconds(g.EstimatedSeconds)))
	}

	if len(plan.ApprovalGates) > 0 {
		b.WriteString("\n" + s.section.Render("┃ Approval gates") + "\n")
		for _, id := range plan.ApprovalGates {
			b.WriteString("  " + s.warn.Render("⚠ ") + id + "\n")
		}
	}

	if len(plan.Suggestions) > 0 {
		b.WriteString("\n" + s.section.Render("┃ Suggestions") + "\n")
		for _, sg := range plan.Suggestions {
			b.WriteString("  " + s.dim.Render("• ") + sg.Message + "\n")
		}
	}

	_, err := fmt.Fprintln(p.w, s.box.Render(strings.TrimRight(b.String(), "\n")))
	return err
}

// Snapshot writes the state of an execution with one line per step.
func (p *Printer) Snapshot(snap execution.Snapshot) error {
	s := p.styles
	var b strings.Builder

	b.WriteString(s.header.Render(snap.WorkflowID) + " " + s.dim.Render(snap.ExecutionID) + "\n")
	fmt.Fprintf(&b, "%s%s  %s%s  %s%s\n",
		s.label.Render("Status: "), p.status(snap.Status),
		s.label.Render("Started: "), s.value.Render(FormatTime(snap.StartTime)),
		s.label.Render("Duration: "), s.value.Render(FormatSeconds(snap.DurationSeconds)))

	ids := make([]string, 0, len(snap.StepResults))
	for id := range snap.StepResults {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	if len(ids) > 0 {
		b.WriteString("\n" + s.section.Render("┃ Steps") + "\n")
	}
	for _, id := range ids {
		r := snap.StepResults[id]
		line := "  " + p.stepBadge(r.Status) + " " + id
		if r.Error != "" {
			line += " " + s.bad.Render(r.Error)
		}
		b.WriteString(line + "\n")
	}
	if snap.CurrentStep != "" && !snap.Status.Terminal() {
		b.WriteString("  " + s.warn.Render("…") + " " + snap.CurrentStep + "\n")
	}

	if len(snap.PendingApprovals) > 0 {
		b.WriteString("\n" + s.section.Render("┃ Pending approvals") + "\n")
		for _, id := range snap.PendingApprovals {
			b.WriteString("  " + s.warn.Render("⚠ ") + id + "\n")
		}
	}

	if len(snap.Errors) > 0 {
		b.WriteString("\n" + s.section.Render("┃ Errors") + "\n")
		for _, e := range snap.Errors {
			prefix := ""
			if e.StepID != "" {
				prefix = e.StepID + ": "
			}
			b.WriteString("  " + s.bad.Render("✗ ") + prefix + e.Message + "\n")
		}
	}

	_, err := fmt.Fprintln(p.w, s.box.Render(strings.TrimRight(b.String(), "\n")))
	return err
}

// Event writes a one-line summary of an engine event.
func (p *Printer) Event(e events.Event) error {
	s := p.styles
	ts := s.dim.Render(FormatTime(e.Timestamp))

	var line string
	switch e.Type {
	case events.StepStarted:
		line = s.label.Render("▶ ") + e.StepID
	case events.StepCompleted:
		line = s.ok.Render("✓ ") + e.StepID
	case events.StepFailed:
		line = s.bad.Render("✗ ") + e.StepID + detail(e, "error")
	case events.StepSkipped:
		line = s.dim.Render("- "+e.StepID+" skipped") + detail(e, "reason")
	case events.ApprovalRequested:
		line = s.warn.Render("⚠ ") + e.StepID + " awaiting approval " + s.dim.Render(e.ApprovalID)
	case events.ApprovalGranted:
		line = s.ok.Render("✓ ") + e.StepID + " approved" + detail(e, "decided_by")
	case events.ApprovalRejected, events.ApprovalTimedOut:
		line = s.bad.Render("✗ ") + e.StepID + " " + strings.ReplaceAll(strings.TrimPrefix(string(e.Type), "approval_"), "_", " ") + detail(e, "decided_by")
	case events.ExecutionStarted:
		line = s.section.Render("execution " + e.ExecutionID + " started")
	case events.ExecutionFinished:
		status, _ := e.Data["status"].(string)
		line = s.section.Render("execution "+e.ExecutionID+" finished") + " " + p.status(execution.Status(status))
	default:
		line = string(e.Type)
	}
	_, err := fmt.Fprintln(p.w, ts+" "+line)
	return err
}

// Approval writes a pending approval request as a prompt header.
func (p *Printer) Approval(r approval.Request) error {
	s := p.styles
	var b strings.Builder
	b.WriteString(s.warn.Render("Approval required") + " " + s.dim.Render(r.ID) + "\n")
	fmt.Fprintf(&b, "  %s%s\n", s.label.Render("Step: "), s.value.Render(r.StepID))
	fmt.Fprintf(&b, "  %s%s\n", s.label.Render("Execution: "), r.ExecutionID)
	if r.Priority != "" {
		fmt.Fprintf(&b, "  %s%s\n", s.label.Render("Priority: "), string(r.Priority))
	}
	if len(r.RequiredApprovers) > 0 {
		fmt.Fprintf(&b, "  %s%s\n", s.label.Render("Approvers: "), strings.Join(r.RequiredApprovers, ", "))
	}
	fmt.Fprintf(&b, "  %s%s", s.label.Render("Expires: "), FormatTime(r.ExpiresAt()))
	_, err := fmt.Fprintln(p.w, b.String())
	return err
}

func (p *Printer) status(st execution.Status) string {
	switch st {
	case execution.StatusCompleted:
		return p.styles.ok.Render("✓ " + string(st))
	case execution.StatusRunning, execution.StatusPending:
		return p.styles.value.Render(string(st))
	case execution.StatusAwaitingApproval:
		return p.styles.warn.Render("⚠ " + string(st))
	}
	return p.styles.bad.Render("✗ " + string(st))
}

func (p *Printer) stepBadge(st execution.StepStatus) string {
	switch st {
	case execution.StepCompleted:
		return p.styles.ok.Render("[✓]")
	case execution.StepSkipped:
		return p.styles.dim.Render("[-]")
	}
	return p.styles.bad.Render("[✗]")
}

func detail(e events.Event, key string) string {
	if v, ok := e.Data[key]; ok && v != nil && fmt.Sprint(v) != "" {
		return " (" + fmt.Sprint(v) + ")"
	}
	return ""
}
