package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/flowd/internal/approval"
	"github.com/fyrsmithlabs/flowd/internal/execution"
	httpapi "github.com/fyrsmithlabs/flowd/internal/http"
	"github.com/fyrsmithlabs/flowd/internal/render"
)

// client calls the flowd REST API.
type client struct {
	baseURL string
	http    *http.Client
}

func (o *options) client() *client {
	return &client{
		baseURL: strings.TrimRight(o.serverURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// do sends a request and decodes a 2xx JSON response into out. Error bodies
// are surfaced with the server's message.
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	u := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		var apiErr httpapi.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("server returned status %d: %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check flowd server health",
		Long: `Check the health status of the flowd HTTP server.

Examples:
  # Check health
  flowctl health

  # Check health on a different server
  flowctl health --server http://localhost:9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var health httpapi.HealthResponse
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/health", nil, &health); err != nil {
				return err
			}
			if opts.json {
				return outputJSON(cmd.OutOrStdout(), health)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Server Status: %s\n", health.Status)
			fmt.Fprintf(out, "Server URL: %s\n", opts.serverURL)
			fmt.Fprintf(out, "Version: %s\n", health.Version)
			fmt.Fprintf(out, "Active executions: %d\n", health.ActiveExecutions)
			fmt.Fprintf(out, "Pending approvals: %d\n", health.PendingApprovals)
			fmt.Fprintf(out, "Workflows: %d\n", health.Workflows)
			return nil
		},
	}
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Show the state of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var snap execution.Snapshot
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/api/v1/executions/"+url.PathEscape(args[0]), nil, &snap); err != nil {
				return err
			}
			if opts.json {
				return outputJSON(cmd.OutOrStdout(), snap)
			}
			return render.New(cmd.OutOrStdout()).Snapshot(snap)
		},
	}
}

func newCancelCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Request cancellation of a running execution",
		Long: `Request cooperative cancellation. Steps already running finish, no new
steps are dispatched and pending approvals are withdrawn.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var snap execution.Snapshot
			if err := opts.client().do(cmd.Context(), http.MethodPost, "/api/v1/executions/"+url.PathEscape(args[0])+"/cancel", nil, &snap); err != nil {
				return err
			}
			if opts.json {
				return outputJSON(cmd.OutOrStdout(), snap)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for %s (status %s)\n", snap.ExecutionID, snap.Status)
			return nil
		},
	}
}

func newApprovalsCmd(opts *options) *cobra.Command {
	var status, executionID string
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "List approval requests",
		Long: `List approval requests on the server.

Examples:
  # Pending requests
  flowctl approvals --status pending

  # Requests of one execution
  flowctl approvals --execution 3f2a...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if executionID != "" {
				q.Set("execution_id", executionID)
			}
			path := "/api/v1/approvals"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			var reqs []approval.Request
			if err := opts.client().do(cmd.Context(), http.MethodGet, path, nil, &reqs); err != nil {
				return err
			}
			if opts.json {
				return outputJSON(cmd.OutOrStdout(), reqs)
			}
			out := cmd.OutOrStdout()
			if len(reqs) == 0 {
				fmt.Fprintln(out, "No approval requests")
				return nil
			}
			printer := render.New(out)
			for _, r := range reqs {
				r.Timeout = time.Duration(r.TimeoutSeconds) * time.Second
				if r.Status != approval.StatusPending {
					fmt.Fprintf(out, "%s %s/%s %s by %s\n", r.ID, r.ExecutionID, r.StepID, r.Status, r.DecidedBy)
					continue
				}
				if err := printer.Approval(r); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status: pending, approved, rejected, timed_out")
	cmd.Flags().StringVar(&executionID, "execution", "", "filter by execution ID")
	return cmd
}

// newDecideCmd builds the approve (approve=true) or reject command.
func newDecideCmd(opts *options, approve bool) *cobra.Command {
	verb, action := "reject", "Reject"
	if approve {
		verb, action = "approve", "Approve"
	}
	var approver, comment string
	cmd := &cobra.Command{
		Use:   verb + " <approval-id>",
		Short: action + " a pending approval request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approver == "" {
				return fmt.Errorf("--approver is required")
			}
			var decided approval.Request
			path := "/api/v1/approvals/" + url.PathEscape(args[0]) + "/" + verb
			body := httpapi.DecisionRequest{Approver: approver, Comment: comment}
			if err := opts.client().do(cmd.Context(), http.MethodPost, path, body, &decided); err != nil {
				return err
			}
			if opts.json {
				return outputJSON(cmd.OutOrStdout(), decided)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Approval %s for step %s is %s\n", decided.ID, decided.StepID, decided.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&approver, "approver", "", "identity of the approver")
	cmd.Flags().StringVar(&comment, "comment", "", "comment recorded with the decision")
	return cmd
}
