// Package mcp exposes the workflow engine as MCP tools.
//
// The server uses the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp)
// and calls the orchestrator directly. Tools:
//
//   - workflow_plan: plan a catalog workflow or an inline YAML definition
//   - workflow_execute: start a run, optionally waiting for it to finish
//   - execution_status: snapshot of a run
//   - execution_cancel: cooperative cancellation
//   - approval_list: approval requests, filtered by status or execution
//   - approval_decide: approve or reject a pending request
package mcp
