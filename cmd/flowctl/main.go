// Package main implements flowctl, the command-line client for flowd.
//
// Local commands (validate, plan, run) work on workflow files without a
// daemon. Remote commands talk to a running flowd over its REST API.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/flowd/internal/logging"
)

// version information
var version = "dev"

// options are the persistent flags shared by every command.
type options struct {
	serverURL string
	json      bool
	logLevel  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "flowctl",
		Short: "CLI for flowd workflow orchestration",
		Long: `flowctl validates, plans and runs workflow definitions locally, and
manages executions and approvals on a running flowd daemon.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVar(&opts.serverURL, "server", "http://127.0.0.1:8585", "flowd server URL")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "output JSON instead of formatted text")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level for local runs (trace, debug, info, warn, error)")

	root.AddCommand(
		newValidateCmd(opts),
		newPlanCmd(opts),
		newRunCmd(opts),
		newHealthCmd(opts),
		newStatusCmd(opts),
		newCancelCmd(opts),
		newApprovalsCmd(opts),
		newDecideCmd(opts, true),
		newDecideCmd(opts, false),
	)
	return root
}

// newLogger builds the CLI logger: console format on stderr.
func (o *options) newLogger() (*logging.Logger, error) {
	cfg := logging.NewCLIConfig()
	level, err := logging.LevelFromString(o.logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", o.logLevel, err)
	}
	cfg.Level = level
	return logging.NewLogger(cfg, nil)
}

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
