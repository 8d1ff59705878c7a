// Flowd is the workflow orchestration daemon.
//
// It serves the REST API (with SSE event streams and Prometheus metrics) on
// the configured address, or the MCP tool surface on stdio when started with
// -mcp.
//
// Configuration is read from ~/.config/flowd/config.yaml (or -config) and
// FLOWD_ environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the HTTP daemon
//	flowd
//
//	# Serve MCP on stdio for an agent host
//	flowd -mcp
//
//	# Configure via environment
//	FLOWD_SERVER_HTTP_PORT=9090 FLOWD_EVENTS_BACKEND=nats flowd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/flowd/config.yaml)")
	mcpMode := flag.Bool("mcp", false, "serve MCP on stdio instead of HTTP")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  flowd [-config path] [-mcp]   Start the flowd daemon\n")
			fmt.Fprintf(os.Stderr, "  flowd version                 Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath, *mcpMode); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("flowd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}
