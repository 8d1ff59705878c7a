package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/flowd/internal/catalog"
	"github.com/fyrsmithlabs/flowd/internal/logging"
	"github.com/fyrsmithlabs/flowd/internal/orchestrator"
)

// Catalog resolves named workflows.
type Catalog interface {
	Get(name string) (catalog.Entry, bool)
}

// Server is an MCP server backed by the orchestrator.
type Server struct {
	mcp      *mcp.Server
	engine   *orchestrator.Orchestrator
	executor orchestrator.StepExecutor
	catalog  Catalog
	metrics  *Metrics
	logger   *logging.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "flowd")
	Name string

	// Version is the server version (default: "dev")
	Version string

	Logger  *logging.Logger
	Metrics *Metrics
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "flowd",
		Version: "dev",
		Logger:  logging.NewNop(),
	}
}

// NewServer creates an MCP server. catalog may be nil, in which case tools
// only accept inline definitions.
func NewServer(cfg *Config, engine *orchestrator.Orchestrator, executor orchestrator.StepExecutor, catalog Catalog) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if engine == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if executor == nil {
		return nil, fmt.Errorf("step executor is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(cfg.Logger)
	}
	if cfg.Name == "" {
		cfg.Name = "flowd"
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		engine:   engine,
		executor: executor,
		catalog:  catalog,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
	s.registerTools()
	return s, nil
}

// Run serves MCP on the stdio transport until ctx is done or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info(ctx, "starting MCP server on stdio transport")
	return s.Serve(ctx, &mcp.StdioTransport{})
}

// Serve serves MCP on transport.
func (s *Server) Serve(ctx context.Context, transport mcp.Transport) error {
	if err := s.mcp.Run(ctx, transport); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// MCP exposes the underlying SDK server.
func (s *Server) MCP() *mcp.Server {
	return s.mcp
}
