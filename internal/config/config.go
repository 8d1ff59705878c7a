// Package config provides configuration loading for flowd.
//
// Configuration is read from an optional YAML file and overridden by
// FLOWD_-prefixed environment variables. Defaults are applied last, then the
// result is validated.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete flowd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Engine        EngineConfig        `koanf:"engine"`
	Approval      ApprovalConfig      `koanf:"approval"`
	Planner       PlannerConfig       `koanf:"planner"`
	Events        EventsConfig        `koanf:"events"`
	Store         StoreConfig         `koanf:"store"`
	Catalog       CatalogConfig       `koanf:"catalog"`
	Agent         AgentConfig         `koanf:"agent"`
	DryRun        DryRunConfig        `koanf:"dryrun"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// EngineConfig controls the orchestrator.
type EngineConfig struct {
	MaxConcurrency   int           `koanf:"max_concurrency"`
	DefaultOnError   string        `koanf:"default_on_error"`
	ExecutionTimeout time.Duration `koanf:"execution_timeout"`
	// Executor selects the step executor: "dryrun" or "agent".
	Executor string `koanf:"executor"`
	// Retention is how long finished runs stay in memory and in history.
	Retention time.Duration `koanf:"retention"`
}

// ApprovalConfig controls the approval manager.
type ApprovalConfig struct {
	YOLO           bool          `koanf:"yolo"`
	SweepInterval  time.Duration `koanf:"sweep_interval"`
	DefaultTimeout time.Duration `koanf:"default_timeout"`
}

// PlannerConfig holds the cost and duration models used for estimates.
type PlannerConfig struct {
	DefaultCostUSD        float64            `koanf:"default_cost_usd"`
	DefaultDurationSecond float64            `koanf:"default_duration_seconds"`
	AgentCostUSD          map[string]float64 `koanf:"agent_cost_usd"`
	AgentDurationSeconds  map[string]float64 `koanf:"agent_duration_seconds"`
}

// EventsConfig selects the event bus backend.
type EventsConfig struct {
	// Backend is "memory" or "nats".
	Backend       string `koanf:"backend"`
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
	BufferSize    int    `koanf:"buffer_size"`
}

// StoreConfig controls execution history persistence.
type StoreConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// CatalogConfig points at the directory of named workflow definitions.
type CatalogConfig struct {
	Dir   string `koanf:"dir"`
	Watch bool   `koanf:"watch"`
}

// AgentConfig configures the LLM-backed step executor.
type AgentConfig struct {
	Provider     string                `koanf:"provider"`
	BaseURL      string                `koanf:"base_url"`
	APIKey       Secret                `koanf:"api_key"`
	DefaultModel string                `koanf:"default_model"`
	Models       map[string]AgentModel `koanf:"models"`
	RateLimit    float64               `koanf:"rate_limit"`
	Burst        int                   `koanf:"burst"`
	Timeout      time.Duration         `koanf:"timeout"`
}

// AgentModel overrides the model used for one agent name.
type AgentModel struct {
	Model   string `koanf:"model"`
	BaseURL string `koanf:"base_url"`
}

// DryRunConfig configures the simulated executor.
type DryRunConfig struct {
	Strategy     string        `koanf:"strategy"`
	Response     string        `koanf:"response"`
	ResponseFile string        `koanf:"response_file"`
	Seed         int64         `koanf:"seed"`
	MinLatency   time.Duration `koanf:"min_latency"`
	MaxLatency   time.Duration `koanf:"max_latency"`
	FailureRate  float64       `koanf:"failure_rate"`
}

// LoggingConfig holds the user-facing logging knobs.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	ServiceName     string  `koanf:"service_name"`
	Endpoint        string  `koanf:"endpoint"`
	Protocol        string  `koanf:"protocol"`
	Insecure        bool    `koanf:"insecure"`
	TLSSkipVerify   bool    `koanf:"tls_skip_verify"`
	SampleRate      float64 `koanf:"sample_rate"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("shutdown timeout must be positive"))
	}
	if c.Engine.MaxConcurrency < 1 {
		errs = append(errs, fmt.Errorf("engine max_concurrency must be >= 1, got %d", c.Engine.MaxConcurrency))
	}
	if c.Engine.DefaultOnError != "abort" && c.Engine.DefaultOnError != "continue" {
		errs = append(errs, fmt.Errorf("engine default_on_error must be abort or continue, got %q", c.Engine.DefaultOnError))
	}
	if c.Engine.Retention < 0 {
		errs = append(errs, fmt.Errorf("engine retention cannot be negative"))
	}
	if c.Engine.ExecutionTimeout < 0 {
		errs = append(errs, fmt.Errorf("engine execution_timeout cannot be negative"))
	}
	switch c.Engine.Executor {
	case "dryrun", "agent":
	default:
		errs = append(errs, fmt.Errorf("engine executor must be dryrun or agent, got %q", c.Engine.Executor))
	}
	if c.Approval.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("approval sweep_interval must be positive"))
	}
	switch c.Events.Backend {
	case "memory":
	case "nats":
		if c.Events.NATSURL == "" {
			errs = append(errs, fmt.Errorf("events nats_url is required for the nats backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("events backend must be memory or nats, got %q", c.Events.Backend))
	}
	if c.Store.Enabled && c.Store.Path == "" {
		errs = append(errs, fmt.Errorf("store path is required when the store is enabled"))
	}
	switch c.DryRun.Strategy {
	case "fixed", "echo", "random":
	case "file":
		if c.DryRun.ResponseFile == "" {
			errs = append(errs, fmt.Errorf("dryrun response_file is required for the file strategy"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown dryrun strategy %q", c.DryRun.Strategy))
	}
	if c.DryRun.MaxLatency < c.DryRun.MinLatency {
		errs = append(errs, fmt.Errorf("dryrun max_latency must be >= min_latency"))
	}
	if c.DryRun.FailureRate < 0 || c.DryRun.FailureRate > 1 {
		errs = append(errs, fmt.Errorf("dryrun failure_rate must be between 0 and 1"))
	}
	if c.Engine.Executor == "agent" && c.Agent.DefaultModel == "" {
		errs = append(errs, fmt.Errorf("agent default_model is required for the agent executor"))
	}
	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("observability sample_rate must be between 0 and 1"))
	}

	return errors.Join(errs...)
}
