package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "FLOWD_"
)

// Load returns the configuration from the environment and defaults only.
func Load() (*Config, error) {
	return load(koanf.New("."), "")
}

// LoadWithFile loads configuration from a YAML file, then overrides it with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (FLOWD_SERVER_HTTP_PORT, FLOWD_ENGINE_MAX_CONCURRENCY, ...)
//  2. YAML config file
//  3. Defaults
//
// An empty configPath means ~/.config/flowd/config.yaml. A missing file is
// not an error.
//
// # Security Considerations
//
// The config may hold agent provider keys, so the file MUST have 0600 or
// 0400 permissions. Files larger than 1MB are rejected.
//
// # Environment Variable Mapping
//
// The FLOWD_ prefix is stripped and the first underscore separates the
// section from the field:
//
//	FLOWD_SERVER_HTTP_PORT        -> server.http_port
//	FLOWD_ENGINE_MAX_CONCURRENCY  -> engine.max_concurrency
//	FLOWD_APPROVAL_YOLO           -> approval.yolo
func LoadWithFile(configPath string) (*Config, error) {
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "flowd", "config.yaml")
	}
	return load(koanf.New("."), configPath)
}

func load(k *koanf.Koanf, configPath string) (*Config, error) {
	if configPath != "" {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if content != nil {
			// rawbytes avoids re-opening the already validated file
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// envKey maps FLOWD_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// readConfigFile returns nil content when the file does not exist.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	// Validate through the open descriptor to avoid a TOCTOU race.
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// EnsureConfigDir creates ~/.config/flowd with 0700 permissions.
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(home, ".config", "flowd")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}
	return nil
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8585
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Engine.MaxConcurrency == 0 {
		cfg.Engine.MaxConcurrency = 4
	}
	if cfg.Engine.DefaultOnError == "" {
		cfg.Engine.DefaultOnError = "abort"
	}
	if cfg.Engine.Executor == "" {
		cfg.Engine.Executor = "dryrun"
	}
	if cfg.Engine.Retention == 0 {
		cfg.Engine.Retention = 24 * time.Hour
	}

	if cfg.Approval.SweepInterval == 0 {
		cfg.Approval.SweepInterval = 5 * time.Second
	}
	if cfg.Approval.DefaultTimeout == 0 {
		cfg.Approval.DefaultTimeout = time.Hour
	}

	if cfg.Planner.DefaultCostUSD == 0 {
		cfg.Planner.DefaultCostUSD = 0.01
	}
	if cfg.Planner.DefaultDurationSecond == 0 {
		cfg.Planner.DefaultDurationSecond = 30
	}

	if cfg.Events.Backend == "" {
		cfg.Events.Backend = "memory"
	}
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "flowd.events"
	}
	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 256
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = "~/.config/flowd/history.db"
	}
	if cfg.Catalog.Dir == "" {
		cfg.Catalog.Dir = "~/.config/flowd/workflows"
	}

	if cfg.Agent.Provider == "" {
		cfg.Agent.Provider = "openai"
	}
	if cfg.Agent.RateLimit == 0 {
		cfg.Agent.RateLimit = 2
	}
	if cfg.Agent.Burst == 0 {
		cfg.Agent.Burst = 4
	}
	if cfg.Agent.Timeout == 0 {
		cfg.Agent.Timeout = 2 * time.Minute
	}

	if cfg.DryRun.Strategy == "" {
		cfg.DryRun.Strategy = "echo"
	}
	if cfg.DryRun.Response == "" {
		cfg.DryRun.Response = "ok"
	}
	if cfg.DryRun.Seed == 0 {
		cfg.DryRun.Seed = 1
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "flowd"
	}
	if cfg.Observability.Endpoint == "" {
		cfg.Observability.Endpoint = "localhost:4317"
	}
	if cfg.Observability.Protocol == "" {
		cfg.Observability.Protocol = "grpc"
	}
	if cfg.Observability.SampleRate == 0 {
		cfg.Observability.SampleRate = 1.0
	}
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
