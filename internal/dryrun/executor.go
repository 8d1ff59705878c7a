// Package dryrun simulates step execution so workflows can be exercised
// without invoking real agents.
package dryrun

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/flowd/internal/config"
	"github.com/fyrsmithlabs/flowd/internal/logging"
	"github.com/fyrsmithlabs/flowd/internal/workflow"
)

// Strategy selects how responses are produced.
type Strategy string

const (
	// StrategyFixed returns the same canned response for every step.
	StrategyFixed Strategy = "fixed"
	// StrategyEcho reflects the step and its merged inputs back.
	StrategyEcho Strategy = "echo"
	// StrategyRandom returns seeded synthetic results with latency jitter
	// and an optional failure rate.
	StrategyRandom Strategy = "random"
	// StrategyFile looks responses up by step id in a response file.
	StrategyFile Strategy = "file"
)

// DefaultKey is the response used by StrategyFile when a step id has no
// entry of its own.
const DefaultKey = "default"

var (
	// ErrNoResponse means StrategyFile found neither the step id nor a
	// default entry.
	ErrNoResponse = errors.New("no dry-run response configured")

	// ErrSimulatedFailure is returned by StrategyRandom for injected
	// failures.
	ErrSimulatedFailure = errors.New("simulated step failure")
)

// ParseStrategy accepts strategy names in any case.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case StrategyFixed, StrategyEcho, StrategyRandom, StrategyFile:
		return st, nil
	}
	return "", fmt.Errorf("unknown dry-run strategy %q", s)
}

// Config configures an Executor.
type Config struct {
	Strategy Strategy

	// Response is the StrategyFixed value.
	Response string

	// Responses maps step ids to StrategyFile values. When nil,
	// ResponseFile is loaded instead.
	Responses    map[string]any
	ResponseFile string

	// StrategyRandom knobs.
	Seed        int64
	MinLatency  time.Duration
	MaxLatency  time.Duration
	FailureRate float64
}

// FromConfig maps the dryrun configuration section.
func FromConfig(c config.DryRunConfig) (Config, error) {
	strategy, err := ParseStrategy(c.Strategy)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Strategy:     strategy,
		Response:     c.Response,
		ResponseFile: c.ResponseFile,
		Seed:         c.Seed,
		MinLatency:   c.MinLatency,
		MaxLatency:   c.MaxLatency,
		FailureRate:  c.FailureRate,
	}, nil
}

// Executor is a simulated step executor.
type Executor struct {
	cfg       Config
	responses map[string]any
	logger    *logging.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// New validates cfg and, for StrategyFile, loads the responses.
func New(cfg Config, opts ...Option) (*Executor, error) {
	e := &Executor{cfg: cfg, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(e)
	}

	switch cfg.Strategy {
	case StrategyFixed, StrategyEcho:
	case StrategyRandom:
		if cfg.MinLatency < 0 || cfg.MaxLatency < cfg.MinLatency {
			return nil, fmt.Errorf("random strategy needs 0 <= min_latency <= max_latency")
		}
		if cfg.FailureRate < 0 || cfg.FailureRate > 1 {
			return nil, fmt.Errorf("failure_rate must be within [0, 1], got %v", cfg.FailureRate)
		}
		e.rng = rand.New(rand.NewSource(cfg.Seed))
	case StrategyFile:
		e.responses = maps.Clone(cfg.Responses)
		if e.responses == nil {
			if cfg.ResponseFile == "" {
				return nil, fmt.Errorf("file strategy needs responses or a response_file")
			}
			loaded, err := LoadResponses(cfg.ResponseFile)
			if err != nil {
				return nil, err
			}
			e.responses = loaded
		}
	default:
		return nil, fmt.Errorf("unknown dry-run strategy %q", cfg.Strategy)
	}
	return e, nil
}

// Strategy returns the configured strategy.
func (e *Executor) Strategy() Strategy { return e.cfg.Strategy }

// Execute produces the simulated result of step.
func (e *Executor) Execute(ctx context.Context, step workflow.Step, inputs, prior map[string]any) (any, error) {
	e.logger.Trace(ctx, "dry-run step", zap.String("strategy", string(e.cfg.Strategy)), zap.Int("prior", len(prior)))

	switch e.cfg.Strategy {
	case StrategyFixed:
		return e.cfg.Response, nil
	case StrategyEcho:
		return echo(step, inputs), nil
	case StrategyRandom:
		return e.random(ctx, step)
	case StrategyFile:
		if v, ok := e.responses[step.ID]; ok {
			return v, nil
		}
		if v, ok := e.responses[DefaultKey]; ok {
			return v, nil
		}
		return nil, fmt.Errorf("step %s: %w", step.ID, ErrNoResponse)
	}
	return nil, fmt.Errorf("unknown dry-run strategy %q", e.cfg.Strategy)
}

// echo merges run inputs with step inputs, step values winning.
func echo(step workflow.Step, inputs map[string]any) map[string]any {
	merged := maps.Clone(inputs)
	if merged == nil {
		merged = map[string]any{}
	}
	maps.Copy(merged, step.Inputs)

	out := map[string]any{
		"step_id": step.ID,
		"inputs":  merged,
	}
	if step.Agent != "" {
		out["agent"] = step.Agent
	}
	if step.Prompt != "" {
		out["prompt"] = step.Prompt
	}
	return out
}

func (e *Executor) random(ctx context.Context, step workflow.Step) (any, error) {
	e.mu.Lock()
	latency := e.cfg.MinLatency
	if span := e.cfg.MaxLatency - e.cfg.MinLatency; span > 0 {
		latency += time.Duration(e.rng.Int63n(int64(span) + 1))
	}
	fail := e.rng.Float64() < e.cfg.FailureRate
	variant := e.rng.Intn(1000)
	e.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, fmt.Errorf("step %s: %w", step.ID, ErrSimulatedFailure)
	}
	return map[string]any{
		"step_id":    step.ID,
		"variant":    variant,
		"latency_ms": latency.Milliseconds(),
	}, nil
}
