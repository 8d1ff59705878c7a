// Package agent executes workflow steps against language models.
//
// Each step names an agent. The agent maps to a langchaingo model, either a
// per-agent override or the default model. The step prompt is a Go template
// rendered over the run inputs, the step inputs and the outputs of earlier
// steps. All model calls share one rate limiter.
package agent

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/prompts"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/flowd/internal/config"
	"github.com/fyrsmithlabs/flowd/internal/logging"
	"github.com/fyrsmithlabs/flowd/internal/workflow"
)

// ErrEmptyResponse is returned when the model produced no choices.
var ErrEmptyResponse = errors.New("model returned no content")

// ModelConfig selects the model behind one agent name.
type ModelConfig struct {
	Model   string
	BaseURL string
}

// Config configures an Executor.
type Config struct {
	Provider     string
	BaseURL      string
	APIKey       string
	DefaultModel string
	Models       map[string]ModelConfig

	// RateLimit is model calls per second across all agents. Zero means
	// unlimited.
	RateLimit float64
	Burst     int

	// Timeout bounds a single model call. Zero means no extra bound.
	Timeout time.Duration
}

// FromConfig maps the agent configuration section.
func FromConfig(c config.AgentConfig) Config {
	models := make(map[string]ModelConfig, len(c.Models))
	for name, m := range c.Models {
		models[name] = ModelConfig{Model: m.Model, BaseURL: m.BaseURL}
	}
	return Config{
		Provider:     c.Provider,
		BaseURL:      c.BaseURL,
		APIKey:       c.APIKey.Value(),
		DefaultModel: c.DefaultModel,
		Models:       models,
		RateLimit:    c.RateLimit,
		Burst:        c.Burst,
		Timeout:      c.Timeout,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Provider != "" && c.Provider != "openai" {
		return fmt.Errorf("unsupported agent provider %q (only openai-compatible endpoints are supported)", c.Provider)
	}
	if c.DefaultModel == "" {
		return fmt.Errorf("agent default_model is required")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("agent rate_limit must be >= 0")
	}
	for name, m := range c.Models {
		if m.Model == "" {
			return fmt.Errorf("agent %q: model is required", name)
		}
	}
	return nil
}

// ModelFactory builds a model client.
type ModelFactory func(model, baseURL, apiKey string) (llms.Model, error)

// OpenAIFactory builds openai-compatible clients, which also covers local
// servers such as Ollama or vLLM through the base URL.
func OpenAIFactory(model, baseURL, apiKey string) (llms.Model, error) {
	if apiKey == "" {
		// langchaingo requires a token even for local endpoints
		apiKey = "placeholder"
	}
	opts := []openai.Option{
		openai.WithModel(model),
		openai.WithToken(apiKey),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}
	return llm, nil
}

// Executor runs steps by prompting a model.
type Executor struct {
	cfg     Config
	factory ModelFactory
	limiter *rate.Limiter
	logger  *logging.Logger

	mu     sync.Mutex
	models map[string]llms.Model
}

// Option configures an Executor.
type Option func(*Executor)

// WithModel pins the model used for an agent name. The empty name sets the
// default model.
func WithModel(agentName string, model llms.Model) Option {
	return func(e *Executor) { e.models[agentName] = model }
}

// WithModelFactory replaces OpenAIFactory.
func WithModelFactory(f ModelFactory) Option {
	return func(e *Executor) { e.factory = f }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// New creates an Executor. Models are created lazily on first use.
func New(cfg Config, opts ...Option) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Executor{
		cfg:     cfg,
		factory: OpenAIFactory,
		logger:  logging.NewNop(),
		models:  make(map[string]llms.Model),
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := max(cfg.Burst, 1)
	e.limiter = rate.NewLimiter(limit, burst)

	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Execute renders the step prompt, waits for the rate limiter and returns
// the model's text response.
func (e *Executor) Execute(ctx context.Context, step workflow.Step, inputs, prior map[string]any) (any, error) {
	prompt, err := RenderPrompt(step, inputs, prior)
	if err != nil {
		return nil, err
	}
	model, err := e.modelFor(step.Agent)
	if err != nil {
		return nil, err
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for rate limiter: %w", err)
	}
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	messages := []llms.MessageContent{
		{Role: llms.ChatMessageTypeSystem, Parts: []llms.ContentPart{llms.TextContent{Text: systemPrompt(step)}}},
		{Role: llms.ChatMessageTypeHuman, Parts: []llms.ContentPart{llms.TextContent{Text: prompt}}},
	}

	started := time.Now()
	resp, err := model.GenerateContent(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", agentLabel(step.Agent), err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, fmt.Errorf("agent %s: %w", agentLabel(step.Agent), ErrEmptyResponse)
	}

	e.logger.Debug(ctx, "agent responded",
		zap.String("agent", agentLabel(step.Agent)),
		zap.Duration("duration", time.Since(started)),
		zap.Int("response_chars", len(resp.Choices[0].Content)),
	)
	return resp.Choices[0].Content, nil
}

// modelFor returns the model of an agent, creating it on first use. Agents
// without an override share the default model.
func (e *Executor) modelFor(agentName string) (llms.Model, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if m, ok := e.models[agentName]; ok {
		return m, nil
	}

	key, modelName, baseURL := "", e.cfg.DefaultModel, e.cfg.BaseURL
	if override, ok := e.cfg.Models[agentName]; ok {
		key, modelName = agentName, override.Model
		if override.BaseURL != "" {
			baseURL = override.BaseURL
		}
	}
	if m, ok := e.models[key]; ok {
		return m, nil
	}

	m, err := e.factory(modelName, baseURL, e.cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", agentLabel(agentName), err)
	}
	e.models[key] = m
	return m, nil
}

// RenderPrompt renders the step prompt as a Go template. Top-level keys are
// the run inputs overlaid with the step inputs; "prior" holds earlier step
// outputs and "step_id" the step id.
func RenderPrompt(step workflow.Step, inputs, prior map[string]any) (string, error) {
	if step.Prompt == "" {
		return "", fmt.Errorf("step %s has no prompt", step.ID)
	}
	values := maps.Clone(inputs)
	if values == nil {
		values = map[string]any{}
	}
	maps.Copy(values, step.Inputs)
	values["prior"] = prior
	values["step_id"] = step.ID

	out, err := prompts.RenderTemplate(step.Prompt, prompts.TemplateFormatGoTemplate, values)
	if err != nil {
		return "", fmt.Errorf("rendering prompt of step %s: %w", step.ID, err)
	}
	return out, nil
}

func systemPrompt(step workflow.Step) string {
	return fmt.Sprintf("You are the %s agent of an automated workflow. Complete step %q and reply with the result only.",
		agentLabel(step.Agent), step.DisplayName())
}

func agentLabel(name string) string {
	if name == "" {
		return "default"
	}
	return name
}
