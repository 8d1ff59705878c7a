package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/fyrsmithlabs/flowd/internal/config"
	"github.com/fyrsmithlabs/flowd/internal/workflow"
)

// fakeModel records prompts and replies with a fixed text.
type fakeModel struct {
	mu       sync.Mutex
	reply    string
	err      error
	messages [][]llms.MessageContent
}

func (m *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, messages)
	if m.err != nil {
		return nil, m.err
	}
	if m.reply == "" {
		return &llms.ContentResponse{}, nil
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: m.reply}}}, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, opts ...llms.CallOption) (string, error) {
	resp, err := m.GenerateContent(ctx, []llms.MessageContent{
		{Role: llms.ChatMessageTypeHuman, Parts: []llms.ContentPart{llms.TextContent{Text: prompt}}},
	}, opts...)
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Content, nil
}

func (m *fakeModel) humanText(t *testing.T, call int) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.Greater(t, len(m.messages), call)
	msgs := m.messages[call]
	require.Len(t, msgs, 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, msgs[0].Role)
	return msgs[1].Parts[0].(llms.TextContent).Text
}

func TestRenderPrompt(t *testing.T) {
	step := workflow.Step{
		ID:     "review",
		Prompt: "Review {{.repo}} at {{.branch}} for {{.step_id}} using {{index .prior \"build\"}}",
		Inputs: map[string]any{"branch": "feature"},
	}
	out, err := RenderPrompt(step, map[string]any{"repo": "flowd", "branch": "main"}, map[string]any{"build": "artifact.tgz"})
	require.NoError(t, err)
	assert.Equal(t, "Review flowd at feature for review using artifact.tgz", out)

	_, err = RenderPrompt(workflow.Step{ID: "empty"}, nil, nil)
	assert.Error(t, err)

	_, err = RenderPrompt(workflow.Step{ID: "bad", Prompt: "{{.unclosed"}, nil, nil)
	assert.Error(t, err)
}

func TestExecutor_Execute(t *testing.T) {
	model := &fakeModel{reply: "LGTM"}
	e, err := New(Config{DefaultModel: "gpt-test"}, WithModel("", model))
	require.NoError(t, err)

	out, err := e.Execute(context.Background(),
		workflow.Step{ID: "review", Agent: "reviewer", Prompt: "Review {{.repo}}"},
		map[string]any{"repo": "flowd"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "LGTM", out)
	assert.Equal(t, "Review flowd", model.humanText(t, 0))
}

func TestExecutor_ModelSelection(t *testing.T) {
	var mu sync.Mutex
	created := map[string]string{}
	factory := func(model, baseURL, apiKey string) (llms.Model, error) {
		mu.Lock()
		defer mu.Unlock()
		created[model] = baseURL
		assert.Equal(t, "sk-test", apiKey)
		return &fakeModel{reply: model}, nil
	}

	e, err := New(Config{
		DefaultModel: "small",
		BaseURL:      "http://default",
		APIKey:       "sk-test",
		Models:       map[string]ModelConfig{"coder": {Model: "large", BaseURL: "http://gpu"}},
	}, WithModelFactory(factory))
	require.NoError(t, err)

	for _, tc := range []struct{ agent, want string }{
		{"coder", "large"},
		{"planner", "small"},
		{"", "small"},
		{"coder", "large"},
	} {
		out, err := e.Execute(context.Background(), workflow.Step{ID: "s", Agent: tc.agent, Prompt: "go"}, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, tc.want, out, "agent %q", tc.agent)
	}
	assert.Equal(t, map[string]string{"large": "http://gpu", "small": "http://default"}, created)
}

func TestExecutor_Errors(t *testing.T) {
	t.Run("model error", func(t *testing.T) {
		e, err := New(Config{DefaultModel: "m"}, WithModel("", &fakeModel{err: errors.New("quota")}))
		require.NoError(t, err)
		_, err = e.Execute(context.Background(), workflow.Step{ID: "s", Prompt: "hi"}, nil, nil)
		assert.ErrorContains(t, err, "quota")
	})

	t.Run("empty response", func(t *testing.T) {
		e, err := New(Config{DefaultModel: "m"}, WithModel("", &fakeModel{}))
		require.NoError(t, err)
		_, err = e.Execute(context.Background(), workflow.Step{ID: "s", Prompt: "hi"}, nil, nil)
		assert.ErrorIs(t, err, ErrEmptyResponse)
	})

	t.Run("factory error", func(t *testing.T) {
		e, err := New(Config{DefaultModel: "m"}, WithModelFactory(func(string, string, string) (llms.Model, error) {
			return nil, errors.New("no credentials")
		}))
		require.NoError(t, err)
		_, err = e.Execute(context.Background(), workflow.Step{ID: "s", Agent: "x", Prompt: "hi"}, nil, nil)
		assert.ErrorContains(t, err, "no credentials")
	})
}

func TestExecutor_RateLimit(t *testing.T) {
	e, err := New(Config{DefaultModel: "m", RateLimit: 1, Burst: 1}, WithModel("", &fakeModel{reply: "ok"}))
	require.NoError(t, err)

	step := workflow.Step{ID: "s", Prompt: "hi"}
	_, err = e.Execute(context.Background(), step, nil, nil)
	require.NoError(t, err)

	// the bucket is empty; the next call would wait about a second
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = e.Execute(ctx, step, nil, nil)
	assert.ErrorContains(t, err, "rate limiter")
}

func TestConfig(t *testing.T) {
	cfg := FromConfig(config.AgentConfig{
		Provider:     "openai",
		APIKey:       config.Secret("sk-abc"),
		DefaultModel: "gpt-4o-mini",
		Models:       map[string]config.AgentModel{"coder": {Model: "gpt-4o"}},
		RateLimit:    2,
		Burst:        4,
	})
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "sk-abc", cfg.APIKey)
	assert.Equal(t, "gpt-4o", cfg.Models["coder"].Model)

	assert.Error(t, Config{Provider: "bedrock", DefaultModel: "m"}.Validate())
	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{DefaultModel: "m", RateLimit: -1}.Validate())
	assert.Error(t, Config{DefaultModel: "m", Models: map[string]ModelConfig{"x": {}}}.Validate())
}
