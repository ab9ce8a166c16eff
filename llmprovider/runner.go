// Package llmprovider runs a single chat completion through an iris
// provider as a work unit, reporting the reply as execution events.
package llmprovider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	iriscore "github.com/petal-labs/iris/core"
	"github.com/petal-labs/iris/providers"
	// Auto-register common providers.
	_ "github.com/petal-labs/iris/providers/anthropic"
	_ "github.com/petal-labs/iris/providers/ollama"
	_ "github.com/petal-labs/iris/providers/openai"

	"github.com/agime-team/agentstream/runtime"
	"github.com/agime-team/agentstream/worker"
)

// Config selects and configures a provider.
type Config struct {
	// Name is the iris provider name ("anthropic", "openai", "ollama").
	Name string

	APIKey string

	// Model is used when a task does not name one.
	Model string

	// System is an optional system prompt prepended to every request.
	System string
}

// Runner implements worker.Runner with one Chat call per task.
type Runner struct {
	provider iriscore.Provider
	model    string
	system   string
}

// New creates a Runner for the named provider.
func New(cfg Config) (*Runner, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Name))
	if name == "" {
		return nil, errors.New("llmprovider: provider name is required")
	}
	provider, err := providers.Create(name, cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("creating provider %q: %w", name, err)
	}
	return NewWithProvider(provider, cfg.Model, cfg.System), nil
}

// NewWithProvider wraps an existing iris provider.
func NewWithProvider(provider iriscore.Provider, model, system string) *Runner {
	return &Runner{provider: provider, model: model, system: system}
}

// ProviderID returns the underlying provider's id.
func (r *Runner) ProviderID() string {
	return r.provider.ID()
}

// Run implements worker.Runner.
func (r *Runner) Run(ctx context.Context, task worker.Task, emit runtime.EventEmitter) error {
	model := task.Model
	if model == "" {
		model = r.model
	}
	if model == "" {
		return errors.New("llmprovider: no model configured")
	}

	emit(runtime.NewEvent(runtime.EventTurn, task.ID).
		WithPayload("current", 1).
		WithPayload("max", 1))

	resp, err := r.provider.Chat(ctx, r.toRequest(model, task.Prompt))
	if err != nil {
		return fmt.Errorf("provider chat failed: %w", err)
	}

	if resp.ID != "" {
		emit(runtime.NewEvent(runtime.EventSessionID, task.ID).WithPayload("session_id", resp.ID))
	}
	if resp.Reasoning != nil {
		for _, line := range resp.Reasoning.Summary {
			emit(runtime.NewEvent(runtime.EventThinking, task.ID).WithPayload("content", line))
		}
	}
	emit(runtime.Text(task.ID, resp.Output).
		WithPayload("provider", r.provider.ID()).
		WithPayload("model", string(resp.Model)).
		WithPayload("usage", map[string]any{
			"input_tokens":  resp.Usage.PromptTokens,
			"output_tokens": resp.Usage.CompletionTokens,
			"total_tokens":  resp.Usage.TotalTokens,
		}))
	return nil
}

func (r *Runner) toRequest(model, prompt string) *iriscore.ChatRequest {
	messages := make([]iriscore.Message, 0, 2)
	if r.system != "" {
		messages = append(messages, iriscore.Message{
			Role:    iriscore.RoleSystem,
			Content: r.system,
		})
	}
	messages = append(messages, iriscore.Message{
		Role:    iriscore.RoleUser,
		Content: prompt,
	})
	return &iriscore.ChatRequest{
		Model:    iriscore.ModelID(model),
		Messages: messages,
	}
}

var _ worker.Runner = (*Runner)(nil)
