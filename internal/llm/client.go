// Package llm is the boundary to the external reasoning source. The core
// only depends on the Client interface; the langchaingo-backed
// implementation lives behind New.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// Client answers prompts. Implementations must be safe for concurrent use.
type Client interface {
	// Complete sends a system prompt and a user prompt, returning the
	// model's text answer.
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Options configures the backing model.
type Options struct {
	Provider  string // openai | ollama
	Model     string
	APIKey    string
	BaseURL   string
	MaxTokens int
}

type client struct {
	model     llms.Model
	maxTokens int
}

// New builds a Client for the configured provider.
func New(opts Options) (Client, error) {
	var (
		model llms.Model
		err   error
	)
	switch strings.ToLower(opts.Provider) {
	case "", "openai":
		oopts := []openai.Option{openai.WithModel(opts.Model)}
		if opts.APIKey != "" {
			oopts = append(oopts, openai.WithToken(opts.APIKey))
		}
		if opts.BaseURL != "" {
			oopts = append(oopts, openai.WithBaseURL(opts.BaseURL))
		}
		model, err = openai.New(oopts...)
	case "ollama":
		lopts := []ollama.Option{ollama.WithModel(opts.Model)}
		if opts.BaseURL != "" {
			lopts = append(lopts, ollama.WithServerURL(opts.BaseURL))
		}
		model, err = ollama.New(lopts...)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", opts.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", opts.Provider, err)
	}
	return &client{model: model, maxTokens: opts.MaxTokens}, nil
}

// FromModel wraps an existing langchaingo model.
func FromModel(model llms.Model, maxTokens int) Client {
	return &client{model: model, maxTokens: maxTokens}
}

func (c *client) Complete(ctx context.Context, system, prompt string) (string, error) {
	var messages []llms.MessageContent
	if system != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, system))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, prompt))

	var callOpts []llms.CallOption
	if c.maxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(c.maxTokens))
	}
	resp, err := c.model.GenerateContent(ctx, messages, callOpts...)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("model returned no choices")
	}
	return resp.Choices[0].Content, nil
}
