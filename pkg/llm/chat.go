package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
)

const (
	ProviderGoogleAI = "googleai"
	ProviderOllama   = "ollama"
)

// ChatConfig represents the configuration for a chat model.
type ChatConfig struct {
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string // Ollama server URL
	Temperature float64
	MaxTokens   int
}

// NewWithConfig creates the chat model the agent reasons with. Temperature
// and max tokens are applied to every call unless the caller overrides them.
func NewWithConfig(ctx context.Context, config ChatConfig) (llms.Model, error) {
	if config.Temperature < 0 || config.Temperature > 2 {
		return nil, fmt.Errorf("temperature must be between 0 and 2")
	}
	if config.MaxTokens < 0 {
		return nil, fmt.Errorf("max tokens cannot be negative")
	} else if config.MaxTokens == 0 {
		config.MaxTokens = 2000
	}

	var (
		model llms.Model
		err   error
	)
	switch config.Provider {
	case ProviderGoogleAI, "":
		if config.Model == "" {
			config.Model = "gemini-2.0-flash"
		}
		model, err = googleai.New(ctx,
			googleai.WithAPIKey(config.APIKey),
			googleai.WithDefaultModel(config.Model))
	case ProviderOllama:
		if config.Model == "" {
			config.Model = "mistral"
		}
		if config.BaseURL == "" {
			config.BaseURL = "http://localhost:11434"
		}
		model, err = ollama.New(ollama.WithModel(config.Model),
			ollama.WithServerURL(config.BaseURL))
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", config.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM: %w", err)
	}

	return WithDefaults(model,
		llms.WithTemperature(config.Temperature),
		llms.WithMaxTokens(config.MaxTokens)), nil
}

// WithDefaults wraps model so that defaults are applied before per-call options.
func WithDefaults(model llms.Model, defaults ...llms.CallOption) llms.Model {
	return &tunedModel{Model: model, defaults: defaults}
}

type tunedModel struct {
	llms.Model
	defaults []llms.CallOption
}

func (m *tunedModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	merged := make([]llms.CallOption, 0, len(m.defaults)+len(options))
	merged = append(merged, m.defaults...)
	merged = append(merged, options...)
	return m.Model.GenerateContent(ctx, messages, merged...)
}

func (m *tunedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}
