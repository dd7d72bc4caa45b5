package agent

import (
	"context"
	"fmt"
)

// Provider is an interface for LLM API providers
type Provider interface {
	// Complete makes one model call.
	Complete(ctx context.Context, request Request) (*Completion, error)

	// Name returns the provider name.
	Name() string
}

// Request contains the parameters for one model call
type Request struct {
	Model        string
	Messages     []Message
	Tools        []ToolDefinition
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// ToolDefinition describes a tool offered to the model
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// Completion contains the model's response
type Completion struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *TokenUsage
}

// Credentials carries the API keys available to the provider factory.
type Credentials struct {
	OpenAIAPIKey    string
	AnthropicAPIKey string
}

// NewProvider selects a provider implementation by name.
func NewProvider(name string, creds Credentials) (Provider, error) {
	switch name {
	case "openai":
		if creds.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai api key is not configured")
		}
		return NewOpenAIProvider(creds.OpenAIAPIKey), nil
	case "anthropic":
		if creds.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("anthropic api key is not configured")
		}
		return NewAnthropicProvider(creds.AnthropicAPIKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", name)
	}
}
