package provider

import (
	"context"
	"errors"
	"time"
)

// ErrNoProvider is returned when the router has nothing to route to.
var ErrNoProvider = errors.New("no completion provider registered")

// Provider is a text completion service.
type Provider interface {
	ID() string
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
	HealthCheck(ctx context.Context) error
}

// CompletionRequest is a single system+user prompt exchange.
type CompletionRequest struct {
	Model       string  `json:"model,omitempty"`
	System      string  `json:"system"`
	User        string  `json:"user"`
	JSON        bool    `json:"json"` // ask for a single JSON object back
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// CompletionResponse is the text the provider returned.
type CompletionResponse struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Provider types accepted by New. Ollama and other OpenAI-compatible
// servers go through the OpenAI client.
const (
	TypeOpenAI           = "openai"
	TypeOpenAICompatible = "openai-compatible"
	TypeOllama           = "ollama"
	TypeAnthropic        = "anthropic"
)

// Types lists every type New accepts.
var Types = []string{TypeOpenAI, TypeOpenAICompatible, TypeOllama, TypeAnthropic}

// ProviderConfig holds configuration for a provider instance.
type ProviderConfig struct {
	ID        string            `json:"id" yaml:"id"`
	Type      string            `json:"type" yaml:"type"` // one of Types
	Name      string            `json:"name" yaml:"name"`
	Endpoint  string            `json:"endpoint" yaml:"endpoint"`
	APIKey    string            `json:"api_key" yaml:"api_key"`
	Model     string            `json:"model" yaml:"model"`
	MaxTokens int               `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Extra     map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
	Timeout   time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// healthPrompt is the tiny request used by health checks.
const healthPrompt = "Reply with the single word: ok"
