// Package llm provides the response-generation backends for Confidant.
// It supports an on-device Ollama server and hosted chat-completions APIs
// (Groq), a model catalog, availability probing and one-hop fallback.
package llm

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Security limits to prevent unbounded memory usage
const (
	// MaxErrorBodySize limits how much error response body we read (1MB)
	MaxErrorBodySize = 1 * 1024 * 1024

	// MaxResponseSize limits how much of a successful reply we decode (16MB)
	MaxResponseSize = 16 * 1024 * 1024
)

// readLimitedBody reads up to maxBytes from r, returning the bytes read.
// This is used for error responses to prevent unbounded memory allocation.
func readLimitedBody(r io.Reader, maxBytes int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxBytes))
}

// Kind distinguishes on-device backends from hosted ones.
type Kind string

const (
	KindLocal  Kind = "local"
	KindHosted Kind = "hosted"
)

// Provider defines the interface for response-generation backends.
type Provider interface {
	// Chat sends the message list and returns the normalized reply.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Name returns the provider identifier ("ollama", "groq").
	Name() string

	// Kind reports whether the backend runs on-device or is hosted.
	Kind() Kind

	// Available is the cheap availability check. It never errors.
	Available(ctx context.Context) bool
}

// Validator is implemented by providers that can prove availability with a
// minimal real request. Validate returns nil only on a well-formed reply.
type Validator interface {
	Validate(ctx context.Context) error
}

// Role values for Message.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message represents a conversation message.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// Options are per-request generation settings. Zero values fall back to the
// provider's configured defaults. Temperature is a pointer because 0 is a
// meaningful setting; nil means the default.
type Options struct {
	Temperature *float64
	MaxTokens   int
	TopP        float64
}

// Temperature returns t as an Options.Temperature value.
func Temperature(t float64) *float64 { return &t }

// ChatRequest represents a chat completion request.
type ChatRequest struct {
	// Model to use (backend-specific). Empty uses the provider default.
	Model string `json:"model"`

	// Messages in the conversation, system prompt first when present.
	Messages []Message `json:"messages"`

	Options Options `json:"-"`
}

// FinishReason is constrained to stop, length and tool_call.
type FinishReason string

const (
	FinishStop     FinishReason = "stop"
	FinishLength   FinishReason = "length"
	FinishToolCall FinishReason = "tool_call"
)

// normalizeFinishReason maps backend values onto the closed set.
// Unrecognized or empty values become stop.
func normalizeFinishReason(s string) FinishReason {
	switch s {
	case "length":
		return FinishLength
	case "tool_call", "tool_calls", "function_call":
		return FinishToolCall
	default:
		return FinishStop
	}
}

// Usage holds token counters. Missing backend counts are zero.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse contains the backend's reply.
type ChatResponse struct {
	Content      string        `json:"content"`
	FinishReason FinishReason  `json:"finish_reason"`
	Usage        Usage         `json:"usage"`
	Model        string        `json:"model"`
	Provider     string        `json:"provider"`
	Duration     time.Duration `json:"duration"`

	// FallbackFrom is the catalog model id originally requested when the reply
	// came from the on-device fallback instead.
	FallbackFrom string `json:"fallback_from,omitempty"`
}

// ProviderConfig contains configuration for a provider.
type ProviderConfig struct {
	// Name identifies the provider (ollama, groq).
	Name string

	// Endpoint is the API base URL.
	Endpoint string

	// APIKey for authentication.
	APIKey string

	// Model is the default backend model.
	Model string

	// Request defaults.
	MaxTokens   int
	Temperature *float64
	TopP        float64
	NumCtx      int

	// Timeout for generation calls. Zero means the transport default.
	Timeout time.Duration

	// ProbeTimeout bounds the on-device liveness probe.
	ProbeTimeout time.Duration

	// MaxRetries is how many times a throttled or 5xx hosted reply is
	// retried. Zero disables retries.
	MaxRetries int

	// RetryBackoff is the first retry delay; later delays double.
	RetryBackoff time.Duration

	// Limits are enforced client-side by a RateLimitedProvider.
	Limits ProviderLimits
}

// DefaultConfig returns defaults for a provider.
func DefaultConfig(name string) *ProviderConfig {
	switch name {
	case "ollama":
		return &ProviderConfig{
			Name:         "ollama",
			Endpoint:     "http://127.0.0.1:11434",
			Model:        "llama3.2",
			Temperature:  Temperature(0.7),
			NumCtx:       8192,
			ProbeTimeout: 2 * time.Second,
		}
	case "groq":
		// OpenAI-compatible chat completions.
		return &ProviderConfig{
			Name:        "groq",
			Endpoint:    "https://api.groq.com/openai/v1",
			Model:       "llama-3.1-8b-instant",
			MaxTokens:   8192,
			Temperature: Temperature(0.7),
			TopP:        1,

			MaxRetries:   2,
			RetryBackoff: 500 * time.Millisecond,
		}
	default:
		return &ProviderConfig{
			Name:        name,
			MaxTokens:   4096,
			Temperature: Temperature(0.7),
			TopP:        1,
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// BASE PROVIDER (DRY helper for HTTP-based providers)
// ═══════════════════════════════════════════════════════════════════════════════

// baseProvider provides common functionality for HTTP-based providers.
type baseProvider struct {
	config *ProviderConfig
	client *http.Client
}

// newBaseProvider creates a new base provider with defaults applied.
func newBaseProvider(cfg *ProviderConfig, providerName string) baseProvider {
	defaults := DefaultConfig(providerName)
	if cfg == nil {
		cfg = defaults
	}

	merged := *cfg
	if merged.Endpoint == "" {
		merged.Endpoint = defaults.Endpoint
	}
	if merged.Model == "" {
		merged.Model = defaults.Model
	}
	if merged.MaxTokens == 0 {
		merged.MaxTokens = defaults.MaxTokens
	}
	if merged.Temperature == nil {
		merged.Temperature = defaults.Temperature
	}
	if merged.TopP == 0 {
		merged.TopP = defaults.TopP
	}
	if merged.NumCtx == 0 {
		merged.NumCtx = defaults.NumCtx
	}
	if merged.ProbeTimeout == 0 {
		merged.ProbeTimeout = defaults.ProbeTimeout
	}
	if merged.RetryBackoff == 0 {
		merged.RetryBackoff = 500 * time.Millisecond
	}
	merged.Name = providerName

	return baseProvider{
		config: &merged,
		// No client Timeout unless configured; calls rely on ctx and the transport.
		client: &http.Client{Timeout: merged.Timeout},
	}
}

// Name returns the provider identifier.
func (b *baseProvider) Name() string {
	return b.config.Name
}

// Model returns the default backend model.
func (b *baseProvider) Model() string {
	return b.config.Model
}

func (b *baseProvider) model(req *ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return b.config.Model
}
