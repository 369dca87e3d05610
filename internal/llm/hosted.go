package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// HostedProvider implements the Provider interface for OpenAI-compatible
// chat-completions APIs. Groq is the built-in preset.
type HostedProvider struct {
	baseProvider

	// pingModel is used by Validate; a known stable model rather than the
	// configured one, so a decommissioned selection still validates the key.
	pingModel string
}

// NewHostedProvider creates a chat-completions provider named name.
func NewHostedProvider(name string, cfg *ProviderConfig) *HostedProvider {
	base := newBaseProvider(cfg, name)
	return &HostedProvider{
		baseProvider: base,
		pingModel:    DefaultConfig(name).Model,
	}
}

// NewGroqProvider creates a Groq provider.
// Groq uses an OpenAI-compatible API at https://api.groq.com/openai/v1
func NewGroqProvider(cfg *ProviderConfig) *HostedProvider {
	return NewHostedProvider("groq", cfg)
}

// Kind reports KindHosted.
func (p *HostedProvider) Kind() Kind {
	return KindHosted
}

// Available reports whether a credential is configured. No request is made.
func (p *HostedProvider) Available(ctx context.Context) bool {
	return p.config.APIKey != ""
}

// Validate issues a one-token "ping" completion. It succeeds only when the
// reply decodes and carries at least one choice.
func (p *HostedProvider) Validate(ctx context.Context) error {
	model := p.pingModel
	if model == "" {
		model = p.config.Model
	}
	_, err := p.roundTrip(ctx, chatCompletionRequest{
		Model:     model,
		Messages:  []chatCompletionMessage{{Role: RoleUser, Content: "ping"}},
		MaxTokens: 1,
	})
	return err
}

// Chat sends a chat completion request.
func (p *HostedProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	model := p.model(req)
	start := time.Now()

	apiReq := chatCompletionRequest{
		Model:       model,
		Temperature: req.Options.Temperature,
		MaxTokens:   req.Options.MaxTokens,
		TopP:        req.Options.TopP,
	}
	if apiReq.Temperature == nil {
		apiReq.Temperature = p.config.Temperature
	}
	if apiReq.MaxTokens == 0 {
		apiReq.MaxTokens = p.config.MaxTokens
	}
	if apiReq.TopP == 0 {
		apiReq.TopP = p.config.TopP
	}
	for _, msg := range req.Messages {
		apiReq.Messages = append(apiReq.Messages, chatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	apiResp, err := p.complete(ctx, apiReq)
	if err != nil {
		return nil, err
	}

	choice := apiResp.Choices[0]
	respModel := apiResp.Model
	if respModel == "" {
		respModel = model
	}

	return &ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: normalizeFinishReason(choice.FinishReason),
		Usage: Usage{
			PromptTokens:     apiResp.Usage.PromptTokens,
			CompletionTokens: apiResp.Usage.CompletionTokens,
			TotalTokens:      apiResp.Usage.TotalTokens,
		},
		Model:    respModel,
		Provider: p.Name(),
		Duration: time.Since(start),
	}, nil
}

// complete sends apiReq, retrying throttled and 5xx replies up to
// MaxRetries times with exponential backoff.
func (p *HostedProvider) complete(ctx context.Context, apiReq chatCompletionRequest) (*chatCompletionResponse, error) {
	if p.config.MaxRetries <= 0 {
		return p.roundTrip(ctx, apiReq)
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.config.RetryBackoff
	exp.Multiplier = 2
	exp.MaxInterval = 8 * p.config.RetryBackoff
	exp.MaxElapsedTime = 0
	exp.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.config.MaxRetries)), ctx)

	var out *chatCompletionResponse
	err := backoff.Retry(func() error {
		resp, err := p.roundTrip(ctx, apiReq)
		if err != nil {
			if retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = resp
		return nil
	}, policy)
	if err != nil {
		var e *Error
		if !errors.As(err, &e) {
			err = networkError(p.Name(), apiReq.Model, err)
		}
		return nil, err
	}
	return out, nil
}

// roundTrip performs one POST {endpoint}/chat/completions.
func (p *HostedProvider) roundTrip(ctx context.Context, apiReq chatCompletionRequest) (*chatCompletionResponse, error) {
	if p.config.APIKey == "" {
		return nil, authMissingError(p.Name(), apiReq.Model)
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, networkError(p.Name(), apiReq.Model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, classifyStatus(p.Name(), apiReq.Model, resp.StatusCode, string(bodyBytes))
	}

	var apiResp chatCompletionResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, MaxResponseSize)).Decode(&apiResp); err != nil {
		return nil, malformedError(p.Name(), apiReq.Model, fmt.Errorf("decode response: %w", err))
	}
	if len(apiResp.Choices) == 0 {
		return nil, malformedError(p.Name(), apiReq.Model, errors.New("no choices in response"))
	}

	return &apiResp, nil
}

// Chat-completions API types
type chatCompletionRequest struct {
	Model       string                  `json:"model"`
	Messages    []chatCompletionMessage `json:"messages"`
	MaxTokens   int                     `json:"max_tokens,omitempty"`
	Temperature *float64                `json:"temperature,omitempty"`
	TopP        float64                 `json:"top_p,omitempty"`
	Stream      bool                    `json:"stream"`
}

type chatCompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int                   `json:"index"`
		Message      chatCompletionMessage `json:"message"`
		FinishReason string                `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}
