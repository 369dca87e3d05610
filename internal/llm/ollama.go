package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// OllamaProvider implements the Provider interface for an on-device Ollama server.
type OllamaProvider struct {
	baseProvider
}

// OllamaOption is a functional option for configuring OllamaProvider.
type OllamaOption func(*OllamaProvider)

// WithProbeTimeout overrides the liveness probe timeout (default 2s).
func WithProbeTimeout(d time.Duration) OllamaOption {
	return func(p *OllamaProvider) {
		if d > 0 {
			p.config.ProbeTimeout = d
		}
	}
}

// WithHTTPClient replaces the HTTP client used for both probe and chat.
func WithHTTPClient(c *http.Client) OllamaOption {
	return func(p *OllamaProvider) {
		if c != nil {
			p.client = c
		}
	}
}

// NewOllamaProvider creates a new Ollama provider.
func NewOllamaProvider(cfg *ProviderConfig, opts ...OllamaOption) *OllamaProvider {
	p := &OllamaProvider{baseProvider: newBaseProvider(cfg, "ollama")}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Kind reports KindLocal.
func (p *OllamaProvider) Kind() Kind {
	return KindLocal
}

// Available probes GET /api/tags with a short timeout. Any 2xx means the
// server is up; errors and timeouts report false.
func (p *OllamaProvider) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.config.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.Endpoint+"/api/tags", nil)
	if err != nil {
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, MaxErrorBodySize))

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Chat sends a non-streaming chat request to Ollama. Liveness is left to the
// caller; a daemon that refuses the connection surfaces as ProviderUnavailable.
func (p *OllamaProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	model := p.model(req)
	start := time.Now()

	ollamaReq := ollamaChatRequest{
		Model:  model,
		Stream: false,
	}
	for _, msg := range req.Messages {
		ollamaReq.Messages = append(ollamaReq.Messages, ollamaMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	ollamaReq.Options.Temperature = req.Options.Temperature
	if ollamaReq.Options.Temperature == nil {
		ollamaReq.Options.Temperature = p.config.Temperature
	}
	ollamaReq.Options.NumCtx = p.config.NumCtx

	body, err := json.Marshal(ollamaReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if isDialError(err) {
			return nil, unavailableError(p.Name(), model, err)
		}
		return nil, networkError(p.Name(), model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, classifyStatus(p.Name(), model, resp.StatusCode, string(bodyBytes))
	}

	var ollamaResp ollamaChatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, MaxResponseSize)).Decode(&ollamaResp); err != nil {
		return nil, malformedError(p.Name(), model, fmt.Errorf("decode response: %w", err))
	}
	if ollamaResp.Message == nil {
		return nil, malformedError(p.Name(), model, fmt.Errorf("response has no message"))
	}

	finish := FinishStop
	if !ollamaResp.Done {
		finish = FinishLength
	}

	respModel := ollamaResp.Model
	if respModel == "" {
		respModel = model
	}

	return &ChatResponse{
		Content:      ollamaResp.Message.Content,
		FinishReason: finish,
		Usage: Usage{
			PromptTokens:     ollamaResp.PromptEvalCount,
			CompletionTokens: ollamaResp.EvalCount,
			TotalTokens:      ollamaResp.PromptEvalCount + ollamaResp.EvalCount,
		},
		Model:    respModel,
		Provider: p.Name(),
		Duration: time.Since(start),
	}, nil
}

// isDialError reports a failure to connect at all, as opposed to one
// mid-request. Cancellation is never a dial error.
func isDialError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// Ollama API types
type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumCtx      int      `json:"num_ctx,omitempty"`
}

type ollamaChatResponse struct {
	Model           string         `json:"model"`
	Message         *ollamaMessage `json:"message"`
	Done            bool           `json:"done"`
	PromptEvalCount int            `json:"prompt_eval_count"`
	EvalCount       int            `json:"eval_count"`
}
