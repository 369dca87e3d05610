package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newOllamaServer serves /api/tags with 200 and /api/chat with chat.
func newOllamaServer(t *testing.T, chat http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"models":[]}`))
		case "/api/chat":
			chat(w, r)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestOllamaAvailable(t *testing.T) {
	t.Run("any 2xx is available", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/tags", r.URL.Path)
			assert.Equal(t, http.MethodGet, r.Method)
			w.WriteHeader(http.StatusNoContent)
		}))
		defer server.Close()

		p := NewOllamaProvider(&ProviderConfig{Endpoint: server.URL})
		assert.True(t, p.Available(context.Background()))
	})

	t.Run("server error is unavailable", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		p := NewOllamaProvider(&ProviderConfig{Endpoint: server.URL})
		assert.False(t, p.Available(context.Background()))
	})

	t.Run("connection refused is unavailable", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		url := server.URL
		server.Close()

		p := NewOllamaProvider(&ProviderConfig{Endpoint: url})
		assert.False(t, p.Available(context.Background()))
	})
}

func TestOllamaProbeTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	p := NewOllamaProvider(&ProviderConfig{Endpoint: server.URL}, WithProbeTimeout(50*time.Millisecond))

	start := time.Now()
	assert.False(t, p.Available(context.Background()))
	assert.Less(t, time.Since(start), time.Second, "probe should give up at its own timeout")
}

func TestOllamaDefaultProbeTimeoutIsTwoSeconds(t *testing.T) {
	p := NewOllamaProvider(nil)
	assert.Equal(t, 2*time.Second, p.config.ProbeTimeout)
	assert.Equal(t, "http://127.0.0.1:11434", p.config.Endpoint)
	assert.Equal(t, KindLocal, p.Kind())
}

func TestOllamaChatRequestAndResponse(t *testing.T) {
	server := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "llama3.2", body["model"])
		assert.Equal(t, false, body["stream"])

		opts, ok := body["options"].(map[string]interface{})
		require.True(t, ok, "options must be present")
		assert.Equal(t, 0.7, opts["temperature"])
		assert.Equal(t, float64(8192), opts["num_ctx"])

		msgs, ok := body["messages"].([]interface{})
		require.True(t, ok)
		require.Len(t, msgs, 2)
		first := msgs[0].(map[string]interface{})
		assert.Equal(t, "system", first["role"])

		w.Write([]byte(`{"model":"llama3.2","message":{"role":"assistant","content":"Hello!"},"done":true,"prompt_eval_count":12,"eval_count":5}`))
	})

	p := NewOllamaProvider(&ProviderConfig{Endpoint: server.URL})
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Messages: []Message{
			{Role: RoleSystem, Content: "You are kind."},
			{Role: RoleUser, Content: "hi"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello!", resp.Content)
	assert.Equal(t, FinishStop, resp.FinishReason)
	assert.Equal(t, Usage{PromptTokens: 12, CompletionTokens: 5, TotalTokens: 17}, resp.Usage)
	assert.Equal(t, "ollama", resp.Provider)
	assert.Equal(t, "llama3.2", resp.Model)
}

func TestOllamaChatNotDoneIsLength(t *testing.T) {
	server := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message":{"role":"assistant","content":"partial"},"done":false}`))
	})

	p := NewOllamaProvider(&ProviderConfig{Endpoint: server.URL, Model: "phi3"})
	resp, err := p.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	require.NoError(t, err)

	assert.Equal(t, FinishLength, resp.FinishReason)
	assert.Equal(t, Usage{}, resp.Usage, "missing counters are zero-filled")
	assert.Equal(t, "phi3", resp.Model)
}

func TestOllamaChatModelNotFound(t *testing.T) {
	server := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"model \"llama3.2\" not found, try pulling it first"}`))
	})

	p := NewOllamaProvider(&ProviderConfig{Endpoint: server.URL})
	_, err := p.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrModelNotFound)
	assert.Contains(t, Guidance(err), `ollama pull llama3.2`)
	assert.NotContains(t, Guidance(err), "try pulling it first", "backend wording is rewritten")
}

func TestOllamaChatUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	p := NewOllamaProvider(&ProviderConfig{Endpoint: url})
	_, err := p.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: RoleUser, Content: "x"}}})

	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Contains(t, Guidance(err), "Is Ollama running?")
}

func TestOllamaChatMalformed(t *testing.T) {
	server := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`this is not json`))
	})

	p := NewOllamaProvider(&ProviderConfig{Endpoint: server.URL})
	_, err := p.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestOllamaChatMissingMessage(t *testing.T) {
	server := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"done":true}`))
	})

	p := NewOllamaProvider(&ProviderConfig{Endpoint: server.URL})
	_, err := p.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestOllamaChatSkipsLivenessCheck(t *testing.T) {
	var tags, chats atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			tags.Add(1)
			w.Write([]byte(`{"models":[]}`))
		case "/api/chat":
			chats.Add(1)
			w.Write([]byte(`{"message":{"role":"assistant","content":"hi"},"done":true}`))
		}
	}))
	defer server.Close()

	p := NewOllamaProvider(&ProviderConfig{Endpoint: server.URL})
	for i := 0; i < 3; i++ {
		_, err := p.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: RoleUser, Content: "x"}}})
		require.NoError(t, err)
	}

	assert.EqualValues(t, 3, chats.Load())
	assert.Zero(t, tags.Load(), "Chat must not hit /api/tags")
}

func TestOllamaChatSendsZeroTemperature(t *testing.T) {
	server := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		opts := body["options"].(map[string]interface{})
		temp, ok := opts["temperature"]
		require.True(t, ok, "temperature 0 must be sent, not omitted")
		assert.Equal(t, float64(0), temp)

		w.Write([]byte(`{"message":{"role":"assistant","content":"ok"},"done":true}`))
	})

	p := NewOllamaProvider(&ProviderConfig{Endpoint: server.URL})
	_, err := p.Chat(context.Background(), &ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "x"}},
		Options:  Options{Temperature: Temperature(0)},
	})
	require.NoError(t, err)

	// A configured 0 applies when the request leaves it unset.
	p = NewOllamaProvider(&ProviderConfig{Endpoint: server.URL, Temperature: Temperature(0)})
	_, err = p.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	require.NoError(t, err)
}
