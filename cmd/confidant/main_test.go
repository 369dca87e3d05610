package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/confidant/internal/assistant"
	"github.com/normanking/confidant/internal/config"
	"github.com/normanking/confidant/internal/llm"
	"github.com/normanking/confidant/internal/logging"
	"github.com/normanking/confidant/internal/persona"
	"github.com/normanking/confidant/internal/store"
)

type echoProvider struct{ kind llm.Kind }

func (p echoProvider) Chat(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	last := req.Messages[len(req.Messages)-1].Content
	return &llm.ChatResponse{Content: "echo: " + last, FinishReason: llm.FinishStop}, nil
}
func (p echoProvider) Name() string                   { return "echo" }
func (p echoProvider) Kind() llm.Kind                 { return p.kind }
func (p echoProvider) Available(context.Context) bool { return true }

func newTestApp(t *testing.T) *app {
	t.Helper()
	cfg = config.Default()
	log = logging.Nop()

	st := store.New(store.NewMemoryBackend(), store.WithLogger(log))
	require.NoError(t, st.Load(context.Background()))

	factory := func(info llm.ModelInfo) (llm.Provider, error) {
		return echoProvider{kind: info.Kind}, nil
	}
	adapter := llm.NewAdapter(llm.DefaultCatalog(), map[string]llm.Factory{
		"ollama": factory,
		"groq":   factory,
	}, log)

	svc := assistant.NewService(st, adapter, nil, assistant.Config{
		DefaultModel:     cfg.LLM.DefaultModel,
		FallbackUserName: cfg.Assistant.FallbackUserName,
	}, log)
	return &app{store: st, adapter: adapter, metrics: llm.NewMetricsRegistry(), svc: svc}
}

func TestRunChat(t *testing.T) {
	a := newTestApp(t)
	in := strings.NewReader("hi\nremind me to buy bread\ntell me a story\n/model groq-llama3.1\n/quit\nnever read\n")
	var out bytes.Buffer

	require.NoError(t, runChat(context.Background(), a, in, &out))

	text := out.String()
	assert.Contains(t, text, "Hello friend!")
	assert.Contains(t, text, "bread")
	assert.Contains(t, text, "echo: tell me a story")
	assert.Contains(t, text, "model: groq-llama3.1")
	assert.NotContains(t, text, "never read")

	st := a.store.Snapshot()
	require.Len(t, st.Tasks, 1)
	assert.Equal(t, "bread", st.Tasks[0].Title)
	assert.Equal(t, "groq-llama3.1", st.SelectedModel)

	sess, ok := st.ActiveSession()
	require.True(t, ok)
	assert.Len(t, sess.Messages, 6)
}

func TestRunChat_EOF(t *testing.T) {
	a := newTestApp(t)
	var out bytes.Buffer
	require.NoError(t, runChat(context.Background(), a, strings.NewReader(""), &out))
}

func TestChatCommand(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)
	_, err := a.svc.EnsureSession(ctx)
	require.NoError(t, err)
	var out bytes.Buffer

	quit, err := chatCommand(ctx, a, "/new", &out)
	require.NoError(t, err)
	assert.False(t, quit)
	assert.Len(t, a.store.Snapshot().Sessions, 2)

	_, err = chatCommand(ctx, a, "/model nope", &out)
	assert.Error(t, err)

	out.Reset()
	_, err = chatCommand(ctx, a, "/metrics", &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "no model calls this session")
	assert.NotContains(t, out.String(), "go_goroutines")

	_, err = chatCommand(ctx, a, "/dance", &out)
	assert.Error(t, err)

	quit, err = chatCommand(ctx, a, "/exit", &out)
	require.NoError(t, err)
	assert.True(t, quit)
}

func TestFindPersona(t *testing.T) {
	st := store.State{Personas: []persona.Persona{
		{ID: "aaaa-1111", Name: "Echo"},
		{ID: "aaaa-2222", Name: "Atlas"},
		{ID: "bbbb-3333", Name: "Nova"},
	}}

	p, err := findPersona(st, "atlas")
	require.NoError(t, err)
	assert.Equal(t, "aaaa-2222", p.ID)

	p, err = findPersona(st, "bbbb")
	require.NoError(t, err)
	assert.Equal(t, "Nova", p.Name)

	_, err = findPersona(st, "aaaa")
	assert.Error(t, err, "ambiguous prefix")

	_, err = findPersona(st, "zzz")
	assert.Error(t, err)
}

func TestFindSession(t *testing.T) {
	st := store.State{Sessions: []store.Session{{ID: "abc-1"}, {ID: "abd-2"}}}

	s, err := findSession(st, "abd")
	require.NoError(t, err)
	assert.Equal(t, "abd-2", s.ID)

	_, err = findSession(st, "ab")
	assert.Error(t, err)
}

func TestTable(t *testing.T) {
	out := table([]string{"A", "LONGER"}, [][]string{{"x", "y"}, {"wide cell", "z"}})
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "x          y")
	assert.Contains(t, lines[2], "wide cell  z")
}

func TestRenderModels(t *testing.T) {
	probes := llm.NewAvailabilityTable()
	probes.Set("ollama-llama3.2", true)

	out := renderModels(llm.DefaultCatalog(), probes, "groq-llama3.1")
	assert.Contains(t, out, "ollama-llama3.2")
	assert.Contains(t, out, "groq-gpt-oss")
	assert.Contains(t, out, "llama-3.1-8b-instant")
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "12345678", shortID("123456789abc"))
	assert.Equal(t, "abc", shortID("abc"))
}

func TestOpenAppChecksDatabase(t *testing.T) {
	t.Setenv("GROQ_API_KEY", "gsk_test")
	log = logging.Nop()
	ephemeral = false
	ctx := context.Background()

	cfg = config.Default()
	cfg.Storage.DataDir = t.TempDir()
	a, cleanup, err := openApp(ctx)
	require.NoError(t, err)
	assert.NotNil(t, a.svc)
	cleanup()

	cfg = config.Default()
	cfg.Storage.DataDir = "/mnt/share/confidant"
	_, _, err = openApp(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "network mount")
}
