package llm

import (
	"bytes"
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/confidant/internal/logging"
)

// usageProvider returns fixed usage on every call.
type usageProvider struct {
	fakeProvider
	usage Usage
}

func (u *usageProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	resp, err := u.fakeProvider.Chat(ctx, req)
	if resp != nil {
		resp.Usage = u.usage
	}
	return resp, err
}

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func TestMetricsProviderCountsCallsAndTokens(t *testing.T) {
	inner := &usageProvider{
		fakeProvider: fakeProvider{name: "metrics-test-hosted", kind: KindHosted, available: true, reply: "ok"},
		usage:        Usage{PromptTokens: 1_000_000, CompletionTokens: 500_000, TotalTokens: 1_500_000},
	}
	mp := NewMetricsProvider(inner, logging.Nop())

	for i := 0; i < 2; i++ {
		_, err := mp.Chat(context.Background(), &ChatRequest{Model: "m1"})
		require.NoError(t, err)
	}

	m := mp.GetMetrics()
	assert.Equal(t, int64(2), m.Calls)
	assert.Equal(t, int64(0), m.Errors)
	assert.Equal(t, int64(2_000_000), m.InputTokens)
	assert.Equal(t, int64(1_000_000), m.OutputTokens)
	assert.False(t, m.Local)
	// Unknown provider is priced at $1 in / $2 out per million.
	assert.InDelta(t, 4.0, m.EstimatedCost, 1e-9)
	assert.Equal(t, int64(2), m.Models["m1"].Calls)

	assert.Equal(t, 2.0, counterValue(t, callsTotal.WithLabelValues("metrics-test-hosted", "m1")))
	assert.Equal(t, 2_000_000.0, counterValue(t, tokensTotal.WithLabelValues("metrics-test-hosted", "prompt")))
	assert.Contains(t, mp.GetCostSummary(), "$4.0000")
}

func TestMetricsProviderCountsErrorsByCode(t *testing.T) {
	inner := &fakeProvider{
		name: "metrics-test-local",
		kind: KindLocal,
		err:  &Error{Code: CodeProviderUnavailable},
	}
	mp := NewMetricsProvider(inner, logging.Nop())

	_, err := mp.Chat(context.Background(), &ChatRequest{Model: "m2"})
	require.ErrorIs(t, err, ErrProviderUnavailable)

	m := mp.GetMetrics()
	assert.Equal(t, int64(1), m.Errors)
	assert.Equal(t, 1.0, m.ErrorRate())
	assert.Equal(t, 1.0, counterValue(t, errorsTotal.WithLabelValues("metrics-test-local", "m2", "ProviderUnavailable")))
	assert.Equal(t, "metrics-test-local: 1 calls, 0 tokens (free)", mp.GetCostSummary())

	mp.Reset()
	assert.Equal(t, int64(0), mp.GetMetrics().Calls)
	assert.Equal(t, "metrics-test-local: no calls", mp.GetCostSummary())
}

func TestMetricsRegistryReport(t *testing.T) {
	reg := NewMetricsRegistry()
	assert.Equal(t, "no model calls this session", reg.Report())

	local := NewMetricsProvider(&fakeProvider{name: "ollama", kind: KindLocal, reply: "x"}, logging.Nop())
	hosted := NewMetricsProvider(&fakeProvider{name: "groq", kind: KindHosted, reply: "y"}, logging.Nop())
	reg.Register("ollama-llama3.2", local)
	reg.Register("groq-llama3.1", hosted)

	_, _ = local.Chat(context.Background(), &ChatRequest{Model: "llama3.2"})
	_, _ = local.Chat(context.Background(), &ChatRequest{Model: "llama3.2"})
	_, _ = hosted.Chat(context.Background(), &ChatRequest{Model: "llama-3.1-8b-instant"})

	s := reg.GetSummary()
	assert.Equal(t, int64(3), s.TotalCalls)
	assert.Equal(t, int64(2), s.LocalCalls)
	assert.Equal(t, int64(1), s.HostedCalls)
	assert.Equal(t, 2, s.ProviderCount)
	assert.InDelta(t, 2.0/3.0, s.LocalRate(), 1e-9)

	report := reg.Report()
	assert.Contains(t, report, "(groq-llama3.1)")
	assert.Contains(t, report, "(ollama-llama3.2)")
	assert.Contains(t, report, "total: 3 calls, 0 errors")

	assert.Same(t, local, reg.Get("ollama-llama3.2"))
	reg.Reset()
	assert.Equal(t, int64(0), reg.GetSummary().TotalCalls)
}

func TestWritePrometheusExportsLLMFamilies(t *testing.T) {
	mp := NewMetricsProvider(&fakeProvider{name: "metrics-export", kind: KindLocal, reply: "ok"}, logging.Nop())
	_, err := mp.Chat(context.Background(), &ChatRequest{Model: "llama3.2"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WritePrometheus(&buf, prometheus.DefaultGatherer))

	out := buf.String()
	assert.Contains(t, out, "# TYPE confidant_llm_calls_total counter")
	assert.Contains(t, out, `confidant_llm_calls_total{model="llama3.2",provider="metrics-export"} 1`)
	assert.Contains(t, out, "confidant_llm_call_duration_seconds_bucket")
	assert.NotContains(t, out, "go_goroutines")
}
