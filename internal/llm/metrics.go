package llm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/normanking/confidant/internal/logging"
)

var (
	callsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "confidant",
			Subsystem: "llm",
			Name:      "calls_total",
			Help:      "Generation calls issued, by provider and backend model.",
		},
		[]string{"provider", "model"},
	)

	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "confidant",
			Subsystem: "llm",
			Name:      "errors_total",
			Help:      "Generation calls that failed, by normalized error code.",
		},
		[]string{"provider", "model", "code"},
	)

	tokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "confidant",
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "Tokens reported by backends, split into prompt and completion.",
		},
		[]string{"provider", "direction"},
	)

	callDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "confidant",
			Subsystem: "llm",
			Name:      "call_duration_seconds",
			Help:      "Generation call latency in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider"},
	)
)

// ═══════════════════════════════════════════════════════════════════════════════
// COST RATES (per million tokens)
// ═══════════════════════════════════════════════════════════════════════════════

// ProviderCostRates defines cost per million tokens for a provider.
type ProviderCostRates struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// CostRates maps provider names to their token costs (USD per million tokens).
var CostRates = map[string]ProviderCostRates{
	"ollama": {0.0, 0.0},
	"groq":   {0.05, 0.08}, // Llama 3.1 8B Instant
}

// GetCostRate returns the cost rate for a provider.
func GetCostRate(provider string) ProviderCostRates {
	if rate, ok := CostRates[provider]; ok {
		return rate
	}
	// Unknown provider - assume moderate cloud pricing
	return ProviderCostRates{1.0, 2.0}
}

// ═══════════════════════════════════════════════════════════════════════════════
// METRICS PROVIDER
// ═══════════════════════════════════════════════════════════════════════════════

// MetricsProvider wraps a provider with timing and usage collection. It
// records into the process Prometheus registry and keeps its own totals for
// the end-of-session summary.
type MetricsProvider struct {
	provider Provider
	name     string
	log      *logging.Logger

	totalCalls        int64
	totalErrors       int64
	totalInputTokens  int64
	totalOutputTokens int64

	mu               sync.RWMutex
	totalLatency     time.Duration
	minLatency       time.Duration
	maxLatency       time.Duration
	modelStats       map[string]*ModelMetrics
	estimatedCostUSD float64
}

// ModelMetrics tracks per-model performance.
type ModelMetrics struct {
	Calls         int64
	Errors        int64
	TotalLatency  time.Duration
	InputTokens   int64
	OutputTokens  int64
	EstimatedCost float64
}

// NewMetricsProvider wraps a provider with metrics collection.
func NewMetricsProvider(provider Provider, log *logging.Logger) *MetricsProvider {
	if log == nil {
		log = logging.Global()
	}
	return &MetricsProvider{
		provider:   provider,
		name:       provider.Name(),
		log:        log.WithComponent("llm"),
		minLatency: time.Hour, // Will be replaced on first call
		modelStats: make(map[string]*ModelMetrics),
	}
}

// Chat implements Provider with metrics.
func (m *MetricsProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()
	m.log.Debug("starting %s/%s call", m.name, req.Model)

	resp, err := m.provider.Chat(ctx, req)
	m.record(req.Model, time.Since(start), resp, err)
	return resp, err
}

// Validate forwards a credential check to the nearest wrapped Validator and
// records it as a call against the "validate" model label. With nothing
// underneath to validate it returns nil without recording.
func (m *MetricsProvider) Validate(ctx context.Context) error {
	v, ok := asValidator(m.provider)
	if !ok {
		return nil
	}
	start := time.Now()
	err := v.Validate(ctx)
	m.record(validateModel, time.Since(start), nil, err)
	return err
}

const validateModel = "validate"

func (m *MetricsProvider) record(model string, latency time.Duration, resp *ChatResponse, err error) {
	atomic.AddInt64(&m.totalCalls, 1)
	callsTotal.WithLabelValues(m.name, model).Inc()
	callDuration.WithLabelValues(m.name).Observe(latency.Seconds())
	if err != nil {
		atomic.AddInt64(&m.totalErrors, 1)
		code := string(CodeOf(err))
		if code == "" {
			code = "Unknown"
		}
		errorsTotal.WithLabelValues(m.name, model, code).Inc()
	}

	m.mu.Lock()
	m.totalLatency += latency
	if latency < m.minLatency {
		m.minLatency = latency
	}
	if latency > m.maxLatency {
		m.maxLatency = latency
	}
	stats, ok := m.modelStats[model]
	if !ok {
		stats = &ModelMetrics{}
		m.modelStats[model] = stats
	}
	stats.Calls++
	stats.TotalLatency += latency
	if err != nil {
		stats.Errors++
	}

	var callCost float64
	if resp != nil {
		in, out := resp.Usage.PromptTokens, resp.Usage.CompletionTokens
		atomic.AddInt64(&m.totalInputTokens, int64(in))
		atomic.AddInt64(&m.totalOutputTokens, int64(out))
		tokensTotal.WithLabelValues(m.name, "prompt").Add(float64(in))
		tokensTotal.WithLabelValues(m.name, "completion").Add(float64(out))

		rates := GetCostRate(m.name)
		callCost = float64(in)/1_000_000.0*rates.InputPerMillion +
			float64(out)/1_000_000.0*rates.OutputPerMillion
		m.estimatedCostUSD += callCost
		stats.InputTokens += int64(in)
		stats.OutputTokens += int64(out)
		stats.EstimatedCost += callCost
	}
	m.mu.Unlock()

	switch {
	case err != nil:
		m.log.Warn("%s/%s failed after %v: %v", m.name, model, latency, err)
	case resp == nil:
		m.log.Debug("%s/%s completed in %v", m.name, model, latency)
	case callCost > 0:
		m.log.Info("%s/%s completed in %v (%d tokens, $%.6f)", m.name, model, latency, resp.Usage.TotalTokens, callCost)
	default:
		m.log.Info("%s/%s completed in %v (%d tokens, free)", m.name, model, latency, resp.Usage.TotalTokens)
	}
}

// Name implements Provider.
func (m *MetricsProvider) Name() string {
	return m.name
}

// Kind implements Provider.
func (m *MetricsProvider) Kind() Kind {
	return m.provider.Kind()
}

// Available implements Provider.
func (m *MetricsProvider) Available(ctx context.Context) bool {
	return m.provider.Available(ctx)
}

// Unwrap returns the underlying provider.
func (m *MetricsProvider) Unwrap() Provider {
	return m.provider
}

// ProviderMetrics is a point-in-time copy of a MetricsProvider's totals.
type ProviderMetrics struct {
	Provider      string
	Local         bool
	Calls         int64
	Errors        int64
	InputTokens   int64
	OutputTokens  int64
	EstimatedCost float64
	AvgLatency    time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
	Models        map[string]ModelMetrics
}

// ErrorRate returns Errors/Calls, or 0 with no calls.
func (p ProviderMetrics) ErrorRate() float64 {
	if p.Calls == 0 {
		return 0
	}
	return float64(p.Errors) / float64(p.Calls)
}

// TotalTokens returns prompt plus completion tokens.
func (p ProviderMetrics) TotalTokens() int64 {
	return p.InputTokens + p.OutputTokens
}

// GetMetrics returns current metrics.
func (m *MetricsProvider) GetMetrics() ProviderMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	calls := atomic.LoadInt64(&m.totalCalls)
	out := ProviderMetrics{
		Provider:      m.name,
		Local:         m.provider.Kind() == KindLocal,
		Calls:         calls,
		Errors:        atomic.LoadInt64(&m.totalErrors),
		InputTokens:   atomic.LoadInt64(&m.totalInputTokens),
		OutputTokens:  atomic.LoadInt64(&m.totalOutputTokens),
		EstimatedCost: m.estimatedCostUSD,
		MaxLatency:    m.maxLatency,
		Models:        make(map[string]ModelMetrics, len(m.modelStats)),
	}
	if calls > 0 {
		out.AvgLatency = m.totalLatency / time.Duration(calls)
		out.MinLatency = m.minLatency
	}
	for model, stats := range m.modelStats {
		out.Models[model] = *stats
	}
	return out
}

// GetCostSummary returns a human-readable cost summary.
func (m *MetricsProvider) GetCostSummary() string {
	s := m.GetMetrics()

	if s.Calls == 0 {
		return fmt.Sprintf("%s: no calls", m.name)
	}
	if s.Local {
		return fmt.Sprintf("%s: %d calls, %d tokens (free)", m.name, s.Calls, s.TotalTokens())
	}
	return fmt.Sprintf("%s: %d calls, %d tokens, $%.4f", m.name, s.Calls, s.TotalTokens(), s.EstimatedCost)
}

// Reset clears the local totals. Prometheus counters are monotonic and are not reset.
func (m *MetricsProvider) Reset() {
	atomic.StoreInt64(&m.totalCalls, 0)
	atomic.StoreInt64(&m.totalErrors, 0)
	atomic.StoreInt64(&m.totalInputTokens, 0)
	atomic.StoreInt64(&m.totalOutputTokens, 0)

	m.mu.Lock()
	m.totalLatency = 0
	m.minLatency = time.Hour
	m.maxLatency = 0
	m.modelStats = make(map[string]*ModelMetrics)
	m.estimatedCostUSD = 0
	m.mu.Unlock()
}
