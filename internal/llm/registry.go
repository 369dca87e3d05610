package llm

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// MetricsRegistry tracks the MetricsProvider created for each resolved model
// so the CLI can print one usage summary at exit.
type MetricsRegistry struct {
	mu        sync.RWMutex
	providers map[string]*MetricsProvider
}

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{providers: make(map[string]*MetricsProvider)}
}

// Register adds a MetricsProvider under key (the catalog model id).
func (r *MetricsRegistry) Register(key string, provider *MetricsProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[key] = provider
}

// Get retrieves the MetricsProvider registered under key.
func (r *MetricsRegistry) Get(key string) *MetricsProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[key]
}

// GetAll returns a copy of all registered providers.
func (r *MetricsRegistry) GetAll() map[string]*MetricsProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*MetricsProvider, len(r.providers))
	for k, v := range r.providers {
		result[k] = v
	}
	return result
}

// RegistrySummary aggregates usage across every provider.
type RegistrySummary struct {
	TotalCalls    int64
	TotalErrors   int64
	TotalTokens   int64
	LocalCalls    int64
	HostedCalls   int64
	EstimatedCost float64
	ProviderCount int
}

// LocalRate returns the share of calls answered on-device.
func (s RegistrySummary) LocalRate() float64 {
	if s.TotalCalls == 0 {
		return 0
	}
	return float64(s.LocalCalls) / float64(s.TotalCalls)
}

// GetSummary returns a high-level summary across all providers.
func (r *MetricsRegistry) GetSummary() RegistrySummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var s RegistrySummary
	s.ProviderCount = len(r.providers)
	for _, provider := range r.providers {
		m := provider.GetMetrics()
		s.TotalCalls += m.Calls
		s.TotalErrors += m.Errors
		s.TotalTokens += m.TotalTokens()
		s.EstimatedCost += m.EstimatedCost
		if m.Local {
			s.LocalCalls += m.Calls
		} else {
			s.HostedCalls += m.Calls
		}
	}
	return s
}

// Report renders one line per model that was called, sorted by key.
func (r *MetricsRegistry) Report() string {
	all := r.GetAll()
	keys := make([]string, 0, len(all))
	for k, p := range all {
		if p.GetMetrics().Calls > 0 {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return "no model calls this session"
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s (%s)\n", all[k].GetCostSummary(), k)
	}
	s := r.GetSummary()
	fmt.Fprintf(&b, "total: %d calls, %d errors, %d tokens, %.0f%% local",
		s.TotalCalls, s.TotalErrors, s.TotalTokens, s.LocalRate()*100)
	return b.String()
}

// Reset clears metrics across all providers.
func (r *MetricsRegistry) Reset() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, provider := range r.providers {
		provider.Reset()
	}
}

// WritePrometheus gathers g and writes the confidant_* families in the text
// exposition format. Runtime collectors registered on the same gatherer are
// skipped.
func WritePrometheus(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "confidant_") {
			continue
		}
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("write %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
