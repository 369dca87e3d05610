package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ProviderLimits are client-side limits for one provider. Zero disables a limit.
type ProviderLimits struct {
	RequestsPerMinute  int   `yaml:"requests_per_minute" json:"requests_per_minute"`
	ConcurrentRequests int   `yaml:"concurrent_requests" json:"concurrent_requests"`
	TokensPerDay       int64 `yaml:"tokens_per_day" json:"tokens_per_day"`

	// BurstSize lets short bursts exceed the per-minute rate. Defaults to 1.
	BurstSize int `yaml:"burst_size" json:"burst_size"`
}

// Unlimited reports whether no limit is configured at all.
func (l ProviderLimits) Unlimited() bool {
	return l.RequestsPerMinute <= 0 && l.ConcurrentRequests <= 0 && l.TokensPerDay <= 0
}

// DefaultProviderLimits returns the built-in limits for a provider.
func DefaultProviderLimits(provider string) ProviderLimits {
	switch provider {
	case "groq":
		// Free tier.
		return ProviderLimits{RequestsPerMinute: 30, ConcurrentRequests: 2, BurstSize: 5}
	case "ollama":
		return ProviderLimits{}
	default:
		return ProviderLimits{RequestsPerMinute: 30, ConcurrentRequests: 3, BurstSize: 5}
	}
}

// RateLimitMetrics is a snapshot of one provider's limiter.
type RateLimitMetrics struct {
	TotalRequests int64     `json:"total_requests"`
	TokensToday   int64     `json:"tokens_today"`
	RejectedCount int64     `json:"rejected_count"`
	LastRequestAt time.Time `json:"last_request_at"`
	Day           time.Time `json:"day"`
}

// ErrDailyBudgetExhausted is returned by Acquire once a provider's daily
// token budget is spent.
var ErrDailyBudgetExhausted = errors.New("daily token budget exhausted")

type providerLimiter struct {
	limits  ProviderLimits
	rate    *rate.Limiter
	slots   *semaphore.Weighted
	metrics RateLimitMetrics
}

// RateLimiter enforces per-provider request rate, concurrency and a daily
// token budget. The budget resets at local midnight.
type RateLimiter struct {
	mu        sync.Mutex
	providers map[string]*providerLimiter
	now       func() time.Time
}

// NewRateLimiter creates a limiter with no providers configured.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		providers: make(map[string]*providerLimiter),
		now:       time.Now,
	}
}

// SetLimits configures (or replaces) the limits for a provider. Usage
// counters survive a replacement.
func (r *RateLimiter) SetLimits(provider string, limits ProviderLimits) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pl := &providerLimiter{limits: limits}
	if limits.RequestsPerMinute > 0 {
		burst := limits.BurstSize
		if burst < 1 {
			burst = 1
		}
		pl.rate = rate.NewLimiter(rate.Limit(float64(limits.RequestsPerMinute)/60.0), burst)
	}
	if limits.ConcurrentRequests > 0 {
		pl.slots = semaphore.NewWeighted(int64(limits.ConcurrentRequests))
	}
	if prev, ok := r.providers[provider]; ok {
		pl.metrics = prev.metrics
	} else {
		pl.metrics.Day = startOfDay(r.now())
	}
	r.providers[provider] = pl
}

// Acquire blocks until the provider may issue a request. Every successful
// Acquire must be paired with Release.
func (r *RateLimiter) Acquire(ctx context.Context, provider string) error {
	r.mu.Lock()
	pl, ok := r.providers[provider]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	r.rollDayLocked(pl)
	if pl.limits.TokensPerDay > 0 && pl.metrics.TokensToday >= pl.limits.TokensPerDay {
		pl.metrics.RejectedCount++
		used := pl.metrics.TokensToday
		r.mu.Unlock()
		return fmt.Errorf("%s: %w (used %d of %d)", provider, ErrDailyBudgetExhausted, used, pl.limits.TokensPerDay)
	}
	r.mu.Unlock()

	if pl.rate != nil {
		if err := pl.rate.Wait(ctx); err != nil {
			return err
		}
	}
	if pl.slots != nil {
		if err := pl.slots.Acquire(ctx, 1); err != nil {
			return err
		}
	}

	r.mu.Lock()
	pl.metrics.TotalRequests++
	pl.metrics.LastRequestAt = r.now()
	r.mu.Unlock()
	return nil
}

// Release frees the concurrency slot taken by Acquire.
func (r *RateLimiter) Release(provider string) {
	r.mu.Lock()
	pl, ok := r.providers[provider]
	r.mu.Unlock()
	if ok && pl.slots != nil {
		pl.slots.Release(1)
	}
}

// RecordUsage charges tokens against the provider's daily budget.
func (r *RateLimiter) RecordUsage(provider string, tokens int) {
	if tokens <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if pl, ok := r.providers[provider]; ok {
		r.rollDayLocked(pl)
		pl.metrics.TokensToday += int64(tokens)
	}
}

// Exhausted reports whether the provider's daily token budget is spent.
func (r *RateLimiter) Exhausted(provider string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	pl, ok := r.providers[provider]
	if !ok || pl.limits.TokensPerDay <= 0 {
		return false
	}
	r.rollDayLocked(pl)
	return pl.metrics.TokensToday >= pl.limits.TokensPerDay
}

// GetMetrics returns a snapshot for provider.
func (r *RateLimiter) GetMetrics(provider string) (RateLimitMetrics, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pl, ok := r.providers[provider]
	if !ok {
		return RateLimitMetrics{}, false
	}
	r.rollDayLocked(pl)
	return pl.metrics, true
}

// ResetDaily clears every provider's daily token usage.
func (r *RateLimiter) ResetDaily() {
	r.mu.Lock()
	defer r.mu.Unlock()
	today := startOfDay(r.now())
	for _, pl := range r.providers {
		pl.metrics.TokensToday = 0
		pl.metrics.Day = today
	}
}

func (r *RateLimiter) rollDayLocked(pl *providerLimiter) {
	today := startOfDay(r.now())
	if today.After(pl.metrics.Day) {
		pl.metrics.TokensToday = 0
		pl.metrics.Day = today
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// ═══════════════════════════════════════════════════════════════════════════════
// RATE LIMITED PROVIDER
// ═══════════════════════════════════════════════════════════════════════════════

// RateLimitedProvider gates a provider's Chat calls through a RateLimiter.
// Once the daily budget is spent it reports itself unavailable, which lets
// the Adapter fall back to the on-device model.
type RateLimitedProvider struct {
	provider Provider
	limiter  *RateLimiter
}

// NewRateLimitedProvider wraps provider. Limits are looked up by provider name.
func NewRateLimitedProvider(provider Provider, limiter *RateLimiter) *RateLimitedProvider {
	return &RateLimitedProvider{provider: provider, limiter: limiter}
}

// Chat waits for the limiter, then delegates and charges the reported tokens.
func (p *RateLimitedProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	name := p.provider.Name()
	if err := p.limiter.Acquire(ctx, name); err != nil {
		if errors.Is(err, ErrDailyBudgetExhausted) {
			return nil, budgetExhaustedError(name, req.Model, err)
		}
		return nil, networkError(name, req.Model, err)
	}
	defer p.limiter.Release(name)

	resp, err := p.provider.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	p.limiter.RecordUsage(name, resp.Usage.TotalTokens)
	return resp, nil
}

// Validate takes a limiter slot for the credential check like any other
// request. Providers with nothing to validate return nil without waiting.
func (p *RateLimitedProvider) Validate(ctx context.Context) error {
	v, ok := asValidator(p.provider)
	if !ok {
		return nil
	}
	name := p.provider.Name()
	if err := p.limiter.Acquire(ctx, name); err != nil {
		if errors.Is(err, ErrDailyBudgetExhausted) {
			return budgetExhaustedError(name, "", err)
		}
		return networkError(name, "", err)
	}
	defer p.limiter.Release(name)
	return v.Validate(ctx)
}

func (p *RateLimitedProvider) Name() string { return p.provider.Name() }

func (p *RateLimitedProvider) Kind() Kind { return p.provider.Kind() }

// Available is false once the daily budget is spent.
func (p *RateLimitedProvider) Available(ctx context.Context) bool {
	if p.limiter.Exhausted(p.provider.Name()) {
		return false
	}
	return p.provider.Available(ctx)
}

// Unwrap returns the underlying provider.
func (p *RateLimitedProvider) Unwrap() Provider {
	return p.provider
}
