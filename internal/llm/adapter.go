package llm

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/normanking/confidant/internal/logging"
)

// Factory builds a provider client bound to one catalog entry.
type Factory func(info ModelInfo) (Provider, error)

// Adapter maps catalog model ids to provider clients, checks availability,
// and implements the single hosted-to-local fallback hop.
type Adapter struct {
	catalog   *Catalog
	factories map[string]Factory
	log       *logging.Logger

	mu       sync.Mutex
	resolved map[string]Provider
}

// NewAdapter creates an Adapter. factories is keyed by provider name.
func NewAdapter(catalog *Catalog, factories map[string]Factory, log *logging.Logger) *Adapter {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if log == nil {
		log = logging.Global()
	}
	return &Adapter{
		catalog:   catalog,
		factories: factories,
		log:       log.WithComponent("llm"),
		resolved:  make(map[string]Provider),
	}
}

// Catalog returns the adapter's model catalog.
func (a *Adapter) Catalog() *Catalog {
	return a.catalog
}

// Resolve returns the provider client for modelID. It fails with
// ErrUnknownModel when the id is not in the catalog or its provider has no
// registered factory. Clients are created once per model id.
func (a *Adapter) Resolve(modelID string) (Provider, error) {
	info, ok := a.catalog.Lookup(modelID)
	if !ok {
		return nil, unknownModelError(modelID)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.resolved[modelID]; ok {
		return p, nil
	}

	factory, ok := a.factories[info.Provider]
	if !ok {
		e := unknownModelError(modelID)
		e.Provider = info.Provider
		return nil, e
	}

	p, err := factory(info)
	if err != nil {
		return nil, err
	}
	a.resolved[modelID] = p
	return p, nil
}

// IsAvailable is the cheap check: a liveness probe for on-device providers,
// a configured credential for hosted ones. Unknown models are unavailable.
func (a *Adapter) IsAvailable(ctx context.Context, modelID string) bool {
	p, err := a.Resolve(modelID)
	if err != nil {
		return false
	}
	return p.Available(ctx)
}

// CheckAvailability is the strict check. Providers implementing Validator
// must complete a minimal real request; others fall back to IsAvailable.
func (a *Adapter) CheckAvailability(ctx context.Context, modelID string) bool {
	p, err := a.Resolve(modelID)
	if err != nil {
		return false
	}

	v, ok := asValidator(p)
	if !ok {
		return p.Available(ctx)
	}
	if !p.Available(ctx) {
		return false
	}
	if err := v.Validate(ctx); err != nil {
		a.log.Debug("validation of %s failed: %v", modelID, err)
		return false
	}
	return true
}

// Generate resolves modelID and sends messages to it. If a hosted provider
// is unavailable, the first on-device catalog entry is called once instead
// and the reply is marked with FallbackFrom. An unavailable on-device
// provider fails with ErrProviderUnavailable.
func (a *Adapter) Generate(ctx context.Context, modelID string, messages []Message, opts Options) (*ChatResponse, error) {
	p, err := a.Resolve(modelID)
	if err != nil {
		return nil, err
	}
	info, _ := a.catalog.Lookup(modelID)

	if p.Available(ctx) {
		return p.Chat(ctx, &ChatRequest{Model: info.BackendModel, Messages: messages, Options: opts})
	}

	if p.Kind() == KindLocal {
		return nil, unavailableError(p.Name(), info.BackendModel, nil)
	}

	target, ok := a.catalog.FirstLocal()
	if !ok {
		e := unavailableError(p.Name(), info.BackendModel, nil)
		e.Message = authMissingError(p.Name(), info.BackendModel).Message
		return nil, e
	}

	a.log.Warn("%s not available, falling back to %s", modelID, target.ID)

	fallback, err := a.Resolve(target.ID)
	if err != nil {
		return nil, err
	}

	resp, err := fallback.Chat(ctx, &ChatRequest{Model: target.BackendModel, Messages: messages, Options: opts})
	if err != nil {
		return nil, err
	}
	resp.FallbackFrom = modelID
	return resp, nil
}

// ProbeAll runs CheckAvailability for every catalog entry concurrently,
// writing each result into table as soon as it resolves.
func (a *Adapter) ProbeAll(ctx context.Context, table *AvailabilityTable) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range a.catalog.Models() {
		id := m.ID
		g.Go(func() error {
			table.Set(id, a.CheckAvailability(gctx, id))
			return nil
		})
	}
	return g.Wait()
}

// asValidator returns the outermost Validator in p's decorator chain, so a
// ping passes through the same rate limiting and metrics as Chat.
func asValidator(p Provider) (Validator, bool) {
	for p != nil {
		if v, ok := p.(Validator); ok {
			return v, true
		}
		u, ok := p.(interface{ Unwrap() Provider })
		if !ok {
			return nil, false
		}
		p = u.Unwrap()
	}
	return nil, false
}

// ═══════════════════════════════════════════════════════════════════════════════
// AVAILABILITY TABLE
// ═══════════════════════════════════════════════════════════════════════════════

// Availability is one probe result.
type Availability struct {
	Available bool
	CheckedAt time.Time
}

// AvailabilityTable is a concurrency-safe model id → availability map.
// Entries may be stale; the last write wins.
type AvailabilityTable struct {
	mu     sync.RWMutex
	status map[string]Availability
}

// NewAvailabilityTable creates an empty table.
func NewAvailabilityTable() *AvailabilityTable {
	return &AvailabilityTable{status: make(map[string]Availability)}
}

// Set records a probe result.
func (t *AvailabilityTable) Set(modelID string, available bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status[modelID] = Availability{Available: available, CheckedAt: time.Now()}
}

// Get returns the last result for modelID and whether one exists.
func (t *AvailabilityTable) Get(modelID string) (Availability, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.status[modelID]
	return a, ok
}

// Snapshot returns a copy of the table.
func (t *AvailabilityTable) Snapshot() map[string]Availability {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Availability, len(t.status))
	for k, v := range t.status {
		out[k] = v
	}
	return out
}
