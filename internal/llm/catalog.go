package llm

import (
	"fmt"

	"github.com/normanking/confidant/internal/config"
)

// ModelInfo describes one selectable catalog entry.
type ModelInfo struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Provider       string   `json:"provider"`
	Kind           Kind     `json:"kind"`
	BackendModel   string   `json:"backend_model"`
	Description    string   `json:"description"`
	RequiresAPIKey bool     `json:"requires_api_key"`
	ContextWindow  int      `json:"context_window"`
	Strengths      []string `json:"strengths"`
}

// Catalog is an ordered, immutable set of models keyed by id.
type Catalog struct {
	models []ModelInfo
	byID   map[string]int
}

// NewCatalog builds a catalog from models. Duplicate ids are rejected.
func NewCatalog(models []ModelInfo) (*Catalog, error) {
	c := &Catalog{
		models: make([]ModelInfo, 0, len(models)),
		byID:   make(map[string]int, len(models)),
	}
	for _, m := range models {
		if m.ID == "" {
			return nil, fmt.Errorf("catalog entry has empty id")
		}
		if _, dup := c.byID[m.ID]; dup {
			return nil, fmt.Errorf("duplicate catalog id %q", m.ID)
		}
		c.byID[m.ID] = len(c.models)
		c.models = append(c.models, m)
	}
	return c, nil
}

// DefaultCatalog returns the built-in catalog: one on-device model and two
// Groq-hosted models.
func DefaultCatalog() *Catalog {
	c, _ := NewCatalog([]ModelInfo{
		{
			ID:             "ollama-llama3.2",
			Name:           "Llama 3.2",
			Provider:       "ollama",
			Kind:           KindLocal,
			BackendModel:   "llama3.2",
			Description:    "Fast, private, runs locally",
			RequiresAPIKey: false,
			ContextWindow:  8192,
			Strengths:      []string{"Privacy", "Offline", "Free"},
		},
		{
			ID:             "groq-llama3.1",
			Name:           "Llama 3.1 8B",
			Provider:       "groq",
			Kind:           KindHosted,
			BackendModel:   "llama-3.1-8b-instant",
			Description:    "Instant speed (8B)",
			RequiresAPIKey: true,
			ContextWindow:  128000,
			Strengths:      []string{"Instant", "Chat", "Efficiency"},
		},
		{
			ID:             "groq-gpt-oss",
			Name:           "GPT-OSS 20B",
			Provider:       "groq",
			Kind:           KindHosted,
			BackendModel:   "openai/gpt-oss-20b",
			Description:    "Open-weight general model",
			RequiresAPIKey: true,
			ContextWindow:  8192,
			Strengths:      []string{"Open Source", "General"},
		},
	})
	return c
}

// CatalogFromConfig converts config entries, or returns the default catalog
// when none are configured. Kind is inferred from the provider name.
func CatalogFromConfig(entries []config.ModelConfig) (*Catalog, error) {
	if len(entries) == 0 {
		return DefaultCatalog(), nil
	}

	models := make([]ModelInfo, 0, len(entries))
	for _, e := range entries {
		kind := KindHosted
		if e.Provider == "ollama" {
			kind = KindLocal
		}
		name := e.Name
		if name == "" {
			name = e.ID
		}
		models = append(models, ModelInfo{
			ID:             e.ID,
			Name:           name,
			Provider:       e.Provider,
			Kind:           kind,
			BackendModel:   e.BackendModel,
			Description:    e.Description,
			RequiresAPIKey: e.RequiresAPIKey,
			ContextWindow:  e.ContextWindow,
			Strengths:      e.Strengths,
		})
	}
	return NewCatalog(models)
}

// Lookup returns the entry for id.
func (c *Catalog) Lookup(id string) (ModelInfo, bool) {
	i, ok := c.byID[id]
	if !ok {
		return ModelInfo{}, false
	}
	return c.models[i], true
}

// Models returns the entries in catalog order.
func (c *Catalog) Models() []ModelInfo {
	out := make([]ModelInfo, len(c.models))
	copy(out, c.models)
	return out
}

// First returns the first entry, used when a persisted selection is stale.
func (c *Catalog) First() (ModelInfo, bool) {
	if len(c.models) == 0 {
		return ModelInfo{}, false
	}
	return c.models[0], true
}

// FirstLocal returns the first on-device entry: the fallback target.
func (c *Catalog) FirstLocal() (ModelInfo, bool) {
	for _, m := range c.models {
		if m.Kind == KindLocal {
			return m, true
		}
	}
	return ModelInfo{}, false
}

// Len returns the number of entries.
func (c *Catalog) Len() int {
	return len(c.models)
}
