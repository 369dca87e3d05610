package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/confidant/internal/config"
)

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()
	require.Equal(t, 3, c.Len())

	tests := []struct {
		id      string
		kind    Kind
		backend string
	}{
		{"ollama-llama3.2", KindLocal, "llama3.2"},
		{"groq-llama3.1", KindHosted, "llama-3.1-8b-instant"},
		{"groq-gpt-oss", KindHosted, "openai/gpt-oss-20b"},
	}
	for i, tt := range tests {
		m, ok := c.Lookup(tt.id)
		require.True(t, ok, tt.id)
		assert.Equal(t, tt.kind, m.Kind)
		assert.Equal(t, tt.backend, m.BackendModel)
		assert.Equal(t, tt.id, c.Models()[i].ID, "catalog order")
	}

	first, ok := c.First()
	require.True(t, ok)
	assert.Equal(t, "ollama-llama3.2", first.ID)

	local, ok := c.FirstLocal()
	require.True(t, ok)
	assert.Equal(t, "ollama-llama3.2", local.ID)
}

func TestCatalogRejectsDuplicates(t *testing.T) {
	_, err := NewCatalog([]ModelInfo{{ID: "a"}, {ID: "a"}})
	assert.Error(t, err)

	_, err = NewCatalog([]ModelInfo{{ID: ""}})
	assert.Error(t, err)
}

func TestCatalogModelsIsACopy(t *testing.T) {
	c := DefaultCatalog()
	models := c.Models()
	models[0].ID = "mutated"

	_, ok := c.Lookup("ollama-llama3.2")
	assert.True(t, ok)
	assert.Equal(t, "ollama-llama3.2", c.Models()[0].ID)
}

func TestCatalogFromConfig(t *testing.T) {
	c, err := CatalogFromConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Len())

	c, err = CatalogFromConfig([]config.ModelConfig{
		{ID: "groq-big", Provider: "groq", BackendModel: "llama-3.3-70b-versatile", RequiresAPIKey: true},
		{ID: "ollama-qwen", Name: "Qwen", Provider: "ollama", BackendModel: "qwen2.5"},
	})
	require.NoError(t, err)

	big, _ := c.Lookup("groq-big")
	assert.Equal(t, KindHosted, big.Kind)
	assert.Equal(t, "groq-big", big.Name, "name defaults to id")

	local, ok := c.FirstLocal()
	require.True(t, ok)
	assert.Equal(t, "ollama-qwen", local.ID)

	first, _ := c.First()
	assert.Equal(t, "groq-big", first.ID)
}
