package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration for Confidant.
// It is loaded from ~/.confidant/config.yaml and can be overridden by environment variables.
type Config struct {
	LLM       LLMConfig       `mapstructure:"llm" yaml:"llm"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Assistant AssistantConfig `mapstructure:"assistant" yaml:"assistant"`
}

// LLMConfig contains configuration for response-generation backends.
type LLMConfig struct {
	// DefaultModel is the catalog model id used when nothing has been selected yet.
	DefaultModel string `mapstructure:"default_model" yaml:"default_model"`
	// Providers maps provider names ("ollama", "groq") to their specific configuration.
	Providers map[string]ProviderConfig `mapstructure:"providers" yaml:"providers"`
	// Catalog overrides the built-in model catalog when non-empty.
	Catalog []ModelConfig `mapstructure:"catalog" yaml:"catalog,omitempty"`
}

// ProviderConfig contains configuration for a specific backend.
type ProviderConfig struct {
	// Endpoint is the API base URL.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	// APIKey is the bearer credential for hosted providers. Prefer the environment.
	APIKey string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	// Model is the backend model used when a request does not name one.
	Model string `mapstructure:"model" yaml:"model,omitempty"`
	// TimeoutSec bounds generation calls. Zero leaves the transport default in place.
	TimeoutSec int `mapstructure:"timeout_sec" yaml:"timeout_sec,omitempty"`
	// ProbeTimeoutMs bounds the on-device liveness probe.
	ProbeTimeoutMs int `mapstructure:"probe_timeout_ms" yaml:"probe_timeout_ms,omitempty"`
	// Temperature, MaxTokens, TopP and NumCtx are request defaults. An
	// explicit temperature of 0 is kept; leaving it out uses the provider default.
	Temperature *float64 `mapstructure:"temperature" yaml:"temperature,omitempty"`
	MaxTokens   int      `mapstructure:"max_tokens" yaml:"max_tokens,omitempty"`
	TopP        float64  `mapstructure:"top_p" yaml:"top_p,omitempty"`
	NumCtx      int      `mapstructure:"num_ctx" yaml:"num_ctx,omitempty"`

	// MaxRetries retries throttled and 5xx hosted replies. Zero disables retries.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries,omitempty"`

	// Client-side limits for hosted providers. Zero disables a limit.
	RequestsPerMinute  int   `mapstructure:"requests_per_minute" yaml:"requests_per_minute,omitempty"`
	ConcurrentRequests int   `mapstructure:"concurrent_requests" yaml:"concurrent_requests,omitempty"`
	TokensPerDay       int64 `mapstructure:"tokens_per_day" yaml:"tokens_per_day,omitempty"`
}

// ModelConfig is a catalog entry as it appears in the config file.
type ModelConfig struct {
	ID             string   `mapstructure:"id" yaml:"id"`
	Name           string   `mapstructure:"name" yaml:"name"`
	Provider       string   `mapstructure:"provider" yaml:"provider"`
	BackendModel   string   `mapstructure:"backend_model" yaml:"backend_model"`
	Description    string   `mapstructure:"description" yaml:"description,omitempty"`
	RequiresAPIKey bool     `mapstructure:"requires_api_key" yaml:"requires_api_key"`
	ContextWindow  int      `mapstructure:"context_window" yaml:"context_window,omitempty"`
	Strengths      []string `mapstructure:"strengths" yaml:"strengths,omitempty"`
}

// ProbeTimeout returns the configured probe timeout, or def when unset.
func (p ProviderConfig) ProbeTimeout(def time.Duration) time.Duration {
	if p.ProbeTimeoutMs <= 0 {
		return def
	}
	return time.Duration(p.ProbeTimeoutMs) * time.Millisecond
}

// Timeout returns the configured call timeout; zero means no client-side limit.
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSec) * time.Second
}

// StorageConfig controls where the persisted state document lives.
type StorageConfig struct {
	// DataDir holds the SQLite database file.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	// Key is the fixed document key the state is stored under.
	Key string `mapstructure:"key" yaml:"key"`
	// Version is the document format version; a mismatch starts a fresh document.
	Version int `mapstructure:"version" yaml:"version"`
}

// LoggingConfig contains configuration for application logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error")
	Level string `mapstructure:"level" yaml:"level"`
	// File is the path to the log file
	File string `mapstructure:"file" yaml:"file"`
}

// AssistantConfig holds conversational defaults.
type AssistantConfig struct {
	// FallbackUserName is used to address the user before onboarding has named them.
	FallbackUserName string `mapstructure:"fallback_user_name" yaml:"fallback_user_name"`
	// HistoryLimit caps how many prior turns are sent to a backend (0 = all).
	HistoryLimit int `mapstructure:"history_limit" yaml:"history_limit"`
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".confidant")

	return &Config{
		LLM: LLMConfig{
			DefaultModel: "ollama-llama3.2",
			Providers: map[string]ProviderConfig{
				"ollama": {
					Endpoint:       "http://127.0.0.1:11434",
					Model:          "llama3.2",
					ProbeTimeoutMs: 2000,
					Temperature:    float(0.7),
					NumCtx:         8192,
				},
				"groq": {
					Endpoint:    "https://api.groq.com/openai/v1",
					Model:       "llama-3.1-8b-instant",
					Temperature: float(0.7),
					MaxTokens:   8192,
					TopP:        1,
					MaxRetries:  2,

					RequestsPerMinute:  30,
					ConcurrentRequests: 2,
				},
			},
		},
		Storage: StorageConfig{
			DataDir: dataDir,
			Key:     "confidant-storage",
			Version: 1,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(dataDir, "logs", "confidant.log"),
		},
		Assistant: AssistantConfig{
			FallbackUserName: "friend",
			HistoryLimit:     0,
		},
	}
}

func float(v float64) *float64 { return &v }

// Load loads configuration from the default location, creating it if missing.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	return LoadFromPath(filepath.Join(homeDir, ".confidant", "config.yaml"))
}

// LoadFromPath loads configuration from path. A default file is written first
// when none exists.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Example: CONFIDANT_LLM_DEFAULT_MODEL=groq-llama3.1
	v.SetEnvPrefix("CONFIDANT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Storage.DataDir = expandPath(cfg.Storage.DataDir)
	cfg.Logging.File = expandPath(cfg.Logging.File)
	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults fills zero values left by a partial config file.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.LLM.DefaultModel == "" {
		c.LLM.DefaultModel = defaults.LLM.DefaultModel
	}
	if c.LLM.Providers == nil {
		c.LLM.Providers = defaults.LLM.Providers
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = defaults.Storage.DataDir
	}
	if c.Storage.Key == "" {
		c.Storage.Key = defaults.Storage.Key
	}
	if c.Storage.Version == 0 {
		c.Storage.Version = defaults.Storage.Version
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
	if c.Assistant.FallbackUserName == "" {
		c.Assistant.FallbackUserName = defaults.Assistant.FallbackUserName
	}
}

// SaveToPath writes the current configuration to a specific file path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return writeConfigFile(path, c)
}

// EnsureDirectories creates the data and log directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Storage.DataDir}
	if c.Logging.File != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// Validate checks the configuration for common errors and inconsistencies.
func (c *Config) Validate() error {
	if c.LLM.DefaultModel == "" {
		return fmt.Errorf("llm.default_model cannot be empty")
	}

	for _, m := range c.LLM.Catalog {
		if m.ID == "" || m.Provider == "" {
			return fmt.Errorf("catalog entries need both id and provider (got id=%q provider=%q)", m.ID, m.Provider)
		}
		if _, ok := c.LLM.Providers[m.Provider]; !ok {
			return fmt.Errorf("catalog model '%s' references unknown provider '%s'", m.ID, m.Provider)
		}
	}

	for name, p := range c.LLM.Providers {
		if t := p.Temperature; t != nil && (*t < 0 || *t > 2) {
			return fmt.Errorf("provider '%s': temperature must be between 0 and 2", name)
		}
		if p.TopP < 0 || p.TopP > 1 {
			return fmt.Errorf("provider '%s': top_p must be between 0 and 1", name)
		}
		if p.MaxRetries < 0 {
			return fmt.Errorf("provider '%s': max_retries cannot be negative", name)
		}
		if p.RequestsPerMinute < 0 || p.ConcurrentRequests < 0 || p.TokensPerDay < 0 {
			return fmt.Errorf("provider '%s': rate limits cannot be negative", name)
		}
	}

	if c.Storage.Key == "" {
		return fmt.Errorf("storage.key cannot be empty")
	}
	if c.Storage.Version < 1 {
		return fmt.Errorf("storage.version must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	if c.Assistant.HistoryLimit < 0 {
		return fmt.Errorf("assistant.history_limit cannot be negative")
	}

	return nil
}

// writeConfigFile writes a Config struct to a YAML file.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// expandPath expands ~ to the user's home directory in a path string.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
