// Package main is the entry point for the Confidant CLI. Confidant is a
// personal assistant that keeps personas, conversations, reminders and
// memories on this machine and answers through a local or hosted model.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/normanking/confidant/internal/assistant"
	"github.com/normanking/confidant/internal/config"
	"github.com/normanking/confidant/internal/data"
	"github.com/normanking/confidant/internal/llm"
	"github.com/normanking/confidant/internal/logging"
	"github.com/normanking/confidant/internal/store"
)

var (
	version   = "0.1.0"
	cfgPath   string
	verbose   bool
	ephemeral bool
	log       *logging.Logger
	cfg       *config.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "confidant",
		Short: "Confidant - a personal AI companion for your terminal",
		Long: `Confidant keeps your personas, conversations, reminders and memories
locally and answers through Ollama, falling back from hosted models when they
are not configured.

Start chatting:      confidant chat
One-shot question:   confidant ask "what should I cook tonight?"
Set up a profile:    confidant init --name Sam --ai-name Echo
Configuration:       confidant config show`,
		PersistentPreRunE: initLogging,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if log != nil {
				log.Close()
			}
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.confidant/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to the terminal at debug level")
	rootCmd.PersistentFlags().BoolVar(&ephemeral, "ephemeral", false, "keep state in memory only")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Confidant v%s\n", version)
		},
	})

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(personaCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(memoriesCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// LOGGING INITIALIZATION
// ═══════════════════════════════════════════════════════════════════════════════

func initLogging(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	logCfg := &logging.Config{
		Level:    logging.ParseLevel(cfg.Logging.Level),
		FilePath: cfg.Logging.File,
		Colored:  true,
		ShowTime: true,
		Output:   io.Discard,
	}
	if verbose {
		logCfg.Level = logging.LevelDebug
		logCfg.Output = os.Stderr
	}

	log = logging.New(logCfg)
	logging.SetGlobal(log)

	log.Debug("config path: %s", getConfigPath())
	return nil
}

func getConfigPath() string {
	if cfgPath != "" {
		return cfgPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".confidant", "config.yaml")
	}
	return filepath.Join(home, ".confidant", "config.yaml")
}

func loadConfig() (*config.Config, error) {
	var (
		c   *config.Config
		err error
	)
	if cfgPath != "" {
		c, err = config.LoadFromPath(cfgPath)
	} else {
		c, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// APPLICATION WIRING
// ═══════════════════════════════════════════════════════════════════════════════

// app owns the store's lifetime for one command invocation.
type app struct {
	store   *store.Store
	adapter *llm.Adapter
	metrics *llm.MetricsRegistry
	svc     *assistant.Service
}

// openApp opens the backend, rehydrates the store and wires the assistant.
// The returned cleanup logs the usage summary and closes the database.
func openApp(ctx context.Context) (*app, func(), error) {
	var (
		backend store.Backend
		db      *data.Store
	)
	if ephemeral {
		backend = store.NewMemoryBackend()
	} else {
		var err error
		db, err = data.Open(ctx, cfg.Storage.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		if err := db.Health(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		backend = db
	}

	st := store.New(backend,
		store.WithKey(cfg.Storage.Key),
		store.WithVersion(cfg.Storage.Version),
		store.WithLogger(log),
	)
	if err := st.Load(ctx); err != nil {
		if db != nil {
			db.Close()
		}
		return nil, nil, err
	}

	adapter, metrics, err := llm.NewAdapterFromConfig(cfg, log)
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, nil, err
	}

	svc := assistant.NewService(st, adapter, nil, assistant.Config{
		DefaultModel:     cfg.LLM.DefaultModel,
		FallbackUserName: cfg.Assistant.FallbackUserName,
		HistoryLimit:     cfg.Assistant.HistoryLimit,
	}, log)

	a := &app{store: st, adapter: adapter, metrics: metrics, svc: svc}
	cleanup := func() {
		log.Info("session usage:\n%s", metrics.Report())
		if db != nil {
			if err := db.Close(); err != nil {
				log.Warn("close database: %v", err)
			}
		}
	}
	return a, cleanup, nil
}
