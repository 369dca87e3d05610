package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/normanking/confidant/internal/llm"
	"github.com/normanking/confidant/internal/persona"
	"github.com/normanking/confidant/internal/store"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MODELS COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func modelsCmd() *cobra.Command {
	var showMetrics bool
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List models and check which are reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			a, cleanup, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			table := llm.NewAvailabilityTable()
			if err := a.adapter.ProbeAll(ctx, table); err != nil {
				log.Warn("availability probe: %v", err)
			}
			selected, err := a.svc.SelectedModel(ctx)
			if err != nil {
				return err
			}

			fmt.Println(renderModels(a.adapter.Catalog(), table, selected))
			if showMetrics {
				return llm.WritePrometheus(os.Stdout, prometheus.DefaultGatherer)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showMetrics, "metrics", false, "also print model-call counters in Prometheus text format")

	cmd.AddCommand(&cobra.Command{
		Use:   "use [model-id]",
		Short: "Select the model used for conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, cleanup, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := a.svc.SelectModel(ctx, args[0]); err != nil {
				return err
			}
			fmt.Println(okStyle.Render("Using " + args[0]))
			return nil
		},
	})

	return cmd
}

func renderModels(catalog *llm.Catalog, probes *llm.AvailabilityTable, selected string) string {
	var rows [][]string
	for _, m := range catalog.Models() {
		active := ""
		if m.ID == selected {
			active = "*"
		}
		status, _ := probes.Get(m.ID)
		rows = append(rows, []string{active, m.ID, m.Name, string(m.Kind), m.BackendModel, mark(status.Available)})
	}
	return table([]string{"", "ID", "NAME", "KIND", "BACKEND MODEL", "AVAILABLE"}, rows)
}

// ═══════════════════════════════════════════════════════════════════════════════
// PERSONA COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func personaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "persona",
		Aliases: []string{"personas"},
		Short:   "Manage personas",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List personas",
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			st := a.store.Snapshot()
			if len(st.Personas) == 0 {
				printDim("No personas yet. Run: confidant init --name <you>")
				return nil
			}
			var rows [][]string
			for _, p := range st.Personas {
				active := ""
				if p.ID == st.ActivePersonaID {
					active = "*"
				}
				rows = append(rows, []string{active, shortID(p.ID), p.Name, string(p.RelationshipMode), mark(p.IsDefault)})
			}
			fmt.Println(table([]string{"", "ID", "NAME", "MODE", "DEFAULT"}, rows))
			return nil
		}),
	})

	var (
		addMode    string
		addPrompt  string
		addDefault bool
	)
	add := &cobra.Command{
		Use:   "add [name]",
		Short: "Create a persona",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			m, err := persona.ParseMode(addMode)
			if err != nil {
				return err
			}
			p := persona.Persona{
				Name:             args[0],
				RelationshipMode: m,
				VoiceSettings:    persona.DefaultVoice(),
				SystemPrompt:     addPrompt,
				IsDefault:        addDefault,
			}
			if err := persona.Validate(p); err != nil {
				return err
			}
			p, err = a.store.AddPersona(ctx, p)
			if err != nil {
				return err
			}
			fmt.Println(okStyle.Render(fmt.Sprintf("Added %s (%s)", p.Name, shortID(p.ID))))
			return nil
		}),
	}
	add.Flags().StringVar(&addMode, "mode", string(persona.ModeSupportiveFriend), "relationship mode")
	add.Flags().StringVar(&addPrompt, "prompt", "", "custom system prompt")
	add.Flags().BoolVar(&addDefault, "default", false, "make this the default persona")
	cmd.AddCommand(add)

	var (
		updName    string
		updMode    string
		updPrompt  string
		updDefault bool
	)
	update := &cobra.Command{
		Use:   "update [id-or-name]",
		Short: "Change a persona",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			p, err := findPersona(a.store.Snapshot(), args[0])
			if err != nil {
				return err
			}
			var patch store.PersonaPatch
			if updName != "" {
				patch.Name = &updName
			}
			if updMode != "" {
				m, err := persona.ParseMode(updMode)
				if err != nil {
					return err
				}
				patch.RelationshipMode = &m
			}
			if updPrompt != "" {
				patch.SystemPrompt = &updPrompt
			}
			if updDefault {
				patch.IsDefault = &updDefault
			}
			return a.store.UpdatePersona(ctx, p.ID, patch)
		}),
	}
	update.Flags().StringVar(&updName, "name", "", "new name")
	update.Flags().StringVar(&updMode, "mode", "", "new relationship mode")
	update.Flags().StringVar(&updPrompt, "prompt", "", "new system prompt")
	update.Flags().BoolVar(&updDefault, "default", false, "make this the default persona")
	cmd.AddCommand(update)

	cmd.AddCommand(&cobra.Command{
		Use:   "use [id-or-name]",
		Short: "Make a persona active",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			p, err := findPersona(a.store.Snapshot(), args[0])
			if err != nil {
				return err
			}
			if err := a.store.SetActivePersona(ctx, p.ID); err != nil {
				return err
			}
			fmt.Println(okStyle.Render("Now talking to " + p.Name))
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete [id-or-name]",
		Short: "Delete a persona (its sessions are kept)",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			p, err := findPersona(a.store.Snapshot(), args[0])
			if err != nil {
				return err
			}
			return a.store.DeletePersona(ctx, p.ID)
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "import [file]",
		Short: "Add personas from a YAML definitions file",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			defs, err := persona.LoadFromFile(args[0])
			if err != nil {
				return err
			}
			for _, p := range defs {
				if _, err := a.store.AddPersona(ctx, p); err != nil {
					return err
				}
			}
			fmt.Println(okStyle.Render(fmt.Sprintf("Imported %d personas", len(defs))))
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "export [file]",
		Short: "Write personas to a YAML definitions file (stdout when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			personas := a.store.Snapshot().Personas
			if len(args) == 1 {
				return persona.SaveToFile(args[0], personas)
			}
			out, err := persona.ToYAML(personas)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "modes",
		Short: "List relationship modes",
		Run: func(cmd *cobra.Command, args []string) {
			var rows [][]string
			for _, m := range persona.Modes {
				rows = append(rows, []string{string(m), m.Description()})
			}
			fmt.Println(table([]string{"MODE", "DESCRIPTION"}, rows))
		},
	})

	return cmd
}

// findPersona matches ref against ids, id prefixes and names.
func findPersona(st store.State, ref string) (persona.Persona, error) {
	for _, p := range st.Personas {
		if p.ID == ref || strings.EqualFold(p.Name, ref) {
			return p, nil
		}
	}
	var matches []persona.Persona
	for _, p := range st.Personas {
		if strings.HasPrefix(p.ID, ref) {
			matches = append(matches, p)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return persona.Persona{}, fmt.Errorf("no persona matches %q", ref)
	default:
		return persona.Persona{}, fmt.Errorf("%q matches %d personas", ref, len(matches))
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// SESSION COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "session",
		Aliases: []string{"sessions"},
		Short:   "Manage conversation sessions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List sessions, most recent first",
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			st := a.store.Snapshot()
			if len(st.Sessions) == 0 {
				printDim("No sessions yet. Run: confidant chat")
				return nil
			}
			sessions := append([]store.Session(nil), st.Sessions...)
			sort.SliceStable(sessions, func(i, j int) bool {
				return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
			})

			var rows [][]string
			for _, s := range sessions {
				active := ""
				if s.ID == st.ActiveSessionID {
					active = "*"
				}
				rows = append(rows, []string{
					active,
					shortID(s.ID),
					a.store.SessionLabel(s.ID),
					fmt.Sprint(len(s.Messages)),
					s.UpdatedAt.Local().Format("2006-01-02 15:04"),
				})
			}
			fmt.Println(table([]string{"", "ID", "LABEL", "MESSAGES", "UPDATED"}, rows))
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "new [persona]",
		Short: "Start a session with a persona (the active one when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			if len(args) == 0 {
				id, err := startSession(ctx, a)
				if err != nil {
					return err
				}
				fmt.Println(okStyle.Render("Started " + a.store.SessionLabel(id)))
				return nil
			}
			p, err := findPersona(a.store.Snapshot(), args[0])
			if err != nil {
				return err
			}
			id, err := a.store.CreateSession(ctx, p.ID)
			if err != nil {
				return err
			}
			fmt.Println(okStyle.Render("Started " + a.store.SessionLabel(id)))
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "use [id]",
		Short: "Make a session active",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			s, err := findSession(a.store.Snapshot(), args[0])
			if err != nil {
				return err
			}
			return a.store.SetActiveSession(ctx, s.ID)
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show [id]",
		Short: "Print a session transcript (the active one when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			st := a.store.Snapshot()
			s, ok := st.ActiveSession()
			if len(args) == 1 {
				var err error
				if s, err = findSession(st, args[0]); err != nil {
					return err
				}
				ok = true
			}
			if !ok {
				printDim("No active session.")
				return nil
			}

			userName := st.UserName
			if userName == "" {
				userName = cfg.Assistant.FallbackUserName
			}
			aiName := a.store.SessionLabel(s.ID)
			if p, found := st.Persona(s.PersonaID); found {
				aiName = p.Name
			}
			width := terminalWidth()
			for _, m := range s.Messages {
				if m.Role == store.RoleUser {
					fmt.Println(speaker(userLabelStyle, userName), m.Content)
					continue
				}
				fmt.Println(speaker(aiLabelStyle, aiName))
				fmt.Println(renderMarkdown(m.Content, width))
			}
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			s, err := findSession(a.store.Snapshot(), args[0])
			if err != nil {
				return err
			}
			return a.store.DeleteSession(ctx, s.ID)
		}),
	})

	return cmd
}

func findSession(st store.State, ref string) (store.Session, error) {
	var matches []store.Session
	for _, s := range st.Sessions {
		if s.ID == ref {
			return s, nil
		}
		if strings.HasPrefix(s.ID, ref) {
			matches = append(matches, s)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return store.Session{}, fmt.Errorf("no session matches %q", ref)
	default:
		return store.Session{}, fmt.Errorf("%q matches %d sessions", ref, len(matches))
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// TASKS & MEMORIES COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "tasks",
		Aliases: []string{"task"},
		Short:   "List and manage reminders",
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			tasks := a.store.Snapshot().Tasks
			if len(tasks) == 0 {
				printDim("Nothing on your list.")
				return nil
			}
			var rows [][]string
			for _, t := range tasks {
				rows = append(rows, []string{shortID(t.ID), t.Title, t.Due, string(t.Status)})
			}
			fmt.Println(table([]string{"ID", "TITLE", "DUE", "STATUS"}, rows))
			return nil
		}),
	}

	var due string
	add := &cobra.Command{
		Use:   "add [title]",
		Short: "Add a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			t, err := a.store.AddTask(ctx, strings.Join(args, " "), due)
			if err != nil {
				return err
			}
			fmt.Println(okStyle.Render("Added " + t.Title))
			return nil
		}),
	}
	add.Flags().StringVar(&due, "due", "", "when the task is due")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "toggle [id-or-title]",
		Short: "Mark a task done, or pending again",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			t, err := findTask(a, strings.Join(args, " "))
			if err != nil {
				return err
			}
			return a.store.ToggleTask(ctx, t.ID)
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete [id-or-title]",
		Short: "Delete a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			t, err := findTask(a, strings.Join(args, " "))
			if err != nil {
				return err
			}
			return a.store.DeleteTask(ctx, t.ID)
		}),
	})

	return cmd
}

func findTask(a *app, ref string) (store.Task, error) {
	for _, t := range a.store.Snapshot().Tasks {
		if t.ID == ref || strings.HasPrefix(t.ID, ref) {
			return t, nil
		}
	}
	if t, ok := a.store.FindTask(ref); ok {
		return t, nil
	}
	return store.Task{}, fmt.Errorf("no task matches %q", ref)
}

func memoriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "memories",
		Aliases: []string{"memory"},
		Short:   "List and manage remembered facts",
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			st := a.store.Snapshot()
			if len(st.Memories) == 0 {
				printDim("No memories yet.")
				return nil
			}
			var rows [][]string
			for _, m := range st.Memories {
				owner := "global"
				if m.PersonaID != "" {
					owner = "(deleted persona)"
					if p, ok := st.Persona(m.PersonaID); ok {
						owner = p.Name
					}
				}
				rows = append(rows, []string{shortID(m.ID), m.Text, owner, m.CreatedAt.Local().Format("2006-01-02")})
			}
			fmt.Println(table([]string{"ID", "TEXT", "PERSONA", "CREATED"}, rows))
			return nil
		}),
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "delete [id]",
		Short: "Forget a memory",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			for _, m := range a.store.Snapshot().Memories {
				if strings.HasPrefix(m.ID, args[0]) {
					return a.store.DeleteMemory(ctx, m.ID)
				}
			}
			return fmt.Errorf("no memory matches %q", args[0])
		}),
	})

	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIG COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Confidant Configuration:")
			fmt.Println("────────────────────────")
			fmt.Printf("Default Model: %s\n", cfg.LLM.DefaultModel)
			fmt.Printf("Data Dir:      %s\n", cfg.Storage.DataDir)
			fmt.Printf("Storage Key:   %s (v%d)\n", cfg.Storage.Key, cfg.Storage.Version)
			fmt.Printf("Log Level:     %s\n", cfg.Logging.Level)
			fmt.Printf("Log File:      %s\n", cfg.Logging.File)

			names := make([]string, 0, len(cfg.LLM.Providers))
			for name := range cfg.LLM.Providers {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				pc := llm.ProviderConfigFrom(name, cfg.LLM.Providers[name])
				key := "not set"
				if pc.APIKey != "" {
					key = "set"
				}
				if name == "ollama" {
					key = "n/a"
				}
				fmt.Printf("Provider %-6s %s (model %s, key %s)\n", name+":", pc.Endpoint, pc.Model, key)
				if l := pc.Limits; !l.Unlimited() {
					fmt.Printf("               limits: %d rpm, %d concurrent, %s tokens/day\n",
						l.RequestsPerMinute, l.ConcurrentRequests, limitOrUnlimited(l.TokensPerDay))
				}
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(getConfigPath())
		},
	})

	return cmd
}

func limitOrUnlimited(n int64) string {
	if n <= 0 {
		return "unlimited"
	}
	return strconv.FormatInt(n, 10)
}

// withApp opens the application for a command and closes it afterwards.
func withApp(fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, cleanup, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer cleanup()
		return fn(ctx, a, args)
	}
}
