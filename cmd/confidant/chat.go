package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/normanking/confidant/internal/assistant"
	"github.com/normanking/confidant/internal/llm"
	"github.com/normanking/confidant/internal/persona"
)

// ═══════════════════════════════════════════════════════════════════════════════
// INIT COMMAND (Onboarding)
// ═══════════════════════════════════════════════════════════════════════════════

func initCmd() *cobra.Command {
	var (
		userName string
		aiName   string
		mode     string
		pitch    float64
		rate     float64
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Set up your profile and first persona",
		Long: `Record who you are and who your companion is. The profile becomes your
first persona with a welcome session. Once personas exist init changes
nothing; use "confidant persona add" instead.

Examples:
  confidant init --name Sam --ai-name Echo
  confidant init --name Sam --ai-name Atlas --mode "Wise Mentor"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := persona.ParseMode(mode)
			if err != nil {
				return err
			}

			ctx := context.Background()
			a, cleanup, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := a.store.SetLegacyProfile(ctx, persona.LegacyProfile{
				Name:             userName,
				AIName:           aiName,
				RelationshipMode: m,
				VoiceSettings:    persona.VoiceSettings{Pitch: pitch, Rate: rate},
			}); err != nil {
				return err
			}
			if err := a.store.MigrateUserProfile(ctx); err != nil {
				return err
			}
			if err := a.store.CompleteOnboarding(ctx); err != nil {
				return err
			}

			st := a.store.Snapshot()
			p, _ := st.ActivePersona()
			fmt.Println(okStyle.Render(fmt.Sprintf("Welcome, %s. %s is ready to chat.", st.UserName, p.Name)))
			return nil
		},
	}

	cmd.Flags().StringVar(&userName, "name", "", "your name")
	cmd.Flags().StringVar(&aiName, "ai-name", persona.DefaultName, "your companion's name")
	cmd.Flags().StringVar(&mode, "mode", string(persona.ModeSupportiveFriend), "relationship mode")
	cmd.Flags().Float64Var(&pitch, "pitch", 1.0, "voice pitch")
	cmd.Flags().Float64Var(&rate, "rate", 1.0, "voice rate")
	cmd.MarkFlagRequired("name")
	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// CHAT COMMAND (Interactive)
// ═══════════════════════════════════════════════════════════════════════════════

func chatCmd() *cobra.Command {
	var newSession bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		Long: `Chat with the active persona in the active session.

Commands inside the chat:
  /new            start a new session with the active persona
  /model <id>     switch the model used for conversation
  /metrics        show model usage for this session
  /quit           leave the chat`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, cleanup, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			if newSession {
				if _, err := startSession(ctx, a); err != nil {
					return err
				}
			}
			return runChat(ctx, a, os.Stdin, os.Stdout)
		},
	}

	cmd.Flags().BoolVar(&newSession, "new", false, "start a new session")
	return cmd
}

func startSession(ctx context.Context, a *app) (string, error) {
	st := a.store.Snapshot()
	p, ok := st.ActivePersona()
	if !ok {
		return a.svc.EnsureSession(ctx)
	}
	return a.store.CreateSession(ctx, p.ID)
}

// runChat reads utterances from in until EOF, /quit or cancellation.
func runChat(ctx context.Context, a *app, in io.Reader, out io.Writer) error {
	sessionID, err := a.svc.EnsureSession(ctx)
	if err != nil {
		return err
	}
	model, err := a.svc.SelectedModel(ctx)
	if err != nil {
		return err
	}

	st := a.store.Snapshot()
	userName := st.UserName
	if userName == "" {
		userName = cfg.Assistant.FallbackUserName
	}
	fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("%s · %s · /quit to leave", a.store.SessionLabel(sessionID), model)))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	width := terminalWidth()
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(out, speaker(userLabelStyle, userName)+" ")

		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				return nil
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := chatCommand(ctx, a, line, out)
			if err != nil {
				fmt.Fprintln(out, errorStyle.Render(err.Error()))
			}
			if quit {
				return nil
			}
			continue
		}

		reply, err := a.svc.Send(ctx, line)
		if err != nil {
			fmt.Fprintln(out, errorStyle.Render(err.Error()))
			continue
		}
		printReply(out, a, reply, width)
	}
}

func chatCommand(ctx context.Context, a *app, line string, out io.Writer) (quit bool, err error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/new":
		id, err := startSession(ctx, a)
		if err != nil {
			return false, err
		}
		fmt.Fprintln(out, dimStyle.Render("new session: "+a.store.SessionLabel(id)))
	case "/model":
		if len(fields) < 2 {
			model, err := a.svc.SelectedModel(ctx)
			if err != nil {
				return false, err
			}
			fmt.Fprintln(out, dimStyle.Render("model: "+model))
			return false, nil
		}
		if err := a.svc.SelectModel(ctx, fields[1]); err != nil {
			return false, err
		}
		fmt.Fprintln(out, dimStyle.Render("model: "+fields[1]))
	case "/metrics":
		fmt.Fprintln(out, dimStyle.Render(a.metrics.Report()))
		if err := llm.WritePrometheus(out, prometheus.DefaultGatherer); err != nil {
			return false, err
		}
	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
	return false, nil
}

func printReply(out io.Writer, a *app, reply *assistant.Reply, width int) {
	st := a.store.Snapshot()
	name := persona.DefaultName
	if sess, ok := st.Session(reply.SessionID); ok {
		if p, ok := st.Persona(sess.PersonaID); ok {
			name = p.Name
		} else if p, ok := st.ActivePersona(); ok {
			name = p.Name
		}
	}

	fmt.Fprintln(out, speaker(aiLabelStyle, name))
	fmt.Fprintln(out, renderMarkdown(reply.Content, width))
	if reply.FallbackFrom != "" {
		fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("(%s unavailable, answered locally)", reply.FallbackFrom)))
	}
	if verbose && reply.Model != "" {
		fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("%s · %d tokens · %s",
			reply.Model, reply.Usage.TotalTokens, reply.Duration.Round(time.Millisecond))))
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// ASK COMMAND (One-shot query)
// ═══════════════════════════════════════════════════════════════════════════════

func askCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ask [utterance]",
		Short: "Send one utterance and print the reply",
		Long: `Send a single utterance through the assistant. Task and memory phrases
are applied to your lists just like in chat.

Examples:
  confidant ask "remind me to call mom"
  confidant ask "what's a good name for a cat?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			a, cleanup, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			reply, err := a.svc.Send(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			printReply(os.Stdout, a, reply, terminalWidth())
			return nil
		},
	}
}
