// Package assistant turns one user utterance into one assistant reply. It
// classifies the utterance, applies task and memory actions to the store,
// and sends general chat to a backend through the provider adapter.
package assistant

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/normanking/confidant/internal/llm"
	"github.com/normanking/confidant/internal/logging"
	"github.com/normanking/confidant/internal/persona"
	"github.com/normanking/confidant/internal/router"
	"github.com/normanking/confidant/internal/store"
)

// Generator produces replies for general chat. *llm.Adapter satisfies it.
type Generator interface {
	Generate(ctx context.Context, modelID string, messages []llm.Message, opts llm.Options) (*llm.ChatResponse, error)
	Catalog() *llm.Catalog
}

// Config holds Service settings.
type Config struct {
	// DefaultModel is selected when the store has no selection yet.
	DefaultModel string
	// FallbackUserName addresses the user before a name is known.
	FallbackUserName string
	// HistoryLimit caps the prior turns sent with general chat. Zero sends all.
	HistoryLimit int
	// PersistTimeout bounds store writes made after generation returns.
	PersistTimeout time.Duration
	// Options are passed to every generation call.
	Options llm.Options
}

// Reply is the outcome of one Send.
type Reply struct {
	Content   string
	SessionID string
	Intent    router.Intent

	// Set for general chat only.
	Model        string
	FallbackFrom string
	Usage        llm.Usage
	Duration     time.Duration
	// Err is the generation error already rendered into Content.
	Err error
}

// Service handles sends against one store.
type Service struct {
	store      *store.Store
	gen        Generator
	classifier *router.Classifier
	cfg        Config
	log        *logging.Logger
}

// NewService wires a Service. A nil classifier uses the default rules.
func NewService(st *store.Store, gen Generator, classifier *router.Classifier, cfg Config, log *logging.Logger) *Service {
	if classifier == nil {
		classifier = router.NewClassifier()
	}
	if cfg.FallbackUserName == "" {
		cfg.FallbackUserName = "friend"
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}
	if log == nil {
		log = logging.Global()
	}
	return &Service{
		store:      st,
		gen:        gen,
		classifier: classifier,
		cfg:        cfg,
		log:        log.WithComponent("assistant"),
	}
}

// SelectedModel returns the model used for general chat. A selection that is
// no longer in the catalog is replaced by the first catalog entry.
func (s *Service) SelectedModel(ctx context.Context) (string, error) {
	catalog := s.gen.Catalog()
	selected := s.store.Snapshot().SelectedModel
	if _, ok := catalog.Lookup(selected); ok {
		return selected, nil
	}

	next := ""
	if _, ok := catalog.Lookup(s.cfg.DefaultModel); ok && selected == "" {
		next = s.cfg.DefaultModel
	} else if first, ok := catalog.First(); ok {
		next = first.ID
	}
	if next == "" {
		return "", fmt.Errorf("model catalog is empty")
	}
	if selected != "" {
		s.log.Warn("selected model %q is not in the catalog, using %q", selected, next)
	}
	if err := s.store.SetSelectedModel(ctx, next); err != nil {
		return next, err
	}
	return next, nil
}

// SelectModel records modelID as the general chat model.
func (s *Service) SelectModel(ctx context.Context, modelID string) error {
	if _, ok := s.gen.Catalog().Lookup(modelID); !ok {
		return fmt.Errorf("unknown model %q", modelID)
	}
	return s.store.SetSelectedModel(ctx, modelID)
}

// EnsureSession returns the active session, creating one for the active
// persona when none is active. With no personas at all a default persona
// is created first.
func (s *Service) EnsureSession(ctx context.Context) (string, error) {
	st := s.store.Snapshot()
	if sess, ok := st.ActiveSession(); ok {
		return sess.ID, nil
	}

	p, ok := st.ActivePersona()
	if !ok {
		p, ok = st.DefaultPersona()
	}
	if !ok && len(st.Personas) > 0 {
		p, ok = st.Personas[0], true
	}
	if !ok {
		var err error
		p, err = s.store.AddPersona(ctx, persona.Persona{Name: persona.DefaultName, IsDefault: true})
		if err != nil {
			return "", fmt.Errorf("create default persona: %w", err)
		}
	}

	id, err := s.store.CreateSession(ctx, p.ID)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

// Send records utterance in the active session, answers it, and records the
// answer. Generation failures become the reply text; the returned error is
// only for store failures.
func (s *Service) Send(ctx context.Context, utterance string) (*Reply, error) {
	utterance = strings.TrimSpace(utterance)
	sessionID, err := s.EnsureSession(ctx)
	if err != nil {
		return nil, err
	}

	st := s.store.Snapshot()
	sess, _ := st.Session(sessionID)
	prior := s.priorTurns(sess.Messages)

	if err := s.store.AddMessageToSession(ctx, sessionID, store.Message{
		Role:    store.RoleUser,
		Content: utterance,
	}); err != nil {
		return nil, fmt.Errorf("record user message: %w", err)
	}

	intent := s.classifier.Classify(utterance, prior)
	s.log.Debug("classified %q as %s (rule %s)", utterance, intent.Kind, intent.Rule)

	reply := &Reply{SessionID: sessionID, Intent: intent}
	userName := st.UserName
	if userName == "" {
		userName = s.cfg.FallbackUserName
	}
	ai := s.personaFor(st, sess).Name

	switch intent.Kind {
	case router.IntentTaskDelete:
		if task, ok := s.store.FindTask(intent.Query); ok {
			if err := s.store.DeleteTask(ctx, task.ID); err != nil {
				return nil, fmt.Errorf("delete task: %w", err)
			}
			reply.Content = taskDeletedReply(ai, task.Title)
		} else {
			reply.Content = taskNotFoundReply(ai, intent.Query)
		}

	case router.IntentTaskCreate:
		if _, err := s.store.AddTask(ctx, intent.Title, ""); err != nil {
			return nil, fmt.Errorf("add task: %w", err)
		}
		reply.Content = taskCreatedReply(userName, ai, intent.Title)

	case router.IntentIdentityQuery:
		reply.Content = identityReply(userName, ai)

	case router.IntentMemoryStore:
		if _, err := s.store.AddMemory(ctx, intent.Text, store.MemoryTypeFact); err != nil {
			return nil, fmt.Errorf("add memory: %w", err)
		}
		reply.Content = memoryReply(userName)

	case router.IntentGreeting:
		reply.Content = greetingReply(userName, ai)

	default:
		s.generate(ctx, st, sess, userName, intent, reply)
	}

	// Record the reply even if the caller's context ended during generation.
	pctx, cancel := logging.DetachContextWithTimeout(ctx, s.cfg.PersistTimeout)
	defer cancel()
	if err := s.store.AddMessageToSession(pctx, sessionID, store.Message{
		Role:    store.RoleAssistant,
		Content: reply.Content,
	}); err != nil {
		return reply, fmt.Errorf("record assistant message: %w", err)
	}
	return reply, nil
}

func (s *Service) generate(ctx context.Context, st store.State, sess store.Session, userName string, intent router.Intent, reply *Reply) {
	modelID, err := s.SelectedModel(ctx)
	if err != nil {
		reply.Err = err
		reply.Content = llm.Guidance(err)
		return
	}
	reply.Model = modelID

	resolved := s.personaFor(st, sess)
	messages := make([]llm.Message, 0, len(intent.History)+2)
	messages = append(messages, llm.Message{
		Role:    llm.RoleSystem,
		Content: persona.BuildSystemPrompt(resolved, userName),
	})
	for _, turn := range intent.History {
		messages = append(messages, llm.Message{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: intent.Utterance})

	resp, err := s.gen.Generate(ctx, modelID, messages, s.cfg.Options)
	if err != nil {
		s.log.Warn("generation with %s failed: %v", modelID, err)
		reply.Err = err
		reply.Content = llm.Guidance(err)
		return
	}

	reply.Content = resp.Content
	reply.Usage = resp.Usage
	reply.Duration = resp.Duration
	reply.FallbackFrom = resp.FallbackFrom
	if resp.FallbackFrom != "" {
		s.log.Info("%s unavailable, answered by local fallback", resp.FallbackFrom)
	}
}

// personaFor resolves the persona that owns sess, falling back to the active
// persona and then to a name-only reference.
func (s *Service) personaFor(st store.State, sess store.Session) persona.Resolved {
	if p, ok := st.Persona(sess.PersonaID); ok {
		return persona.Full(p).Resolve()
	}
	if p, ok := st.ActivePersona(); ok {
		return persona.Full(p).Resolve()
	}
	return persona.Named(persona.DefaultName).Resolve()
}

// priorTurns converts the last HistoryLimit user and assistant messages.
func (s *Service) priorTurns(msgs []store.Message) []router.Turn {
	turns := make([]router.Turn, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != store.RoleUser && m.Role != store.RoleAssistant {
			continue
		}
		turns = append(turns, router.Turn{Role: string(m.Role), Content: m.Content})
	}
	if s.cfg.HistoryLimit > 0 && len(turns) > s.cfg.HistoryLimit {
		turns = turns[len(turns)-s.cfg.HistoryLimit:]
	}
	return turns
}
