// Package store is the single source of truth for personas, sessions,
// memories, tasks and user identity. Every mutation is a whole-state
// transition: copy the state, compute the next one, replace it, persist it.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/normanking/confidant/internal/logging"
	"github.com/normanking/confidant/internal/persona"
)

const (
	// DefaultKey is the storage key the state document is saved under.
	DefaultKey = "confidant-storage"
	// DefaultVersion is the current document format version.
	DefaultVersion = 1
	// NewChatLabel is shown for sessions with neither a title nor a live persona.
	NewChatLabel = "New Chat"
	// WelcomeSessionTitle is the title of the session created by migration.
	WelcomeSessionTitle = "Welcome Session"
)

// ErrCannotDeleteLastPersona is returned when deleting the only persona.
var ErrCannotDeleteLastPersona = errors.New("cannot delete the last persona")

// document is the persisted envelope.
type document struct {
	Version int   `json:"version"`
	State   State `json:"state"`
}

// Store owns the assistant state. It is safe for concurrent use within one
// process; concurrent writers in separate processes are not supported.
type Store struct {
	backend Backend
	key     string
	version int
	log     *logging.Logger
	now     func() time.Time
	newID   func() string

	mu    sync.RWMutex
	state State
}

// Option configures a Store.
type Option func(*Store)

// WithKey sets the storage key.
func WithKey(key string) Option {
	return func(s *Store) {
		if key != "" {
			s.key = key
		}
	}
}

// WithVersion sets the document version. A persisted document with any
// other version is discarded on Load.
func WithVersion(v int) Option {
	return func(s *Store) {
		if v > 0 {
			s.version = v
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator replaces the UUID generator.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// New creates an empty store over backend. Call Load to rehydrate.
func New(backend Backend, opts ...Option) *Store {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	s := &Store{
		backend: backend,
		key:     DefaultKey,
		version: DefaultVersion,
		log:     logging.Global(),
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithComponent("store")
	return s
}

// Load rehydrates the state from the backend and then runs the legacy
// profile migration. A missing document, or one written under another
// version, yields an empty state.
func (s *Store) Load(ctx context.Context) error {
	body, err := s.backend.Load(ctx, s.key)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	var st State
	if body != nil {
		var doc document
		if err := json.Unmarshal(body, &doc); err != nil {
			return fmt.Errorf("decode state: %w", err)
		}
		if doc.Version == s.version {
			st = doc.State
		} else {
			s.log.Warn("discarding state document version %d (want %d)", doc.Version, s.version)
		}
	}

	s.mu.Lock()
	s.state = st
	s.mu.Unlock()

	s.log.Debug("loaded %d personas, %d sessions", len(st.Personas), len(st.Sessions))
	return s.MigrateUserProfile(ctx)
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// update applies fn to a copy of the state. When fn reports a change the copy
// replaces the state and is persisted. A persistence failure is returned but
// the in-memory state keeps the change.
func (s *Store) update(ctx context.Context, fn func(*State) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.clone()
	if !fn(&next) {
		return nil
	}
	s.state = next
	return s.persistLocked(ctx)
}

func (s *Store) persistLocked(ctx context.Context) error {
	body, err := json.Marshal(document{Version: s.version, State: s.state})
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := s.backend.Save(ctx, s.key, body); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// PERSONAS
// ═══════════════════════════════════════════════════════════════════════════════

// PersonaPatch holds the fields UpdatePersona changes. Nil fields are kept.
type PersonaPatch struct {
	Name             *string
	RelationshipMode *persona.RelationshipMode
	VoiceSettings    *persona.VoiceSettings
	SystemPrompt     *string
	IsDefault        *bool
}

// AddPersona stores p under a new id. If p is marked default, or it is the
// first persona, it becomes the only default and the active persona.
func (s *Store) AddPersona(ctx context.Context, p persona.Persona) (persona.Persona, error) {
	p.ID = s.newID()
	p.CreatedAt = s.now()
	if p.RelationshipMode == "" {
		p.RelationshipMode = persona.ModeSupportiveFriend
	}
	if p.VoiceSettings == (persona.VoiceSettings{}) {
		p.VoiceSettings = persona.DefaultVoice()
	}

	err := s.update(ctx, func(st *State) bool {
		if p.IsDefault || len(st.Personas) == 0 {
			clearDefaults(st)
			p.IsDefault = true
			st.ActivePersonaID = p.ID
		}
		st.Personas = append(st.Personas, p)
		return true
	})
	if err != nil {
		return p, err
	}
	s.log.Info("added persona %q", p.Name)
	return p, nil
}

// UpdatePersona merges patch into the persona with id. Setting IsDefault
// clears the flag on every other persona.
func (s *Store) UpdatePersona(ctx context.Context, id string, patch PersonaPatch) error {
	return s.update(ctx, func(st *State) bool {
		i := st.personaIndex(id)
		if i < 0 {
			return false
		}
		if patch.IsDefault != nil && *patch.IsDefault {
			clearDefaults(st)
		}

		p := &st.Personas[i]
		if patch.Name != nil {
			p.Name = *patch.Name
		}
		if patch.RelationshipMode != nil {
			p.RelationshipMode = *patch.RelationshipMode
		}
		if patch.VoiceSettings != nil {
			p.VoiceSettings = *patch.VoiceSettings
		}
		if patch.SystemPrompt != nil {
			p.SystemPrompt = *patch.SystemPrompt
		}
		if patch.IsDefault != nil {
			p.IsDefault = *patch.IsDefault
		}
		return true
	})
}

// DeletePersona removes the persona with id. Its sessions and memories stay.
// When it was active, the first remaining persona becomes active.
func (s *Store) DeletePersona(ctx context.Context, id string) error {
	var guard error
	err := s.update(ctx, func(st *State) bool {
		i := st.personaIndex(id)
		if i < 0 {
			return false
		}
		if len(st.Personas) == 1 {
			guard = ErrCannotDeleteLastPersona
			return false
		}
		st.Personas = append(st.Personas[:i], st.Personas[i+1:]...)
		if st.ActivePersonaID == id {
			st.ActivePersonaID = st.Personas[0].ID
		}
		return true
	})
	if guard != nil {
		return guard
	}
	return err
}

// SetActivePersona makes id the active persona.
func (s *Store) SetActivePersona(ctx context.Context, id string) error {
	return s.update(ctx, func(st *State) bool {
		if st.personaIndex(id) < 0 || st.ActivePersonaID == id {
			return false
		}
		st.ActivePersonaID = id
		return true
	})
}

func clearDefaults(st *State) {
	for i := range st.Personas {
		st.Personas[i].IsDefault = false
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// SESSIONS
// ═══════════════════════════════════════════════════════════════════════════════

// CreateSession starts a session with personaID, titled with the persona's
// name, and makes both active. It returns "" when the persona is unknown.
func (s *Store) CreateSession(ctx context.Context, personaID string) (string, error) {
	id := s.newID()
	now := s.now()

	created := false
	err := s.update(ctx, func(st *State) bool {
		p, ok := st.Persona(personaID)
		if !ok {
			return false
		}
		st.Sessions = append(st.Sessions, Session{
			ID:        id,
			PersonaID: personaID,
			Title:     p.Name,
			Messages:  []Message{},
			CreatedAt: now,
			UpdatedAt: now,
		})
		st.ActiveSessionID = id
		st.ActivePersonaID = personaID
		created = true
		return true
	})
	if !created {
		return "", err
	}
	return id, err
}

// AddMessageToSession appends msg to the session. A zero Timestamp is
// filled in, never earlier than the previous message. A caller-supplied
// Timestamp is stored as given. UpdatedAt follows the store clock and
// never moves backwards.
func (s *Store) AddMessageToSession(ctx context.Context, sessionID string, msg Message) error {
	return s.update(ctx, func(st *State) bool {
		i := st.sessionIndex(sessionID)
		if i < 0 {
			return false
		}
		sess := &st.Sessions[i]
		now := s.now()
		if msg.Timestamp.IsZero() {
			msg.Timestamp = now
			if n := len(sess.Messages); n > 0 && msg.Timestamp.Before(sess.Messages[n-1].Timestamp) {
				msg.Timestamp = sess.Messages[n-1].Timestamp
			}
		}
		sess.Messages = append(sess.Messages, msg)
		if now.After(sess.UpdatedAt) {
			sess.UpdatedAt = now
		}
		return true
	})
}

// DeleteSession removes the session. If it was active, no session is active.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.update(ctx, func(st *State) bool {
		i := st.sessionIndex(id)
		if i < 0 {
			return false
		}
		st.Sessions = append(st.Sessions[:i], st.Sessions[i+1:]...)
		if st.ActiveSessionID == id {
			st.ActiveSessionID = ""
		}
		return true
	})
}

// SetActiveSession makes id the active session. The session's persona
// becomes active too when it still exists.
func (s *Store) SetActiveSession(ctx context.Context, id string) error {
	return s.update(ctx, func(st *State) bool {
		sess, ok := st.Session(id)
		if !ok {
			return false
		}
		st.ActiveSessionID = id
		if st.personaIndex(sess.PersonaID) >= 0 {
			st.ActivePersonaID = sess.PersonaID
		}
		return true
	})
}

// SessionLabel is the display label of a session: its title, else its
// persona's name, else NewChatLabel.
func (s *Store) SessionLabel(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.state.Session(id)
	if !ok {
		return NewChatLabel
	}
	return sessionLabel(s.state, sess)
}

func sessionLabel(st State, sess Session) string {
	if sess.Title != "" && sess.Title != NewChatLabel {
		return sess.Title
	}
	if p, ok := st.Persona(sess.PersonaID); ok && p.Name != "" {
		return p.Name
	}
	return NewChatLabel
}

// ═══════════════════════════════════════════════════════════════════════════════
// USER & SETTINGS
// ═══════════════════════════════════════════════════════════════════════════════

// SetUserName renames the user.
func (s *Store) SetUserName(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	return s.update(ctx, func(st *State) bool {
		if name == "" || st.UserName == name {
			return false
		}
		st.UserName = name
		return true
	})
}

// SetSelectedModel records the catalog model id used for general chat.
func (s *Store) SetSelectedModel(ctx context.Context, modelID string) error {
	return s.update(ctx, func(st *State) bool {
		if st.SelectedModel == modelID {
			return false
		}
		st.SelectedModel = modelID
		return true
	})
}

// CompleteOnboarding marks onboarding as done.
func (s *Store) CompleteOnboarding(ctx context.Context) error {
	return s.update(ctx, func(st *State) bool {
		if st.Onboarded {
			return false
		}
		st.Onboarded = true
		return true
	})
}

// SetLegacyProfile records the single-profile onboarding result. Once a
// profile is present it is never overwritten.
func (s *Store) SetLegacyProfile(ctx context.Context, lp persona.LegacyProfile) error {
	return s.update(ctx, func(st *State) bool {
		if st.LegacyProfile != nil {
			return false
		}
		st.LegacyProfile = &lp
		return true
	})
}

// ═══════════════════════════════════════════════════════════════════════════════
// MEMORIES & TASKS
// ═══════════════════════════════════════════════════════════════════════════════

// AddMemory stores text attributed to the active persona.
func (s *Store) AddMemory(ctx context.Context, text, memType string) (Memory, error) {
	if memType == "" {
		memType = MemoryTypeFact
	}
	m := Memory{ID: s.newID(), Text: text, Type: memType, CreatedAt: s.now()}
	err := s.update(ctx, func(st *State) bool {
		m.PersonaID = st.ActivePersonaID
		st.Memories = append(st.Memories, m)
		return true
	})
	return m, err
}

// DeleteMemory removes the memory with id.
func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	return s.update(ctx, func(st *State) bool {
		for i := range st.Memories {
			if st.Memories[i].ID == id {
				st.Memories = append(st.Memories[:i], st.Memories[i+1:]...)
				return true
			}
		}
		return false
	})
}

// AddTask adds a pending task.
func (s *Store) AddTask(ctx context.Context, title, due string) (Task, error) {
	t := Task{ID: s.newID(), Title: title, Due: due, Status: TaskPending}
	err := s.update(ctx, func(st *State) bool {
		st.Tasks = append(st.Tasks, t)
		return true
	})
	return t, err
}

// DeleteTask removes the task with id.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return s.update(ctx, func(st *State) bool {
		for i := range st.Tasks {
			if st.Tasks[i].ID == id {
				st.Tasks = append(st.Tasks[:i], st.Tasks[i+1:]...)
				return true
			}
		}
		return false
	})
}

// ToggleTask flips the task between pending and completed.
func (s *Store) ToggleTask(ctx context.Context, id string) error {
	return s.update(ctx, func(st *State) bool {
		for i := range st.Tasks {
			if st.Tasks[i].ID != id {
				continue
			}
			if st.Tasks[i].Status == TaskPending {
				st.Tasks[i].Status = TaskCompleted
			} else {
				st.Tasks[i].Status = TaskPending
			}
			return true
		}
		return false
	})
}

// FindTask returns the first task whose title contains query, ignoring case.
// An empty query matches nothing.
func (s *Store) FindTask(query string) (Task, bool) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return Task{}, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.state.Tasks {
		if strings.Contains(strings.ToLower(t.Title), q) {
			return t, true
		}
	}
	return Task{}, false
}
