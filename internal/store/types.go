package store

import (
	"time"

	"github.com/normanking/confidant/internal/persona"
)

// Role identifies who wrote a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry in a session. Messages are append-only.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is one conversation thread bound to a persona. PersonaID is kept
// even after that persona is deleted.
type Session struct {
	ID        string    `json:"id"`
	PersonaID string    `json:"personaId"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MemoryTypeFact is the type recorded for facts captured from conversation.
const MemoryTypeFact = "fact"

// Memory is a fact the user asked to be remembered. An empty PersonaID marks
// a global memory.
type Memory struct {
	ID        string    `json:"id"`
	PersonaID string    `json:"personaId,omitempty"`
	Text      string    `json:"text"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
}

// TaskStatus is the completion state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
)

// Task is a reminder or to-do item. Tasks are global to the user.
type Task struct {
	ID     string     `json:"id"`
	Title  string     `json:"title"`
	Due    string     `json:"due,omitempty"`
	Status TaskStatus `json:"status"`
}

// State is everything the store persists.
type State struct {
	UserName        string                 `json:"userName"`
	Personas        []persona.Persona      `json:"personas"`
	Sessions        []Session              `json:"sessions"`
	Memories        []Memory               `json:"memories"`
	Tasks           []Task                 `json:"tasks"`
	ActivePersonaID string                 `json:"activePersonaId,omitempty"`
	ActiveSessionID string                 `json:"activeSessionId,omitempty"`
	SelectedModel   string                 `json:"selectedModel,omitempty"`
	Onboarded       bool                   `json:"isOnboarded"`
	LegacyProfile   *persona.LegacyProfile `json:"userProfile,omitempty"`
}

// clone returns a deep copy of s.
func (s State) clone() State {
	out := s
	out.Personas = append([]persona.Persona(nil), s.Personas...)
	out.Memories = append([]Memory(nil), s.Memories...)
	out.Tasks = append([]Task(nil), s.Tasks...)
	if s.Sessions != nil {
		out.Sessions = make([]Session, len(s.Sessions))
		for i, sess := range s.Sessions {
			sess.Messages = append([]Message(nil), sess.Messages...)
			out.Sessions[i] = sess
		}
	}
	if s.LegacyProfile != nil {
		lp := *s.LegacyProfile
		out.LegacyProfile = &lp
	}
	return out
}

func (s *State) personaIndex(id string) int {
	for i := range s.Personas {
		if s.Personas[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *State) sessionIndex(id string) int {
	for i := range s.Sessions {
		if s.Sessions[i].ID == id {
			return i
		}
	}
	return -1
}

// Persona returns the persona with id.
func (s State) Persona(id string) (persona.Persona, bool) {
	if i := s.personaIndex(id); i >= 0 {
		return s.Personas[i], true
	}
	return persona.Persona{}, false
}

// Session returns the session with id.
func (s State) Session(id string) (Session, bool) {
	if i := s.sessionIndex(id); i >= 0 {
		return s.Sessions[i], true
	}
	return Session{}, false
}

// ActivePersona returns the active persona, if any.
func (s State) ActivePersona() (persona.Persona, bool) {
	return s.Persona(s.ActivePersonaID)
}

// ActiveSession returns the active session, if any.
func (s State) ActiveSession() (Session, bool) {
	return s.Session(s.ActiveSessionID)
}

// DefaultPersona returns the persona flagged default, if any.
func (s State) DefaultPersona() (persona.Persona, bool) {
	for _, p := range s.Personas {
		if p.IsDefault {
			return p, true
		}
	}
	return persona.Persona{}, false
}
