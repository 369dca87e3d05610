package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/confidant/internal/logging"
	"github.com/normanking/confidant/internal/persona"
)

// stepClock returns a clock that advances one second per call.
func stepClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newTestStore(t *testing.T, backend Backend) *Store {
	t.Helper()
	if backend == nil {
		backend = NewMemoryBackend()
	}
	return New(backend, WithLogger(logging.Nop()), WithClock(stepClock()))
}

func countDefaults(st State) int {
	n := 0
	for _, p := range st.Personas {
		if p.IsDefault {
			n++
		}
	}
	return n
}

func addPersona(t *testing.T, s *Store, name string, isDefault bool) persona.Persona {
	t.Helper()
	p, err := s.AddPersona(context.Background(), persona.Persona{Name: name, IsDefault: isDefault})
	require.NoError(t, err)
	return p
}

// ═══════════════════════════════════════════════════════════════════════════════
// PERSONAS
// ═══════════════════════════════════════════════════════════════════════════════

func TestAddPersona(t *testing.T) {
	s := newTestStore(t, nil)

	first := addPersona(t, s, "Ada", false)
	assert.NotEmpty(t, first.ID)
	assert.True(t, first.IsDefault, "first persona becomes default")
	assert.Equal(t, persona.ModeSupportiveFriend, first.RelationshipMode)
	assert.Equal(t, persona.DefaultVoice(), first.VoiceSettings)
	assert.False(t, first.CreatedAt.IsZero())

	second := addPersona(t, s, "Bo", false)
	assert.False(t, second.IsDefault)

	st := s.Snapshot()
	assert.Equal(t, first.ID, st.ActivePersonaID)
	assert.Len(t, st.Personas, 2)

	third := addPersona(t, s, "Cy", true)
	st = s.Snapshot()
	assert.Equal(t, 1, countDefaults(st))
	def, ok := st.DefaultPersona()
	require.True(t, ok)
	assert.Equal(t, third.ID, def.ID)
	assert.Equal(t, third.ID, st.ActivePersonaID)
}

func TestDefaultInvariant(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	var ids []string
	for i := 0; i < 5; i++ {
		p := addPersona(t, s, fmt.Sprintf("p%d", i), i%2 == 0)
		ids = append(ids, p.ID)
		assert.LessOrEqual(t, countDefaults(s.Snapshot()), 1, "after add %d", i)
	}

	yes, no := true, false
	for i, id := range ids {
		patch := PersonaPatch{IsDefault: &yes}
		if i%3 == 0 {
			patch.IsDefault = &no
		}
		require.NoError(t, s.UpdatePersona(ctx, id, patch))
		assert.LessOrEqual(t, countDefaults(s.Snapshot()), 1, "after update %d", i)
	}

	require.NoError(t, s.UpdatePersona(ctx, ids[1], PersonaPatch{IsDefault: &yes}))
	def, ok := s.Snapshot().DefaultPersona()
	require.True(t, ok)
	assert.Equal(t, ids[1], def.ID)
}

func TestUpdatePersona(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)
	p := addPersona(t, s, "Ada", false)

	name := "Ada Lovelace"
	mode := persona.ModeWiseMentor
	prompt := "Speak in verse."
	require.NoError(t, s.UpdatePersona(ctx, p.ID, PersonaPatch{
		Name:             &name,
		RelationshipMode: &mode,
		SystemPrompt:     &prompt,
	}))

	got, ok := s.Snapshot().Persona(p.ID)
	require.True(t, ok)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, name, got.Name)
	assert.Equal(t, mode, got.RelationshipMode)
	assert.Equal(t, prompt, got.SystemPrompt)
	assert.Equal(t, p.VoiceSettings, got.VoiceSettings)
	assert.True(t, got.IsDefault)

	t.Run("unknown id is a no-op", func(t *testing.T) {
		before := s.Snapshot()
		require.NoError(t, s.UpdatePersona(ctx, "missing", PersonaPatch{Name: &name}))
		assert.Equal(t, before, s.Snapshot())
	})
}

func TestDeletePersona(t *testing.T) {
	ctx := context.Background()

	t.Run("active persona falls back to first remaining", func(t *testing.T) {
		s := newTestStore(t, nil)
		a := addPersona(t, s, "A", false)
		b := addPersona(t, s, "B", false)
		c := addPersona(t, s, "C", false)
		require.NoError(t, s.SetActivePersona(ctx, b.ID))

		require.NoError(t, s.DeletePersona(ctx, b.ID))
		st := s.Snapshot()
		assert.Equal(t, a.ID, st.ActivePersonaID)
		assert.Len(t, st.Personas, 2)
		_, ok := st.Persona(c.ID)
		assert.True(t, ok)
	})

	t.Run("inactive persona keeps active", func(t *testing.T) {
		s := newTestStore(t, nil)
		a := addPersona(t, s, "A", false)
		b := addPersona(t, s, "B", false)

		require.NoError(t, s.DeletePersona(ctx, b.ID))
		assert.Equal(t, a.ID, s.Snapshot().ActivePersonaID)
	})

	t.Run("last persona is rejected", func(t *testing.T) {
		s := newTestStore(t, nil)
		a := addPersona(t, s, "A", false)

		err := s.DeletePersona(ctx, a.ID)
		assert.True(t, errors.Is(err, ErrCannotDeleteLastPersona))
		assert.Len(t, s.Snapshot().Personas, 1)
	})

	t.Run("unknown id is a no-op", func(t *testing.T) {
		s := newTestStore(t, nil)
		addPersona(t, s, "A", false)
		assert.NoError(t, s.DeletePersona(ctx, "missing"))
	})

	t.Run("sessions are orphaned not deleted", func(t *testing.T) {
		s := newTestStore(t, nil)
		addPersona(t, s, "A", false)
		b := addPersona(t, s, "B", false)
		sid, err := s.CreateSession(ctx, b.ID)
		require.NoError(t, err)

		empty := ""
		require.NoError(t, s.UpdatePersona(ctx, b.ID, PersonaPatch{Name: &empty}))
		require.NoError(t, s.DeletePersona(ctx, b.ID))

		st := s.Snapshot()
		sess, ok := st.Session(sid)
		require.True(t, ok)
		assert.Equal(t, b.ID, sess.PersonaID)
		assert.Equal(t, sid, st.ActiveSessionID)
	})
}

// ═══════════════════════════════════════════════════════════════════════════════
// SESSIONS
// ═══════════════════════════════════════════════════════════════════════════════

func TestCreateSession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)
	addPersona(t, s, "A", false)
	b := addPersona(t, s, "Bea", false)

	sid, err := s.CreateSession(ctx, b.ID)
	require.NoError(t, err)
	require.NotEmpty(t, sid)

	st := s.Snapshot()
	assert.Equal(t, sid, st.ActiveSessionID)
	assert.Equal(t, b.ID, st.ActivePersonaID)
	sess, ok := st.ActiveSession()
	require.True(t, ok)
	assert.Equal(t, "Bea", sess.Title)
	assert.Empty(t, sess.Messages)

	t.Run("unknown persona", func(t *testing.T) {
		id, err := s.CreateSession(ctx, "missing")
		assert.NoError(t, err)
		assert.Empty(t, id)
		assert.Len(t, s.Snapshot().Sessions, 1)
	})
}

func TestAddMessageToSession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)
	p := addPersona(t, s, "A", false)
	sid, err := s.CreateSession(ctx, p.ID)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		require.NoError(t, s.AddMessageToSession(ctx, sid, Message{Role: role, Content: fmt.Sprintf("m%d", i)}))
	}

	sess, ok := s.Snapshot().Session(sid)
	require.True(t, ok)
	require.Len(t, sess.Messages, 5)
	for i, m := range sess.Messages {
		assert.Equal(t, fmt.Sprintf("m%d", i), m.Content)
		assert.False(t, m.Timestamp.IsZero())
		if i > 0 {
			assert.False(t, m.Timestamp.Before(sess.Messages[i-1].Timestamp))
		}
	}
	assert.Equal(t, sess.Messages[4].Timestamp, sess.UpdatedAt)
	assert.True(t, sess.UpdatedAt.After(sess.CreatedAt))

	t.Run("caller timestamp is kept on the message only", func(t *testing.T) {
		before, _ := s.Snapshot().Session(sid)

		old := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
		require.NoError(t, s.AddMessageToSession(ctx, sid, Message{Role: RoleSystem, Content: "old", Timestamp: old}))
		sess, _ := s.Snapshot().Session(sid)
		assert.Equal(t, old, sess.Messages[5].Timestamp)
		assert.True(t, sess.UpdatedAt.After(before.UpdatedAt), "updatedAt is refreshed by the store clock")
		assert.False(t, sess.UpdatedAt.Before(sess.CreatedAt))

		future := time.Date(2030, 5, 5, 0, 0, 0, 0, time.UTC)
		require.NoError(t, s.AddMessageToSession(ctx, sid, Message{Role: RoleSystem, Content: "future", Timestamp: future}))
		after, _ := s.Snapshot().Session(sid)
		assert.Equal(t, future, after.Messages[6].Timestamp)
		assert.False(t, after.UpdatedAt.Before(sess.UpdatedAt), "updatedAt never goes down")
	})

	t.Run("server timestamp never goes backwards", func(t *testing.T) {
		require.NoError(t, s.AddMessageToSession(ctx, sid, Message{Role: RoleUser, Content: "y"}))
		sess, _ := s.Snapshot().Session(sid)
		n := len(sess.Messages)
		assert.False(t, sess.Messages[n-1].Timestamp.Before(sess.Messages[n-2].Timestamp))
	})

	t.Run("unknown session is a no-op", func(t *testing.T) {
		before := s.Snapshot()
		require.NoError(t, s.AddMessageToSession(ctx, "missing", Message{Role: RoleUser, Content: "z"}))
		assert.Equal(t, before, s.Snapshot())
	})
}

func TestDeleteSession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)
	p := addPersona(t, s, "A", false)
	first, _ := s.CreateSession(ctx, p.ID)
	second, _ := s.CreateSession(ctx, p.ID)

	require.NoError(t, s.DeleteSession(ctx, first))
	st := s.Snapshot()
	assert.Equal(t, second, st.ActiveSessionID)
	assert.Len(t, st.Sessions, 1)

	require.NoError(t, s.DeleteSession(ctx, second))
	assert.Empty(t, s.Snapshot().ActiveSessionID)
}

func TestSetActiveSession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)
	a := addPersona(t, s, "A", false)
	b := addPersona(t, s, "B", false)
	sa, _ := s.CreateSession(ctx, a.ID)
	_, _ = s.CreateSession(ctx, b.ID)

	require.NoError(t, s.SetActiveSession(ctx, sa))
	st := s.Snapshot()
	assert.Equal(t, sa, st.ActiveSessionID)
	assert.Equal(t, a.ID, st.ActivePersonaID)

	require.NoError(t, s.SetActiveSession(ctx, "missing"))
	assert.Equal(t, sa, s.Snapshot().ActiveSessionID)
}

func TestSessionLabel(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)
	addPersona(t, s, "Keeper", false)
	p := addPersona(t, s, "Nova", false)
	sid, _ := s.CreateSession(ctx, p.ID)

	assert.Equal(t, "Nova", s.SessionLabel(sid))

	require.NoError(t, s.update(ctx, func(st *State) bool {
		st.Sessions[0].Title = NewChatLabel
		return true
	}))
	assert.Equal(t, "Nova", s.SessionLabel(sid), "placeholder title falls back to persona name")

	require.NoError(t, s.DeletePersona(ctx, p.ID))
	assert.Equal(t, NewChatLabel, s.SessionLabel(sid), "orphaned session falls back to placeholder")
	assert.Equal(t, NewChatLabel, s.SessionLabel("missing"))
}

// ═══════════════════════════════════════════════════════════════════════════════
// USER, MEMORIES, TASKS
// ═══════════════════════════════════════════════════════════════════════════════

func TestSettings(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	require.NoError(t, s.SetUserName(ctx, "  Sam "))
	require.NoError(t, s.SetUserName(ctx, ""))
	require.NoError(t, s.SetSelectedModel(ctx, "groq-llama3.1"))
	require.NoError(t, s.CompleteOnboarding(ctx))

	st := s.Snapshot()
	assert.Equal(t, "Sam", st.UserName)
	assert.Equal(t, "groq-llama3.1", st.SelectedModel)
	assert.True(t, st.Onboarded)
}

func TestSetLegacyProfileWritesOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	require.NoError(t, s.SetLegacyProfile(ctx, persona.LegacyProfile{Name: "Sam", AIName: "Echo"}))
	require.NoError(t, s.SetLegacyProfile(ctx, persona.LegacyProfile{Name: "Other", AIName: "Other"}))

	lp := s.Snapshot().LegacyProfile
	require.NotNil(t, lp)
	assert.Equal(t, "Echo", lp.AIName)
}

func TestMemories(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	global, err := s.AddMemory(ctx, "I love tea", "")
	require.NoError(t, err)
	assert.Empty(t, global.PersonaID)
	assert.Equal(t, MemoryTypeFact, global.Type)

	p := addPersona(t, s, "A", false)
	scoped, err := s.AddMemory(ctx, "I hate rain", MemoryTypeFact)
	require.NoError(t, err)
	assert.Equal(t, p.ID, scoped.PersonaID)

	require.NoError(t, s.DeleteMemory(ctx, global.ID))
	require.NoError(t, s.DeleteMemory(ctx, "missing"))
	mems := s.Snapshot().Memories
	require.Len(t, mems, 1)
	assert.Equal(t, scoped.ID, mems[0].ID)
}

func TestTasks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	milk, err := s.AddTask(ctx, "Buy Milk", "")
	require.NoError(t, err)
	assert.Equal(t, TaskPending, milk.Status)
	_, err = s.AddTask(ctx, "milk the goat", "tomorrow")
	require.NoError(t, err)

	found, ok := s.FindTask("MILK")
	require.True(t, ok)
	assert.Equal(t, milk.ID, found.ID, "first match wins")

	_, ok = s.FindTask("eggs")
	assert.False(t, ok)
	_, ok = s.FindTask("  ")
	assert.False(t, ok)

	require.NoError(t, s.ToggleTask(ctx, milk.ID))
	assert.Equal(t, TaskCompleted, s.Snapshot().Tasks[0].Status)
	require.NoError(t, s.ToggleTask(ctx, milk.ID))
	assert.Equal(t, TaskPending, s.Snapshot().Tasks[0].Status)

	require.NoError(t, s.DeleteTask(ctx, milk.ID))
	require.NoError(t, s.DeleteTask(ctx, "missing"))
	tasks := s.Snapshot().Tasks
	require.Len(t, tasks, 1)
	assert.Equal(t, "milk the goat", tasks[0].Title)
}

// ═══════════════════════════════════════════════════════════════════════════════
// PERSISTENCE
// ═══════════════════════════════════════════════════════════════════════════════

func TestPersistAndRehydrate(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()

	s1 := newTestStore(t, backend)
	require.NoError(t, s1.Load(ctx))
	p := addPersona(t, s1, "Ada", false)
	sid, err := s1.CreateSession(ctx, p.ID)
	require.NoError(t, err)
	require.NoError(t, s1.AddMessageToSession(ctx, sid, Message{Role: RoleUser, Content: "hello"}))
	_, err = s1.AddTask(ctx, "walk", "")
	require.NoError(t, err)

	raw, err := backend.Load(ctx, DefaultKey)
	require.NoError(t, err)
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.JSONEq(t, "1", string(doc["version"]))
	assert.Contains(t, doc, "state")

	s2 := newTestStore(t, backend)
	require.NoError(t, s2.Load(ctx))
	st := s2.Snapshot()
	require.Len(t, st.Personas, 1)
	assert.Equal(t, "Ada", st.Personas[0].Name)
	assert.Equal(t, sid, st.ActiveSessionID)
	sess, ok := st.ActiveSession()
	require.True(t, ok)
	require.Len(t, sess.Messages, 1)
	assert.Equal(t, "hello", sess.Messages[0].Content)
	assert.Len(t, st.Tasks, 1)

	if diff := cmp.Diff(s1.Snapshot(), st, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("rehydrated state mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadVersionMismatchStartsFresh(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()

	old := New(backend, WithLogger(logging.Nop()), WithVersion(1))
	require.NoError(t, old.Load(ctx))
	addPersona(t, old, "Old", false)

	fresh := New(backend, WithLogger(logging.Nop()), WithVersion(2))
	require.NoError(t, fresh.Load(ctx))
	assert.Empty(t, fresh.Snapshot().Personas)
}

func TestLoadCorruptDocument(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	require.NoError(t, backend.Save(ctx, DefaultKey, []byte("{not json")))

	s := newTestStore(t, backend)
	assert.Error(t, s.Load(ctx))
}

type failingBackend struct{ err error }

func (f failingBackend) Load(context.Context, string) ([]byte, error) { return nil, f.err }
func (f failingBackend) Save(context.Context, string, []byte) error   { return f.err }

func TestPersistFailureIsReturned(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk full")
	s := newTestStore(t, failingBackend{err: boom})

	assert.ErrorIs(t, s.Load(ctx), boom)

	_, err := s.AddTask(ctx, "x", "")
	assert.ErrorIs(t, err, boom)
	assert.Len(t, s.Snapshot().Tasks, 1, "in-memory state keeps the change")
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)
	p := addPersona(t, s, "A", false)
	sid, _ := s.CreateSession(ctx, p.ID)
	require.NoError(t, s.AddMessageToSession(ctx, sid, Message{Role: RoleUser, Content: "original"}))

	snap := s.Snapshot()
	snap.Sessions[0].Messages[0].Content = "mutated"
	snap.Personas[0].Name = "mutated"

	again := s.Snapshot()
	assert.Equal(t, "original", again.Sessions[0].Messages[0].Content)
	assert.Equal(t, "A", again.Personas[0].Name)
}

func TestConcurrentMutations(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)
	p := addPersona(t, s, "A", false)
	sid, _ := s.CreateSession(ctx, p.ID)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.AddMessageToSession(ctx, sid, Message{Role: RoleUser, Content: fmt.Sprint(i)})
			_, _ = s.AddTask(ctx, fmt.Sprint(i), "")
		}(i)
	}
	wg.Wait()

	st := s.Snapshot()
	sess, _ := st.Session(sid)
	assert.Len(t, sess.Messages, 20)
	assert.Len(t, st.Tasks, 20)
}
