package store

import (
	"context"

	"github.com/normanking/confidant/internal/persona"
)

// MigrateUserProfile upgrades a legacy single profile into the persona model.
// It runs only when a legacy profile is present and there are no personas,
// so calling it again is a no-op. The legacy profile is left in place.
func (s *Store) MigrateUserProfile(ctx context.Context) error {
	now := s.now()
	personaID := s.newID()
	sessionID := s.newID()

	migrated := false
	err := s.update(ctx, func(st *State) bool {
		lp := st.LegacyProfile
		if lp == nil || len(st.Personas) > 0 {
			return false
		}

		mode := lp.RelationshipMode
		if !mode.Valid() {
			mode = persona.ModeSupportiveFriend
		}
		voice := lp.VoiceSettings
		if voice == (persona.VoiceSettings{}) {
			voice = persona.DefaultVoice()
		}
		name := lp.AIName
		if name == "" {
			name = persona.DefaultName
		}

		st.Personas = []persona.Persona{{
			ID:               personaID,
			Name:             name,
			RelationshipMode: mode,
			VoiceSettings:    voice,
			IsDefault:        true,
			CreatedAt:        now,
		}}
		st.Sessions = append(st.Sessions, Session{
			ID:        sessionID,
			PersonaID: personaID,
			Title:     WelcomeSessionTitle,
			Messages:  []Message{},
			CreatedAt: now,
			UpdatedAt: now,
		})
		st.ActivePersonaID = personaID
		st.ActiveSessionID = sessionID
		if lp.Name != "" {
			st.UserName = lp.Name
		}
		migrated = true
		return true
	})
	if migrated {
		s.log.Info("migrated legacy profile into persona %s", personaID)
	}
	return err
}
