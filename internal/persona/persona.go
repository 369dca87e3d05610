// Package persona defines the AI personalities a user converses with and
// builds the system prompt each one sends to a backend.
package persona

import (
	"fmt"
	"strings"
	"time"
)

// RelationshipMode selects the tone template used when a persona has no
// custom system prompt.
type RelationshipMode string

const (
	ModeStrictProfessional RelationshipMode = "Strict Professional"
	ModeSupportiveFriend   RelationshipMode = "Supportive Friend"
	ModeWiseMentor         RelationshipMode = "Wise Mentor"
	ModeChaosBuddy         RelationshipMode = "Chaos Buddy"
	ModeCustom             RelationshipMode = "Custom"
)

// Modes lists the relationship modes in display order.
var Modes = []RelationshipMode{
	ModeStrictProfessional,
	ModeSupportiveFriend,
	ModeWiseMentor,
	ModeChaosBuddy,
	ModeCustom,
}

// Valid reports whether m is one of the known modes.
func (m RelationshipMode) Valid() bool {
	for _, known := range Modes {
		if m == known {
			return true
		}
	}
	return false
}

// Description is the one-line summary shown next to a mode.
func (m RelationshipMode) Description() string {
	switch m {
	case ModeStrictProfessional:
		return "Efficient, formal, and task-oriented."
	case ModeSupportiveFriend:
		return "Warm, empathetic, and casual."
	case ModeWiseMentor:
		return "Patient, educational, and guiding."
	case ModeChaosBuddy:
		return "Fun, unpredictable, and energetic."
	case ModeCustom:
		return "Defined entirely by your own system prompt."
	default:
		return ""
	}
}

// ParseMode matches s case-insensitively against the known modes.
func ParseMode(s string) (RelationshipMode, error) {
	for _, m := range Modes {
		if strings.EqualFold(strings.TrimSpace(s), string(m)) {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown relationship mode %q", s)
}

// VoiceSettings are speech-synthesis parameters stored with a persona.
type VoiceSettings struct {
	Pitch float64 `json:"pitch" yaml:"pitch"`
	Rate  float64 `json:"rate" yaml:"rate"`
}

// DefaultVoice returns neutral pitch and rate.
func DefaultVoice() VoiceSettings {
	return VoiceSettings{Pitch: 1.0, Rate: 1.0}
}

// Persona is a named AI personality. ID is assigned by the store and never changes.
type Persona struct {
	ID               string           `json:"id" yaml:"-"`
	Name             string           `json:"name" yaml:"name"`
	RelationshipMode RelationshipMode `json:"relationshipMode" yaml:"relationship_mode"`
	VoiceSettings    VoiceSettings    `json:"voiceSettings" yaml:"voice"`
	SystemPrompt     string           `json:"systemPrompt,omitempty" yaml:"system_prompt,omitempty"`
	IsDefault        bool             `json:"isDefault" yaml:"default,omitempty"`
	CreatedAt        time.Time        `json:"createdAt" yaml:"-"`
}

// LegacyProfile is the single-profile record written by older onboarding.
// It is read by the store's migration and otherwise left untouched.
type LegacyProfile struct {
	Name             string           `json:"name"`
	AIName           string           `json:"aiName"`
	RelationshipMode RelationshipMode `json:"relationshipMode"`
	VoiceSettings    VoiceSettings    `json:"voiceSettings"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// PERSONA REFERENCES
// ═══════════════════════════════════════════════════════════════════════════════

type refKind int

const (
	refNamed refKind = iota + 1
	refFull
)

// Ref identifies the persona a reply is generated for: either just a name
// (no stored persona) or a full record. Build one with Named or Full.
type Ref struct {
	kind    refKind
	name    string
	persona Persona
}

// Named refers to a persona by display name only.
func Named(name string) Ref {
	return Ref{kind: refNamed, name: name}
}

// Full refers to a complete persona record.
func Full(p Persona) Ref {
	return Ref{kind: refFull, persona: p}
}

// IsZero reports whether r was never set.
func (r Ref) IsZero() bool {
	return r.kind == 0
}

// Resolved is the single representation the rest of the system uses.
type Resolved struct {
	Name         string
	SystemPrompt string
	Mode         RelationshipMode
}

// DefaultName is used when a reference carries no usable name.
const DefaultName = "Confidant"

// Resolve flattens r. A Named ref gets the Supportive Friend template.
func (r Ref) Resolve() Resolved {
	switch r.kind {
	case refFull:
		res := Resolved{
			Name:         r.persona.Name,
			SystemPrompt: strings.TrimSpace(r.persona.SystemPrompt),
			Mode:         r.persona.RelationshipMode,
		}
		if res.Name == "" {
			res.Name = DefaultName
		}
		if !res.Mode.Valid() {
			res.Mode = ModeSupportiveFriend
		}
		return res
	case refNamed:
		name := strings.TrimSpace(r.name)
		if name == "" {
			name = DefaultName
		}
		return Resolved{Name: name, Mode: ModeSupportiveFriend}
	default:
		return Resolved{Name: DefaultName, Mode: ModeSupportiveFriend}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// SYSTEM PROMPTS
// ═══════════════════════════════════════════════════════════════════════════════

// MarkdownInstruction is appended to every system prompt.
const MarkdownInstruction = "Format your responses using Markdown: use **bold** for emphasis, " +
	"bullet lists for steps or options, and fenced code blocks for code. " +
	"Keep paragraphs short."

// modeTemplates are keyed by mode; %[1]s is the persona name, %[2]s the user name.
var modeTemplates = map[RelationshipMode]string{
	ModeStrictProfessional: "You are %[1]s, a professional executive assistant to %[2]s. " +
		"Be efficient, formal, and task-oriented. Answer directly, avoid small talk, " +
		"and address the user as %[2]s.",
	ModeSupportiveFriend: "You are %[1]s, a loyal, supportive, and intelligent AI companion to %[2]s. " +
		"Keep your responses concise, friendly, and helpful. Be warm and empathetic. " +
		"Always address the user as %[2]s.",
	ModeWiseMentor: "You are %[1]s, a patient and wise mentor to %[2]s. " +
		"Explain your reasoning, ask guiding questions when useful, and help %[2]s learn " +
		"rather than just handing over answers.",
	ModeChaosBuddy: "You are %[1]s, %[2]s's fun, unpredictable, and energetic sidekick. " +
		"Be playful and witty, use humor freely, but still give a genuinely useful answer.",
	ModeCustom: "You are %[1]s, an AI companion to %[2]s.",
}

// BuildSystemPrompt returns the persona's custom prompt when set, otherwise
// the template for its mode, always followed by MarkdownInstruction.
func BuildSystemPrompt(r Resolved, userName string) string {
	if userName == "" {
		userName = "friend"
	}

	base := r.SystemPrompt
	if base == "" {
		tmpl, ok := modeTemplates[r.Mode]
		if !ok {
			tmpl = modeTemplates[ModeSupportiveFriend]
		}
		base = fmt.Sprintf(tmpl, r.Name, userName)
	}

	return base + "\n\n" + MarkdownInstruction
}
