package persona

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is the on-disk shape of a persona definitions file:
//
//	personas:
//	  - name: Ada
//	    relationship_mode: Wise Mentor
//	    voice: {pitch: 1.0, rate: 0.9}
//	    default: true
type File struct {
	Personas []Persona `yaml:"personas"`
}

// LoadFromFile loads persona definitions from a YAML file.
func LoadFromFile(path string) ([]Persona, error) {
	path, err := expandHome(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read persona file: %w", err)
	}

	return LoadFromYAML(data)
}

// LoadFromYAML parses and validates persona definitions. Missing voice
// settings and modes get defaults.
func LoadFromYAML(data []byte) ([]Persona, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse persona YAML: %w", err)
	}
	if len(f.Personas) == 0 {
		return nil, fmt.Errorf("persona file defines no personas")
	}

	defaults := 0
	for i := range f.Personas {
		p := &f.Personas[i]
		if p.RelationshipMode == "" {
			p.RelationshipMode = ModeSupportiveFriend
		}
		if p.VoiceSettings == (VoiceSettings{}) {
			p.VoiceSettings = DefaultVoice()
		}
		if err := Validate(*p); err != nil {
			return nil, fmt.Errorf("persona %d: %w", i+1, err)
		}
		if p.IsDefault {
			defaults++
		}
	}
	if defaults > 1 {
		return nil, fmt.Errorf("at most one persona may be marked default, found %d", defaults)
	}

	return f.Personas, nil
}

// Validate checks that a persona definition is usable.
func Validate(p Persona) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if !p.RelationshipMode.Valid() {
		return fmt.Errorf("invalid relationship_mode: %q", p.RelationshipMode)
	}
	if p.RelationshipMode == ModeCustom && strings.TrimSpace(p.SystemPrompt) == "" {
		return fmt.Errorf("relationship_mode %q requires a system_prompt", ModeCustom)
	}
	if p.VoiceSettings.Pitch < 0 || p.VoiceSettings.Pitch > 2 {
		return fmt.Errorf("voice.pitch must be between 0 and 2")
	}
	if p.VoiceSettings.Rate < 0.1 || p.VoiceSettings.Rate > 10 {
		return fmt.Errorf("voice.rate must be between 0.1 and 10")
	}
	return nil
}

// SaveToFile writes persona definitions to a YAML file.
func SaveToFile(path string, personas []Persona) error {
	path, err := expandHome(path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := ToYAML(personas)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		return fmt.Errorf("failed to write persona file: %w", err)
	}

	return nil
}

// ToYAML returns the personas as a definitions document.
func ToYAML(personas []Persona) (string, error) {
	data, err := yaml.Marshal(File{Personas: personas})
	if err != nil {
		return "", fmt.Errorf("failed to marshal personas: %w", err)
	}
	return string(data), nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, path[1:]), nil
}
