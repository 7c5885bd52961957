package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Persona is an alternate assistant profile kept in its own YAML file.
type Persona struct {
	Name              string `yaml:"name"`
	LanguageCode      string `yaml:"language_code"`
	VoiceName         string `yaml:"voice_name"`
	SystemInstruction string `yaml:"system_instruction"`
}

type personaFilePayload struct {
	Persona Persona `yaml:"persona"`
}

// ReadPersona parses a persona file. Both a top-level persona: key and a bare
// mapping are accepted.
func ReadPersona(path string) (Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Persona{}, err
	}
	var payload personaFilePayload
	if err := yaml.Unmarshal(data, &payload); err != nil {
		return Persona{}, fmt.Errorf("parse persona %s: %w", path, err)
	}
	if payload.Persona == (Persona{}) {
		if err := yaml.Unmarshal(data, &payload.Persona); err != nil {
			return Persona{}, fmt.Errorf("parse persona %s: %w", path, err)
		}
	}
	return payload.Persona, nil
}

func applyPersona(cfg *Config) error {
	path := strings.TrimSpace(cfg.Gemini.PersonaFile)
	if path == "" {
		return nil
	}
	persona, err := ReadPersona(path)
	if err != nil {
		return err
	}
	if s := strings.TrimSpace(persona.SystemInstruction); s != "" {
		cfg.Gemini.SystemInstruction = s
	}
	if persona.LanguageCode != "" {
		cfg.Gemini.LanguageCode = persona.LanguageCode
	}
	if persona.VoiceName != "" {
		cfg.Gemini.VoiceName = persona.VoiceName
	}
	return nil
}
