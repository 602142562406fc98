// Package skills loads declarative skill definitions and resolves skill
// references into prompt fragments for agents and workflow nodes.
package skills

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/tailscale/hujson"
)

// Skill is one declarative capability an agent can be handed: an instruction
// fragment plus the tools it should lean on.
type Skill struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Version     int               `json:"version"`
	Instruction string            `json:"instruction"`
	Tools       []string          `json:"tools,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// LoadSkill reads a JSONC skill definition from disk.
func LoadSkill(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skill %s: %w", path, err)
	}

	std, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("standardize skill %s: %w", path, err)
	}

	var s Skill
	if err := json.Unmarshal(std, &s); err != nil {
		return nil, fmt.Errorf("parse skill %s: %w", path, err)
	}
	if s.Version == 0 {
		s.Version = 1
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("validate skill %s: %w", path, err)
	}
	return &s, nil
}

// Validate checks the definition for consistency.
func (s *Skill) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("skill name is required")
	}
	if strings.ContainsAny(s.Name, " /\\") {
		return fmt.Errorf("skill %q: name must not contain spaces or path separators", s.Name)
	}
	if s.Description == "" {
		return fmt.Errorf("skill %q: description is required", s.Name)
	}
	if strings.TrimSpace(s.Instruction) == "" {
		return fmt.Errorf("skill %q: instruction is required", s.Name)
	}
	return nil
}

// Prompt renders the skill as a system prompt fragment.
func (s *Skill) Prompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Skill: %s\n", s.Name)
	b.WriteString(strings.TrimSpace(s.Instruction))
	if len(s.Tools) > 0 {
		fmt.Fprintf(&b, "\nPreferred tools: %s", strings.Join(s.Tools, ", "))
	}
	return b.String()
}
