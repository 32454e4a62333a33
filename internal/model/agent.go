package model

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// AgentDefinition describes an autonomous agent: who it is, which model
// drives it, and which tools it may call. Immutable during a run.
type AgentDefinition struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Persona      string    `json:"persona"`
	Model        string    `json:"model"`
	Temperature  float64   `json:"temperature"`
	AllowedTools []string  `json:"allowed_tools"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AllowsTool reports whether the agent may invoke the named tool.
func (a AgentDefinition) AllowsTool(name string) bool {
	return slices.Contains(a.AllowedTools, name)
}

// Validate checks that a definition is well formed before it is stored.
func (a AgentDefinition) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	if len(a.Name) > 255 {
		return fmt.Errorf("agent name must be at most 255 characters")
	}
	if a.Persona == "" {
		return fmt.Errorf("agent persona is required")
	}
	if a.Temperature < 0 || a.Temperature > 2 {
		return fmt.Errorf("agent temperature must be in [0, 2], got %g", a.Temperature)
	}
	return nil
}
