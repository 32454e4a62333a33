package model

import (
	"time"

	"github.com/google/uuid"
)

// MemoryFact is a long-lived fact about a user, injected into prompt
// construction as background context. Read-only input to the engine;
// ranked by importance, top-K wins.
type MemoryFact struct {
	ID         uuid.UUID `json:"id"`
	UserID     string    `json:"user_id"`
	Content    string    `json:"content"`
	Category   string    `json:"category"`
	Importance float64   `json:"importance"`
	CreatedAt  time.Time `json:"created_at"`
}
