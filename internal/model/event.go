package model

import "github.com/google/uuid"

// SSE event names. Run-scoped frames carry their payload type as the
// event name; session-scoped frames share the chat stream's event name
// and are distinguished by the payload's type tag.
const (
	EventAgentUpdate   = "agent_update"
	EventAgentFinished = "agent_finished"
	EventAgentError    = "agent_error"
	EventMessageChunk  = "MessageChunk"
)

// Session-scoped payload type tags.
const (
	SessionTypeTrack    = "agent_track"
	SessionTypeComplete = "agent_complete"
	SessionTypeFailed   = "agent_failed"
)

// RunUpdate is published on the run channel for every recorded step.
type RunUpdate struct {
	Type     string    `json:"type"`
	RunID    uuid.UUID `json:"runId"`
	StepType StepKind  `json:"stepType"`
	Content  string    `json:"content"`
}

// RunFinished is published on the run channel when a run ends with a
// final answer.
type RunFinished struct {
	Type   string    `json:"type"`
	RunID  uuid.UUID `json:"runId"`
	Output string    `json:"output"`
}

// RunError is published on the run channel when a run fails.
type RunError struct {
	Type  string    `json:"type"`
	RunID uuid.UUID `json:"runId"`
	Error string    `json:"error"`
}

// SessionTrack mirrors a step onto the chat session channel so a chat
// view can follow the same execution the run monitor sees.
type SessionTrack struct {
	SessionID string   `json:"sessionId"`
	Type      string   `json:"type"`
	StepType  StepKind `json:"stepType"`
	Content   string   `json:"content"`
}

// SessionComplete mirrors a run's final answer onto the session channel.
type SessionComplete struct {
	SessionID string `json:"sessionId"`
	Type      string `json:"type"`
	Output    string `json:"output"`
}

// SessionFailed mirrors a run failure onto the session channel.
type SessionFailed struct {
	SessionID string `json:"sessionId"`
	Type      string `json:"type"`
	Error     string `json:"error"`
}
