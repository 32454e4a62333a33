// Package model defines the core domain types for Hibiki.
//
// Types use strong typing (UUIDs, time.Time, enums) and avoid
// interface{} wherever possible. Step logs live inline on the run
// record; the run's executing task is the only writer for its lifetime.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of an agent run.
// Transitions are monotonic: once a run reaches a terminal state
// (finished or failed) it never leaves it.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusExecuting RunStatus = "executing"
	RunStatusFinished  RunStatus = "finished"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status is an absorbing state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusFinished || s == RunStatusFailed
}

// CanTransition reports whether a status change is allowed.
// Queued runs may fail directly (e.g. missing agent, checked before
// any model call); every other path goes through executing.
func CanTransition(from, to RunStatus) bool {
	switch from {
	case RunStatusQueued:
		return to == RunStatusExecuting || to == RunStatusFailed
	case RunStatusExecuting:
		return to == RunStatusFinished || to == RunStatusFailed
	default:
		return false
	}
}

// StepKind classifies an entry in a run's step log.
type StepKind string

const (
	StepThought     StepKind = "Thought"
	StepAction      StepKind = "Action"
	StepObservation StepKind = "Observation"
)

// StepLog is one append-only entry in a run's reasoning trace.
// Append order equals generation order within a run.
type StepLog struct {
	Kind      StepKind  `json:"kind"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentRun is one bounded execution of an agent against a goal.
// The executing task owns the record exclusively; external readers see
// eventually-consistent snapshots.
type AgentRun struct {
	ID           uuid.UUID `json:"id"`
	AgentID      uuid.UUID `json:"agent_id"`
	Goal         string    `json:"goal"`
	Status       RunStatus `json:"status"`
	FinalOutput  string    `json:"final_output,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Steps        []StepLog `json:"steps"`
	CreatedBy    string    `json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AppendStep records a step on the run in generation order.
func (r *AgentRun) AppendStep(kind StepKind, content string) {
	r.Steps = append(r.Steps, StepLog{
		Kind:      kind,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
}
