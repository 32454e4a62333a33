// Package engine executes agent runs: the Thought/Action/Observation
// loop that drives a queued run to a terminal state against the
// completion, tool, storage and streaming boundaries.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hibiki-ai/hibiki/internal/model"
	"github.com/hibiki-ai/hibiki/internal/stream"
)

const (
	defaultMaxSteps   = 10
	defaultMemoryTopK = 10

	// nudge sent back when a response matches neither an Action nor a
	// Final Answer. It still consumes a step of the budget.
	formatNudge = "Keep following the Thought/Action/Observation format, or give a Final Answer when you are done."
)

// ErrStepBudget is the failure recorded when a run exhausts its step
// budget without producing a final answer.
var ErrStepBudget = errors.New("execution step limit exceeded")

// RunStore persists agent runs. UpdateRun applies the mutator to the
// current record atomically and returns the updated snapshot.
type RunStore interface {
	GetRun(ctx context.Context, id uuid.UUID) (model.AgentRun, error)
	UpdateRun(ctx context.Context, id uuid.UUID, mutate func(*model.AgentRun)) (model.AgentRun, error)
}

// AgentStore resolves agent definitions.
type AgentStore interface {
	GetAgent(ctx context.Context, id uuid.UUID) (model.AgentDefinition, error)
}

// MemoryStore retrieves long-term user facts for prompt assembly,
// ordered by importance descending.
type MemoryStore interface {
	TopFacts(ctx context.Context, userID string, limit int) ([]model.MemoryFact, error)
}

// CompletionRequest is one call to the language model boundary.
type CompletionRequest struct {
	Model       string
	Temperature float64
	Messages    []model.ChatMessage
}

// Completer produces one model response for a conversation.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// ToolInvoker exposes the live tool catalog and executes calls on
// behalf of a user.
type ToolInvoker interface {
	ListTools(ctx context.Context) ([]model.ToolInfo, error)
	CallTool(ctx context.Context, name string, args map[string]any, ownerID string) (model.ToolResult, error)
}

// Publisher fans an SSE frame out to every connection a user holds,
// across all processes. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, userID string, frame []byte) error
}

// Config wires an Engine's collaborators.
type Config struct {
	Runs      RunStore
	Agents    AgentStore
	Memories  MemoryStore
	Completer Completer
	Tools     ToolInvoker
	Publisher Publisher
	Logger    *slog.Logger

	// MaxSteps bounds the reasoning loop; zero means the default of 10.
	MaxSteps int
	// MemoryTopK caps the facts injected into the system prompt; zero
	// means the default of 10.
	MemoryTopK int
}

// Engine drives agent runs to completion. One Engine serves all runs;
// each run executes on its own goroutine via the Dispatcher.
type Engine struct {
	runs      RunStore
	agents    AgentStore
	memories  MemoryStore
	completer Completer
	tools     ToolInvoker
	publisher Publisher
	logger    *slog.Logger

	maxSteps   int
	memoryTopK int
	metrics    *runMetrics
}

// New builds an Engine from its configuration. Logger defaults to
// slog.Default when nil.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	topK := cfg.MemoryTopK
	if topK <= 0 {
		topK = defaultMemoryTopK
	}

	m, err := newRunMetrics()
	if err != nil {
		logger.Warn("engine: metrics unavailable", "error", err)
	}

	return &Engine{
		runs:       cfg.Runs,
		agents:     cfg.Agents,
		memories:   cfg.Memories,
		completer:  cfg.Completer,
		tools:      cfg.Tools,
		publisher:  cfg.Publisher,
		logger:     logger,
		maxSteps:   maxSteps,
		memoryTopK: topK,
		metrics:    m,
	}
}

// ExecuteRun drives one queued run to a terminal state. It never
// returns an error: every failure inside the loop is absorbed into the
// run record as a failed status, and a missing run is logged and
// dropped since there is no record to fail.
func (e *Engine) ExecuteRun(ctx context.Context, runID uuid.UUID, userID, sessionID string) {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		e.logger.Warn("engine: run not found, nothing to execute",
			"run_id", runID, "error", err)
		return
	}

	if run.Status.Terminal() {
		e.logger.Warn("engine: run already terminal, skipping",
			"run_id", runID, "status", run.Status)
		return
	}

	agent, err := e.agents.GetAgent(ctx, run.AgentID)
	if err != nil {
		e.logger.Warn("engine: agent not found",
			"run_id", runID, "agent_id", run.AgentID, "error", err)
		e.failRun(ctx, runID, userID, sessionID, "agent not found")
		return
	}

	e.metrics.runStarted(ctx)
	if err := e.execute(ctx, run, agent, userID, sessionID); err != nil {
		e.logger.Error("engine: run failed",
			"run_id", runID, "agent", agent.Name, "error", err)
		e.failRun(ctx, runID, userID, sessionID, err.Error())
		return
	}
	e.metrics.runFinished(ctx)
}

// execute runs the reasoning loop. Any error it returns, including a
// recovered panic, becomes the run's failure message.
func (e *Engine) execute(ctx context.Context, run model.AgentRun, agent model.AgentDefinition, userID, sessionID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine: run panicked: %v", r)
		}
	}()

	if _, err := e.runs.UpdateRun(ctx, run.ID, func(r *model.AgentRun) {
		if model.CanTransition(r.Status, model.RunStatusExecuting) {
			r.Status = model.RunStatusExecuting
		}
	}); err != nil {
		return fmt.Errorf("engine: mark executing: %w", err)
	}

	catalog, err := e.tools.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("engine: list tools: %w", err)
	}
	allowed := catalog[:0:0]
	for _, t := range catalog {
		if agent.AllowsTool(t.Name) {
			allowed = append(allowed, t)
		}
	}

	facts, err := e.memories.TopFacts(ctx, userID, e.memoryTopK)
	if err != nil {
		return fmt.Errorf("engine: load memory: %w", err)
	}

	history := []model.ChatMessage{{
		Role:    model.RoleSystem,
		Content: buildSystemPrompt(agent, allowed, facts, run.Goal),
	}}

	for step := 0; step < e.maxSteps; step++ {
		raw, err := e.completer.Complete(ctx, CompletionRequest{
			Model:       agent.Model,
			Temperature: agent.Temperature,
			Messages:    history,
		})
		if err != nil {
			return fmt.Errorf("engine: completion: %w", err)
		}
		e.metrics.stepTaken(ctx)

		if err := e.recordStep(ctx, run.ID, userID, sessionID, model.StepThought, raw); err != nil {
			return err
		}

		outcome := Parse(raw)
		switch outcome.Kind {
		case OutcomeAction:
			args := map[string]any{}
			if strings.TrimSpace(outcome.Input) != "" {
				if err := json.Unmarshal([]byte(outcome.Input), &args); err != nil {
					return fmt.Errorf("engine: decode action input: %w", err)
				}
			}
			content := fmt.Sprintf("%s(%s)", outcome.Action, outcome.Input)
			if err := e.recordStep(ctx, run.ID, userID, sessionID, model.StepAction, content); err != nil {
				return err
			}

			observation := e.invokeTool(ctx, outcome.Action, args, userID)
			if err := e.recordStep(ctx, run.ID, userID, sessionID, model.StepObservation, observation); err != nil {
				return err
			}

			history = append(history,
				model.ChatMessage{Role: model.RoleAssistant, Content: raw},
				model.ChatMessage{Role: model.RoleUser, Content: "Observation: " + observation},
			)

		case OutcomeFinal:
			if _, err := e.runs.UpdateRun(ctx, run.ID, func(r *model.AgentRun) {
				if model.CanTransition(r.Status, model.RunStatusFinished) {
					r.Status = model.RunStatusFinished
					r.FinalOutput = outcome.Answer
				}
			}); err != nil {
				return fmt.Errorf("engine: mark finished: %w", err)
			}
			output := clipForFrame(outcome.Answer)
			e.publish(ctx, userID, model.EventAgentFinished, model.RunFinished{
				Type:   model.EventAgentFinished,
				RunID:  run.ID,
				Output: output,
			})
			if sessionID != "" {
				e.publish(ctx, userID, model.EventMessageChunk, model.SessionComplete{
					SessionID: sessionID,
					Type:      model.SessionTypeComplete,
					Output:    output,
				})
			}
			return nil

		default:
			history = append(history,
				model.ChatMessage{Role: model.RoleAssistant, Content: raw},
				model.ChatMessage{Role: model.RoleUser, Content: formatNudge},
			)
		}
	}

	return ErrStepBudget
}

// invokeTool executes one tool call and renders its observation text.
// Failures never abort the run; they come back as an Error observation
// for the model to react to.
func (e *Engine) invokeTool(ctx context.Context, name string, args map[string]any, ownerID string) string {
	e.metrics.toolCalled(ctx)
	res, err := e.tools.CallTool(ctx, name, args, ownerID)
	if err != nil {
		return "Error: " + err.Error()
	}
	if res.IsError {
		if res.Text == "" {
			return "Error: tool call failed"
		}
		return "Error: " + res.Text
	}
	if res.Text == "" {
		return "Success"
	}
	return res.Text
}

// recordStep persists one step on the run and then publishes it on the
// run channel and, when a session is attached, mirrors it onto the
// session channel. Persistence failures abort the run; publish
// failures do not, as the stream is a best-effort convenience view.
func (e *Engine) recordStep(ctx context.Context, runID uuid.UUID, userID, sessionID string, kind model.StepKind, content string) error {
	if _, err := e.runs.UpdateRun(ctx, runID, func(r *model.AgentRun) {
		r.AppendStep(kind, content)
	}); err != nil {
		return fmt.Errorf("engine: record %s step: %w", kind, err)
	}

	streamed := clipForFrame(content)
	e.publish(ctx, userID, model.EventAgentUpdate, model.RunUpdate{
		Type:     model.EventAgentUpdate,
		RunID:    runID,
		StepType: kind,
		Content:  streamed,
	})
	if sessionID != "" {
		e.publish(ctx, userID, model.EventMessageChunk, model.SessionTrack{
			SessionID: sessionID,
			Type:      model.SessionTypeTrack,
			StepType:  kind,
			Content:   streamed,
		})
	}
	return nil
}

// frameContentLimit bounds the text embedded in a fan-out frame. The
// Postgres bus rides on pg_notify, whose payloads are capped at about
// 8000 bytes; a model response over that would make every publish for
// the step fail on every process. The run document keeps the full
// text, the frame is a live preview.
const frameContentLimit = 6000

func clipForFrame(s string) string {
	if len(s) <= frameContentLimit {
		return s
	}
	cut := frameContentLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// failRun marks the run failed and announces the failure on both
// channels. Terminal states are absorbing, so a run that already
// finished is left untouched.
func (e *Engine) failRun(ctx context.Context, runID uuid.UUID, userID, sessionID, msg string) {
	e.metrics.runFailed(ctx)
	if _, err := e.runs.UpdateRun(ctx, runID, func(r *model.AgentRun) {
		if r.Status.Terminal() {
			return
		}
		r.Status = model.RunStatusFailed
		r.ErrorMessage = msg
	}); err != nil {
		e.logger.Error("engine: record failure", "run_id", runID, "error", err)
	}

	e.publish(ctx, userID, model.EventAgentError, model.RunError{
		Type:  model.EventAgentError,
		RunID: runID,
		Error: msg,
	})
	if sessionID != "" {
		e.publish(ctx, userID, model.EventMessageChunk, model.SessionFailed{
			SessionID: sessionID,
			Type:      model.SessionTypeFailed,
			Error:     msg,
		})
	}
}

func (e *Engine) publish(ctx context.Context, userID, event string, payload any) {
	frame, err := stream.Frame(event, payload)
	if err != nil {
		e.logger.Warn("engine: frame event", "event", event, "error", err)
		return
	}
	if err := e.publisher.Publish(ctx, userID, frame); err != nil {
		e.logger.Warn("engine: publish event", "event", event, "error", err)
	}
}
