package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hibiki-ai/hibiki/internal/model"
)

var errMissing = errors.New("not found")

type memStore struct {
	mu     sync.Mutex
	runs   map[uuid.UUID]model.AgentRun
	agents map[uuid.UUID]model.AgentDefinition
	facts  []model.MemoryFact
}

func newMemStore() *memStore {
	return &memStore{
		runs:   make(map[uuid.UUID]model.AgentRun),
		agents: make(map[uuid.UUID]model.AgentDefinition),
	}
}

func (s *memStore) GetRun(_ context.Context, id uuid.UUID) (model.AgentRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return model.AgentRun{}, errMissing
	}
	return run, nil
}

func (s *memStore) UpdateRun(_ context.Context, id uuid.UUID, mutate func(*model.AgentRun)) (model.AgentRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return model.AgentRun{}, errMissing
	}
	mutate(&run)
	run.UpdatedAt = time.Now().UTC()
	s.runs[id] = run
	return run, nil
}

func (s *memStore) GetAgent(_ context.Context, id uuid.UUID) (model.AgentDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[id]
	if !ok {
		return model.AgentDefinition{}, errMissing
	}
	return agent, nil
}

func (s *memStore) TopFacts(_ context.Context, _ string, limit int) ([]model.MemoryFact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.facts) > limit {
		return s.facts[:limit], nil
	}
	return s.facts, nil
}

// scriptedCompleter returns canned responses in order, repeating the
// last one once the script is exhausted, and records every request.
type scriptedCompleter struct {
	mu        sync.Mutex
	responses []string
	err       error
	requests  []CompletionRequest
}

func (c *scriptedCompleter) Complete(_ context.Context, req CompletionRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.err != nil {
		return "", c.err
	}
	idx := len(c.requests) - 1
	if idx >= len(c.responses) {
		idx = len(c.responses) - 1
	}
	return c.responses[idx], nil
}

func (c *scriptedCompleter) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

type fakeInvoker struct {
	tools []model.ToolInfo
	call  func(name string, args map[string]any, ownerID string) (model.ToolResult, error)
}

func (f *fakeInvoker) ListTools(context.Context) ([]model.ToolInfo, error) {
	return f.tools, nil
}

func (f *fakeInvoker) CallTool(_ context.Context, name string, args map[string]any, ownerID string) (model.ToolResult, error) {
	if f.call == nil {
		return model.ToolResult{}, fmt.Errorf("unexpected tool call %q", name)
	}
	return f.call(name, args, ownerID)
}

type publishedFrame struct {
	userID string
	event  string
	data   map[string]any
}

// capturePublisher decodes published SSE frames back into event name
// and payload for assertions.
type capturePublisher struct {
	mu     sync.Mutex
	frames []publishedFrame
}

func (p *capturePublisher) Publish(_ context.Context, userID string, frame []byte) error {
	lines := strings.Split(strings.TrimSuffix(string(frame), "\n\n"), "\n")
	rec := publishedFrame{userID: userID}
	for _, ln := range lines {
		if v, ok := strings.CutPrefix(ln, "event: "); ok {
			rec.event = v
		}
		if v, ok := strings.CutPrefix(ln, "data: "); ok {
			if err := json.Unmarshal([]byte(v), &rec.data); err != nil {
				return err
			}
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, rec)
	return nil
}

func (p *capturePublisher) events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, len(p.frames))
	for i, f := range p.frames {
		names[i] = f.event
	}
	return names
}

func (p *capturePublisher) byEvent(event string) []publishedFrame {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedFrame
	for _, f := range p.frames {
		if f.event == event {
			out = append(out, f)
		}
	}
	return out
}

type fixture struct {
	store     *memStore
	completer *scriptedCompleter
	invoker   *fakeInvoker
	publisher *capturePublisher
	engine    *Engine
	runID     uuid.UUID
	agentID   uuid.UUID
}

func newFixture(t *testing.T, responses ...string) *fixture {
	t.Helper()
	f := &fixture{
		store:     newMemStore(),
		completer: &scriptedCompleter{responses: responses},
		invoker:   &fakeInvoker{},
		publisher: &capturePublisher{},
		runID:     uuid.New(),
		agentID:   uuid.New(),
	}
	f.store.agents[f.agentID] = model.AgentDefinition{
		ID:           f.agentID,
		Name:         "task-butler",
		Persona:      "You are a diligent personal assistant.",
		Model:        "gpt-4o-mini",
		Temperature:  0.2,
		AllowedTools: []string{"get_tasks"},
		Enabled:      true,
	}
	f.store.runs[f.runID] = model.AgentRun{
		ID:        f.runID,
		AgentID:   f.agentID,
		Goal:      "list my tasks",
		Status:    model.RunStatusQueued,
		CreatedBy: "user-1",
	}
	f.engine = New(Config{
		Runs:      f.store,
		Agents:    f.store,
		Memories:  f.store,
		Completer: f.completer,
		Tools:     f.invoker,
		Publisher: f.publisher,
		Logger:    slog.New(slog.NewTextHandler(testWriter{t}, nil)),
	})
	return f
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

func TestExecuteRunHappyPath(t *testing.T) {
	f := newFixture(t,
		"Thought: I should fetch the task list.\nAction: get_tasks\nAction Input: {}",
		"Thought: I now know the final answer\nFinal Answer: you have 3 tasks",
	)
	f.invoker.tools = []model.ToolInfo{{Name: "get_tasks", Description: "List the user's tasks"}}
	f.invoker.call = func(name string, args map[string]any, ownerID string) (model.ToolResult, error) {
		assert.Equal(t, "get_tasks", name)
		assert.Equal(t, "user-1", ownerID)
		return model.ToolResult{Text: "1. buy milk\n2. ship the package\n3. water the plants"}, nil
	}

	f.engine.ExecuteRun(context.Background(), f.runID, "user-1", "")

	run, err := f.store.GetRun(context.Background(), f.runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFinished, run.Status)
	assert.Equal(t, "you have 3 tasks", run.FinalOutput)
	assert.Empty(t, run.ErrorMessage)

	require.Len(t, run.Steps, 4)
	assert.Equal(t, model.StepThought, run.Steps[0].Kind)
	assert.Equal(t, model.StepAction, run.Steps[1].Kind)
	assert.Equal(t, "get_tasks({})", run.Steps[1].Content)
	assert.Equal(t, model.StepObservation, run.Steps[2].Kind)
	assert.Equal(t, model.StepThought, run.Steps[3].Kind)

	assert.Equal(t, []string{
		model.EventAgentUpdate, model.EventAgentUpdate, model.EventAgentUpdate,
		model.EventAgentUpdate, model.EventAgentFinished,
	}, f.publisher.events())

	finished := f.publisher.byEvent(model.EventAgentFinished)
	require.Len(t, finished, 1)
	assert.Equal(t, "you have 3 tasks", finished[0].data["output"])
	assert.Equal(t, f.runID.String(), finished[0].data["runId"])
}

func TestExecuteRunClipsOversizedStreamContent(t *testing.T) {
	// A response bigger than a pg_notify payload must still stream:
	// the frame carries a clipped preview, the run keeps the full text.
	long := strings.Repeat("z", frameContentLimit+500)
	f := newFixture(t, "Thought: working\nFinal Answer: "+long)

	f.engine.ExecuteRun(context.Background(), f.runID, "user-1", "")

	run, err := f.store.GetRun(context.Background(), f.runID)
	require.NoError(t, err)
	assert.Equal(t, long, run.FinalOutput)
	require.Len(t, run.Steps, 1)
	assert.Equal(t, "Thought: working\nFinal Answer: "+long, run.Steps[0].Content)

	updates := f.publisher.byEvent(model.EventAgentUpdate)
	require.Len(t, updates, 1)
	streamed := updates[0].data["content"].(string)
	assert.LessOrEqual(t, len(streamed), frameContentLimit+len("..."))
	assert.True(t, strings.HasSuffix(streamed, "..."))

	finished := f.publisher.byEvent(model.EventAgentFinished)
	require.Len(t, finished, 1)
	output := finished[0].data["output"].(string)
	assert.LessOrEqual(t, len(output), frameContentLimit+len("..."))
	assert.True(t, strings.HasSuffix(output, "..."))
}

func TestExecuteRunMirrorsSessionChannel(t *testing.T) {
	f := newFixture(t, "Final Answer: done")

	f.engine.ExecuteRun(context.Background(), f.runID, "user-1", "sess-42")

	chunks := f.publisher.byEvent(model.EventMessageChunk)
	require.Len(t, chunks, 2)
	assert.Equal(t, model.SessionTypeTrack, chunks[0].data["type"])
	assert.Equal(t, "sess-42", chunks[0].data["sessionId"])
	assert.Equal(t, model.SessionTypeComplete, chunks[1].data["type"])
	assert.Equal(t, "done", chunks[1].data["output"])
}

func TestExecuteRunToolErrorBecomesObservation(t *testing.T) {
	f := newFixture(t,
		"Action: get_tasks\nAction Input: {}",
		"Final Answer: could not fetch tasks",
	)
	f.invoker.tools = []model.ToolInfo{{Name: "get_tasks", Description: "List the user's tasks"}}
	f.invoker.call = func(string, map[string]any, string) (model.ToolResult, error) {
		return model.ToolResult{}, errors.New("upstream timed out")
	}

	f.engine.ExecuteRun(context.Background(), f.runID, "user-1", "")

	run, _ := f.store.GetRun(context.Background(), f.runID)
	assert.Equal(t, model.RunStatusFinished, run.Status)
	require.Len(t, run.Steps, 4)
	assert.Equal(t, "Error: upstream timed out", run.Steps[2].Content)
}

func TestExecuteRunEmptyToolTextBecomesSuccess(t *testing.T) {
	f := newFixture(t,
		"Action: get_tasks",
		"Final Answer: done",
	)
	f.invoker.tools = []model.ToolInfo{{Name: "get_tasks", Description: "List the user's tasks"}}
	f.invoker.call = func(string, map[string]any, string) (model.ToolResult, error) {
		return model.ToolResult{}, nil
	}

	f.engine.ExecuteRun(context.Background(), f.runID, "user-1", "")

	run, _ := f.store.GetRun(context.Background(), f.runID)
	require.Len(t, run.Steps, 4)
	assert.Equal(t, "Success", run.Steps[2].Content)
	// observation is fed back with its protocol prefix
	req := f.completer.requests[1]
	assert.Equal(t, "Observation: Success", req.Messages[len(req.Messages)-1].Content)
}

func TestExecuteRunStepBudgetExhausted(t *testing.T) {
	f := newFixture(t, "Action: get_tasks\nAction Input: {}")
	f.invoker.tools = []model.ToolInfo{{Name: "get_tasks", Description: "List the user's tasks"}}
	f.invoker.call = func(string, map[string]any, string) (model.ToolResult, error) {
		return model.ToolResult{Text: "still nothing"}, nil
	}

	f.engine.ExecuteRun(context.Background(), f.runID, "user-1", "sess-1")

	assert.Equal(t, 10, f.completer.calls())

	run, _ := f.store.GetRun(context.Background(), f.runID)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Equal(t, "execution step limit exceeded", run.ErrorMessage)

	errs := f.publisher.byEvent(model.EventAgentError)
	require.Len(t, errs, 1)
	assert.Equal(t, "execution step limit exceeded", errs[0].data["error"])

	chunks := f.publisher.byEvent(model.EventMessageChunk)
	require.NotEmpty(t, chunks)
	assert.Equal(t, model.SessionTypeFailed, chunks[len(chunks)-1].data["type"])
}

func TestExecuteRunUnparsedConsumesBudgetAndNudges(t *testing.T) {
	f := newFixture(t,
		"I will simply describe my plan in free prose.",
		"Final Answer: done",
	)

	f.engine.ExecuteRun(context.Background(), f.runID, "user-1", "")

	run, _ := f.store.GetRun(context.Background(), f.runID)
	assert.Equal(t, model.RunStatusFinished, run.Status)
	require.Len(t, run.Steps, 2)
	assert.Equal(t, model.StepThought, run.Steps[0].Kind)

	require.Equal(t, 2, f.completer.calls())
	second := f.completer.requests[1].Messages
	assert.Equal(t, formatNudge, second[len(second)-1].Content)
	assert.Equal(t, model.RoleAssistant, second[len(second)-2].Role)
}

func TestExecuteRunMissingAgentFailsRun(t *testing.T) {
	f := newFixture(t, "Final Answer: unreachable")
	f.store.mu.Lock()
	delete(f.store.agents, f.agentID)
	f.store.mu.Unlock()

	f.engine.ExecuteRun(context.Background(), f.runID, "user-1", "")

	run, _ := f.store.GetRun(context.Background(), f.runID)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Equal(t, "agent not found", run.ErrorMessage)
	assert.Zero(t, f.completer.calls())
	assert.Equal(t, []string{model.EventAgentError}, f.publisher.events())
}

func TestExecuteRunMissingRunIsDropped(t *testing.T) {
	f := newFixture(t, "Final Answer: unreachable")

	f.engine.ExecuteRun(context.Background(), uuid.New(), "user-1", "")

	assert.Zero(t, f.completer.calls())
	assert.Empty(t, f.publisher.events())
}

func TestExecuteRunCompletionErrorFailsRun(t *testing.T) {
	f := newFixture(t)
	f.completer.responses = []string{""}
	f.completer.err = errors.New("model unavailable")

	f.engine.ExecuteRun(context.Background(), f.runID, "user-1", "")

	run, _ := f.store.GetRun(context.Background(), f.runID)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Contains(t, run.ErrorMessage, "model unavailable")
}

func TestExecuteRunMalformedActionInputFailsRun(t *testing.T) {
	f := newFixture(t, "Action: get_tasks\nAction Input: {not json")
	f.invoker.tools = []model.ToolInfo{{Name: "get_tasks", Description: "List the user's tasks"}}

	f.engine.ExecuteRun(context.Background(), f.runID, "user-1", "")

	run, _ := f.store.GetRun(context.Background(), f.runID)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Contains(t, run.ErrorMessage, "decode action input")
}

func TestSystemPromptFiltersDisallowedTools(t *testing.T) {
	f := newFixture(t, "Final Answer: done")
	f.invoker.tools = []model.ToolInfo{
		{Name: "get_tasks", Description: "List the user's tasks"},
		{Name: "delete_everything", Description: "Dangerous"},
	}
	f.store.facts = []model.MemoryFact{
		{UserID: "user-1", Content: "prefers terse answers", Category: "style", Importance: 0.9},
	}

	f.engine.ExecuteRun(context.Background(), f.runID, "user-1", "")

	require.Equal(t, 1, f.completer.calls())
	req := f.completer.requests[0]
	assert.Equal(t, "gpt-4o-mini", req.Model)
	assert.InDelta(t, 0.2, req.Temperature, 1e-9)

	system := req.Messages[0]
	assert.Equal(t, model.RoleSystem, system.Role)
	assert.Contains(t, system.Content, "get_tasks")
	assert.NotContains(t, system.Content, "delete_everything")
	assert.Contains(t, system.Content, "[style] prefers terse answers")
	assert.Contains(t, system.Content, "Current instruction: list my tasks")
}

func TestDispatcherDropsDuplicateSubmission(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	started := make(chan struct{})
	f.completer.responses = nil
	blockingCompleter := completerFunc(func(context.Context, CompletionRequest) (string, error) {
		close(started)
		<-release
		return "Final Answer: done", nil
	})
	f.engine.completer = blockingCompleter

	d := NewDispatcher(f.engine, 4, nil)
	d.Submit(f.runID, "user-1", "")
	<-started
	d.Submit(f.runID, "user-1", "")
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Drain(ctx))

	run, _ := f.store.GetRun(context.Background(), f.runID)
	assert.Equal(t, model.RunStatusFinished, run.Status)
	// a duplicate would have produced a second Thought step
	assert.Len(t, run.Steps, 1)
}

func TestDispatcherResubmitAfterCompletion(t *testing.T) {
	f := newFixture(t, "Final Answer: done")

	d := NewDispatcher(f.engine, 1, nil)
	d.Submit(f.runID, "user-1", "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Drain(ctx))

	// the slot frees up once the run finishes; a later submission for a
	// terminal run is picked up but skipped without touching the record
	d.Submit(f.runID, "user-1", "")
	require.NoError(t, d.Drain(ctx))

	run, _ := f.store.GetRun(context.Background(), f.runID)
	assert.Equal(t, model.RunStatusFinished, run.Status)
	assert.Len(t, run.Steps, 1)
	assert.Equal(t, 1, f.completer.calls())
}

type completerFunc func(context.Context, CompletionRequest) (string, error)

func (f completerFunc) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	return f(ctx, req)
}
