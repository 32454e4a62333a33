package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hibiki-ai/hibiki/internal/model"
)

// SQLite is a file-backed store for single-process development and
// tests. It carries the same query surface as DB but no LISTEN/NOTIFY;
// pair it with the in-memory bus.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger

	// serializes read-modify-write cycles; SQLite's own locking is
	// per-connection and the pool may hand out several.
	mu sync.Mutex
}

// OpenSQLite opens (and creates if needed) the database at path and
// applies the schema. Use ":memory:" for throwaway stores in tests.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// In-memory databases vanish when their connection closes, and the
	// serialized write path assumes one writer anyway.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			persona TEXT NOT NULL,
			model TEXT NOT NULL,
			temperature REAL NOT NULL DEFAULT 0,
			allowed_tools TEXT NOT NULL DEFAULT '[]',
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS agent_runs (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id),
			goal TEXT NOT NULL,
			status TEXT NOT NULL,
			final_output TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			steps TEXT NOT NULL DEFAULT '[]',
			created_by TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_agent_runs_agent ON agent_runs(agent_id, created_at DESC);
		CREATE TABLE IF NOT EXISTS memory_facts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			importance REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_memory_facts_user ON memory_facts(user_id, importance DESC);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("storage: sqlite schema: %w", err)
	}
	return nil
}

// Ping checks connectivity to the database file.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close shuts down the store.
func (s *SQLite) Close(context.Context) {
	if err := s.db.Close(); err != nil {
		s.logger.Warn("storage: close sqlite", "error", err)
	}
}

// CreateAgent inserts a new agent definition.
func (s *SQLite) CreateAgent(ctx context.Context, agent model.AgentDefinition) (model.AgentDefinition, error) {
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	if agent.AllowedTools == nil {
		agent.AllowedTools = []string{}
	}
	tools, err := json.Marshal(agent.AllowedTools)
	if err != nil {
		return model.AgentDefinition{}, fmt.Errorf("storage: encode allowed tools: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, description, persona, model, temperature, allowed_tools, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.ID.String(), agent.Name, agent.Description, agent.Persona, agent.Model,
		agent.Temperature, string(tools), agent.Enabled,
		agent.CreatedAt.Format(time.RFC3339Nano), agent.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return model.AgentDefinition{}, fmt.Errorf("storage: create agent: %w", err)
	}
	return agent, nil
}

// GetAgent retrieves an agent definition by ID.
func (s *SQLite) GetAgent(ctx context.Context, id uuid.UUID) (model.AgentDefinition, error) {
	agent, err := scanSQLiteAgent(s.db.QueryRowContext(ctx,
		`SELECT id, name, description, persona, model, temperature, allowed_tools, enabled, created_at, updated_at
		 FROM agents WHERE id = ?`, id.String(),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.AgentDefinition{}, fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
		}
		return model.AgentDefinition{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return agent, nil
}

// GetAgentByName retrieves an agent definition by its unique name.
func (s *SQLite) GetAgentByName(ctx context.Context, name string) (model.AgentDefinition, error) {
	agent, err := scanSQLiteAgent(s.db.QueryRowContext(ctx,
		`SELECT id, name, description, persona, model, temperature, allowed_tools, enabled, created_at, updated_at
		 FROM agents WHERE name = ?`, name,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.AgentDefinition{}, fmt.Errorf("storage: agent %q: %w", name, ErrNotFound)
		}
		return model.AgentDefinition{}, fmt.Errorf("storage: get agent by name: %w", err)
	}
	return agent, nil
}

// ListAgents returns agent definitions with pagination, oldest first.
func (s *SQLite) ListAgents(ctx context.Context, limit, offset int) ([]model.AgentDefinition, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, persona, model, temperature, allowed_tools, enabled, created_at, updated_at
		 FROM agents ORDER BY created_at ASC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()

	var agents []model.AgentDefinition
	for rows.Next() {
		agent, err := scanSQLiteAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// CountAgents returns the number of registered agents.
func (s *SQLite) CountAgents(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&count); err != nil {
		return 0, fmt.Errorf("storage: count agents: %w", err)
	}
	return count, nil
}

// CreateRun inserts a new agent run in its initial state.
func (s *SQLite) CreateRun(ctx context.Context, run model.AgentRun) (model.AgentRun, error) {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = model.RunStatusQueued
	}
	steps, err := marshalSteps(run.Steps)
	if err != nil {
		return model.AgentRun{}, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_runs (id, agent_id, goal, status, final_output, error_message, steps, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID.String(), run.AgentID.String(), run.Goal, string(run.Status),
		run.FinalOutput, run.ErrorMessage, string(steps), run.CreatedBy,
		run.CreatedAt.Format(time.RFC3339Nano), run.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return model.AgentRun{}, fmt.Errorf("storage: create run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (s *SQLite) GetRun(ctx context.Context, id uuid.UUID) (model.AgentRun, error) {
	run, err := scanSQLiteRun(s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, goal, status, final_output, error_message, steps, created_by, created_at, updated_at
		 FROM agent_runs WHERE id = ?`, id.String(),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.AgentRun{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.AgentRun{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// UpdateRun applies the mutator to the current run record under the
// store's write lock and returns the updated snapshot.
func (s *SQLite) UpdateRun(ctx context.Context, id uuid.UUID, mutate func(*model.AgentRun)) (model.AgentRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.GetRun(ctx, id)
	if err != nil {
		return model.AgentRun{}, err
	}

	mutate(&run)
	run.UpdatedAt = time.Now().UTC()

	steps, err := marshalSteps(run.Steps)
	if err != nil {
		return model.AgentRun{}, err
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE agent_runs
		 SET status = ?, final_output = ?, error_message = ?, steps = ?, updated_at = ?
		 WHERE id = ?`,
		string(run.Status), run.FinalOutput, run.ErrorMessage, string(steps),
		run.UpdatedAt.Format(time.RFC3339Nano), id.String(),
	); err != nil {
		return model.AgentRun{}, fmt.Errorf("storage: update run: %w", err)
	}
	return run, nil
}

// ListRunsByAgent returns runs for an agent, newest first.
func (s *SQLite) ListRunsByAgent(ctx context.Context, agentID uuid.UUID, limit, offset int) ([]model.AgentRun, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, goal, status, final_output, error_message, steps, created_by, created_at, updated_at
		 FROM agent_runs WHERE agent_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		agentID.String(), limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.AgentRun
	for rows.Next() {
		run, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CreateMemoryFact inserts a long-term fact about a user.
func (s *SQLite) CreateMemoryFact(ctx context.Context, fact model.MemoryFact) (model.MemoryFact, error) {
	if fact.ID == uuid.Nil {
		fact.ID = uuid.New()
	}
	if fact.CreatedAt.IsZero() {
		fact.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_facts (id, user_id, content, category, importance, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		fact.ID.String(), fact.UserID, fact.Content, fact.Category,
		fact.Importance, fact.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return model.MemoryFact{}, fmt.Errorf("storage: create memory fact: %w", err)
	}
	return fact, nil
}

// TopFacts returns the user's most important facts, importance
// descending, capped at limit.
func (s *SQLite) TopFacts(ctx context.Context, userID string, limit int) ([]model.MemoryFact, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, content, category, importance, created_at
		 FROM memory_facts WHERE user_id = ?
		 ORDER BY importance DESC, created_at DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: top facts: %w", err)
	}
	defer rows.Close()

	var facts []model.MemoryFact
	for rows.Next() {
		var (
			f       model.MemoryFact
			id, ts  string
		)
		if err := rows.Scan(&id, &f.UserID, &f.Content, &f.Category, &f.Importance, &ts); err != nil {
			return nil, fmt.Errorf("storage: scan memory fact: %w", err)
		}
		if f.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("storage: parse memory fact id: %w", err)
		}
		if f.CreatedAt, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("storage: parse memory fact time: %w", err)
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// DeleteMemoryFact removes a fact by ID.
func (s *SQLite) DeleteMemoryFact(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory_facts WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("storage: delete memory fact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: delete memory fact: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("storage: memory fact %s: %w", id, ErrNotFound)
	}
	return nil
}

type sqliteRow interface {
	Scan(dest ...any) error
}

func scanSQLiteAgent(row sqliteRow) (model.AgentDefinition, error) {
	var (
		a                        model.AgentDefinition
		id, tools, created, updated string
	)
	if err := row.Scan(
		&id, &a.Name, &a.Description, &a.Persona, &a.Model,
		&a.Temperature, &tools, &a.Enabled, &created, &updated,
	); err != nil {
		return model.AgentDefinition{}, err
	}
	var err error
	if a.ID, err = uuid.Parse(id); err != nil {
		return model.AgentDefinition{}, fmt.Errorf("parse agent id: %w", err)
	}
	if err = json.Unmarshal([]byte(tools), &a.AllowedTools); err != nil {
		return model.AgentDefinition{}, fmt.Errorf("decode allowed tools: %w", err)
	}
	if a.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return model.AgentDefinition{}, fmt.Errorf("parse created_at: %w", err)
	}
	if a.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return model.AgentDefinition{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return a, nil
}

func scanSQLiteRun(row sqliteRow) (model.AgentRun, error) {
	var (
		run                                     model.AgentRun
		id, agentID, status, steps, created, updated string
	)
	if err := row.Scan(
		&id, &agentID, &run.Goal, &status, &run.FinalOutput,
		&run.ErrorMessage, &steps, &run.CreatedBy, &created, &updated,
	); err != nil {
		return model.AgentRun{}, err
	}
	var err error
	if run.ID, err = uuid.Parse(id); err != nil {
		return model.AgentRun{}, fmt.Errorf("parse run id: %w", err)
	}
	if run.AgentID, err = uuid.Parse(agentID); err != nil {
		return model.AgentRun{}, fmt.Errorf("parse run agent id: %w", err)
	}
	run.Status = model.RunStatus(status)
	if err = json.Unmarshal([]byte(steps), &run.Steps); err != nil {
		return model.AgentRun{}, fmt.Errorf("decode steps: %w", err)
	}
	if run.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return model.AgentRun{}, fmt.Errorf("parse created_at: %w", err)
	}
	if run.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return model.AgentRun{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return run, nil
}
