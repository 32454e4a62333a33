package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hibiki-ai/hibiki/internal/model"
)

const runColumns = `id, agent_id, goal, status, final_output, error_message, steps, created_by, created_at, updated_at`

// CreateRun inserts a new agent run in its initial state.
func (db *DB) CreateRun(ctx context.Context, run model.AgentRun) (model.AgentRun, error) {
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

	_, err = db.pool.Exec(ctx,
		`INSERT INTO agent_runs (id, agent_id, goal, status, final_output, error_message, steps, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ID, run.AgentID, run.Goal, string(run.Status), run.FinalOutput,
		run.ErrorMessage, steps, run.CreatedBy, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return model.AgentRun{}, fmt.Errorf("storage: create run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.AgentRun, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM agent_runs WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentRun{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.AgentRun{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// UpdateRun applies the mutator to the current run record atomically
// (the row is locked for the duration) and returns the updated
// snapshot. The executing task is the only writer during a run's
// lifetime, but the lock also keeps external updates safe.
func (db *DB) UpdateRun(ctx context.Context, id uuid.UUID, mutate func(*model.AgentRun)) (model.AgentRun, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.AgentRun{}, fmt.Errorf("storage: begin update run tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	run, err := scanRun(tx.QueryRow(ctx,
		`SELECT `+runColumns+` FROM agent_runs WHERE id = $1 FOR UPDATE`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentRun{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.AgentRun{}, fmt.Errorf("storage: lock run: %w", err)
	}

	mutate(&run)
	run.UpdatedAt = time.Now().UTC()

	steps, err := marshalSteps(run.Steps)
	if err != nil {
		return model.AgentRun{}, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE agent_runs
		 SET status = $1, final_output = $2, error_message = $3, steps = $4, updated_at = $5
		 WHERE id = $6`,
		string(run.Status), run.FinalOutput, run.ErrorMessage, steps, run.UpdatedAt, id,
	); err != nil {
		return model.AgentRun{}, fmt.Errorf("storage: update run: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.AgentRun{}, fmt.Errorf("storage: commit update run tx: %w", err)
	}
	return run, nil
}

// ListRunsByAgent returns runs for an agent, newest first, with
// pagination. limit is clamped to [1, 1000] with a default of 50.
func (db *DB) ListRunsByAgent(ctx context.Context, agentID uuid.UUID, limit, offset int) ([]model.AgentRun, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM agent_runs
		 WHERE agent_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		agentID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.AgentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func marshalSteps(steps []model.StepLog) ([]byte, error) {
	if steps == nil {
		steps = []model.StepLog{}
	}
	b, err := json.Marshal(steps)
	if err != nil {
		return nil, fmt.Errorf("storage: encode steps: %w", err)
	}
	return b, nil
}

func scanRun(row pgx.Row) (model.AgentRun, error) {
	var (
		run    model.AgentRun
		status string
		steps  []byte
	)
	if err := row.Scan(
		&run.ID, &run.AgentID, &run.Goal, &status, &run.FinalOutput,
		&run.ErrorMessage, &steps, &run.CreatedBy, &run.CreatedAt, &run.UpdatedAt,
	); err != nil {
		return model.AgentRun{}, err
	}
	run.Status = model.RunStatus(status)
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &run.Steps); err != nil {
			return model.AgentRun{}, fmt.Errorf("storage: decode steps: %w", err)
		}
	}
	return run, nil
}
