package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hibiki-ai/hibiki/internal/model"
)

// CreateAgent inserts a new agent definition.
func (db *DB) CreateAgent(ctx context.Context, agent model.AgentDefinition) (model.AgentDefinition, error) {
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

	_, err := db.pool.Exec(ctx,
		`INSERT INTO agents (id, name, description, persona, model, temperature, allowed_tools, enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		agent.ID, agent.Name, agent.Description, agent.Persona, agent.Model,
		agent.Temperature, agent.AllowedTools, agent.Enabled, agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		return model.AgentDefinition{}, fmt.Errorf("storage: create agent: %w", err)
	}
	return agent, nil
}

// GetAgent retrieves an agent definition by ID.
func (db *DB) GetAgent(ctx context.Context, id uuid.UUID) (model.AgentDefinition, error) {
	var a model.AgentDefinition
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, description, persona, model, temperature, allowed_tools, enabled, created_at, updated_at
		 FROM agents WHERE id = $1`, id,
	).Scan(
		&a.ID, &a.Name, &a.Description, &a.Persona, &a.Model,
		&a.Temperature, &a.AllowedTools, &a.Enabled, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentDefinition{}, fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
		}
		return model.AgentDefinition{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return a, nil
}

// GetAgentByName retrieves an agent definition by its unique name.
// Used at boot to decide whether the default agent needs seeding.
func (db *DB) GetAgentByName(ctx context.Context, name string) (model.AgentDefinition, error) {
	var a model.AgentDefinition
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, description, persona, model, temperature, allowed_tools, enabled, created_at, updated_at
		 FROM agents WHERE name = $1`, name,
	).Scan(
		&a.ID, &a.Name, &a.Description, &a.Persona, &a.Model,
		&a.Temperature, &a.AllowedTools, &a.Enabled, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentDefinition{}, fmt.Errorf("storage: agent %q: %w", name, ErrNotFound)
		}
		return model.AgentDefinition{}, fmt.Errorf("storage: get agent by name: %w", err)
	}
	return a, nil
}

// ListAgents returns agent definitions with pagination. limit is
// clamped to [1, 1000] with a default of 200; offset must be
// non-negative.
func (db *DB) ListAgents(ctx context.Context, limit, offset int) ([]model.AgentDefinition, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, name, description, persona, model, temperature, allowed_tools, enabled, created_at, updated_at
		 FROM agents ORDER BY created_at ASC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()

	var agents []model.AgentDefinition
	for rows.Next() {
		var a model.AgentDefinition
		if err := rows.Scan(
			&a.ID, &a.Name, &a.Description, &a.Persona, &a.Model,
			&a.Temperature, &a.AllowedTools, &a.Enabled, &a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpdateAgent performs a partial update of an agent definition. Only
// non-nil fields are applied. Returns the updated agent.
func (db *DB) UpdateAgent(ctx context.Context, id uuid.UUID, persona *string, temperature *float64, allowedTools []string, enabled *bool) (model.AgentDefinition, error) {
	var a model.AgentDefinition
	err := db.pool.QueryRow(ctx,
		`UPDATE agents
		 SET persona = COALESCE($1, persona),
		     temperature = COALESCE($2, temperature),
		     allowed_tools = COALESCE($3, allowed_tools),
		     enabled = COALESCE($4, enabled),
		     updated_at = now()
		 WHERE id = $5
		 RETURNING id, name, description, persona, model, temperature, allowed_tools, enabled, created_at, updated_at`,
		persona, temperature, allowedTools, enabled, id,
	).Scan(
		&a.ID, &a.Name, &a.Description, &a.Persona, &a.Model,
		&a.Temperature, &a.AllowedTools, &a.Enabled, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentDefinition{}, fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
		}
		return model.AgentDefinition{}, fmt.Errorf("storage: update agent: %w", err)
	}
	return a, nil
}

// CountAgents returns the number of registered agents.
func (db *DB) CountAgents(ctx context.Context) (int, error) {
	var count int
	err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM agents`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: count agents: %w", err)
	}
	return count, nil
}
