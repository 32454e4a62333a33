package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hibiki-ai/hibiki/internal/model"
)

// CreateMemoryFact inserts a long-term fact about a user.
func (db *DB) CreateMemoryFact(ctx context.Context, fact model.MemoryFact) (model.MemoryFact, error) {
	if fact.ID == uuid.Nil {
		fact.ID = uuid.New()
	}
	if fact.CreatedAt.IsZero() {
		fact.CreatedAt = time.Now().UTC()
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO memory_facts (id, user_id, content, category, importance, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		fact.ID, fact.UserID, fact.Content, fact.Category, fact.Importance, fact.CreatedAt,
	)
	if err != nil {
		return model.MemoryFact{}, fmt.Errorf("storage: create memory fact: %w", err)
	}
	return fact, nil
}

// TopFacts returns the user's most important facts, importance
// descending, capped at limit. An unknown user yields an empty slice,
// not an error.
func (db *DB) TopFacts(ctx context.Context, userID string, limit int) ([]model.MemoryFact, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, content, category, importance, created_at
		 FROM memory_facts WHERE user_id = $1
		 ORDER BY importance DESC, created_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: top facts: %w", err)
	}
	defer rows.Close()

	var facts []model.MemoryFact
	for rows.Next() {
		var f model.MemoryFact
		if err := rows.Scan(&f.ID, &f.UserID, &f.Content, &f.Category, &f.Importance, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan memory fact: %w", err)
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// DeleteMemoryFact removes a fact by ID.
func (db *DB) DeleteMemoryFact(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM memory_facts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete memory fact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: memory fact %s: %w", id, ErrNotFound)
	}
	return nil
}
