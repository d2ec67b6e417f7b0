package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/shindan/internal/model"
)

// SaveCheckpoint persists an immutable run snapshot.
func (db *DB) SaveCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO checkpoints (id, run_id, phase, state_snapshot, token_usage, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		cp.ID, cp.RunID, cp.Phase, cp.Snapshot, cp.TokenUsage, cp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: save checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint loads a checkpoint by ID.
func (db *DB) GetCheckpoint(ctx context.Context, id uuid.UUID) (*model.Checkpoint, error) {
	cp := &model.Checkpoint{}
	err := db.pool.QueryRow(ctx, `
		SELECT id, run_id, phase, state_snapshot, token_usage, created_at
		FROM checkpoints WHERE id = $1`, id,
	).Scan(&cp.ID, &cp.RunID, &cp.Phase, &cp.Snapshot, &cp.TokenUsage, &cp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get checkpoint: %w", err)
	}
	return cp, nil
}

// ListCheckpoints returns a run's checkpoints, newest first.
func (db *DB) ListCheckpoints(ctx context.Context, runID uuid.UUID) ([]*model.Checkpoint, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, run_id, phase, state_snapshot, token_usage, created_at
		FROM checkpoints WHERE run_id = $1
		ORDER BY created_at DESC, id DESC`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []*model.Checkpoint
	for rows.Next() {
		cp := &model.Checkpoint{}
		if err := rows.Scan(&cp.ID, &cp.RunID, &cp.Phase, &cp.Snapshot, &cp.TokenUsage, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan checkpoint: %w", err)
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

// DeleteCheckpointsBefore removes checkpoints created before the cutoff
// and reports how many were deleted. Used by the retention sweep.
func (db *DB) DeleteCheckpointsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM checkpoints WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: delete checkpoints: %w", err)
	}
	return tag.RowsAffected(), nil
}
