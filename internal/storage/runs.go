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

const saveRunRetries = 3
const saveRunBaseDelay = 50 * time.Millisecond

// SaveRun persists a terminal run with its tool invocations and evidence
// in a single transaction. Re-saving the same run replaces its child rows,
// so the audit writer's retries stay idempotent. Transient serialization
// conflicts are retried.
func (db *DB) SaveRun(ctx context.Context, run *model.Run) error {
	return WithRetry(ctx, saveRunRetries, saveRunBaseDelay, func() error {
		return db.saveRun(ctx, run)
	})
}

func (db *DB) saveRun(ctx context.Context, run *model.Run) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin save run: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO runs (
			id, query, phase, status, hypotheses, token_budget,
			verify_retries, error, reference_id, response,
			started_at, completed_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			phase = EXCLUDED.phase,
			status = EXCLUDED.status,
			hypotheses = EXCLUDED.hypotheses,
			token_budget = EXCLUDED.token_budget,
			verify_retries = EXCLUDED.verify_retries,
			error = EXCLUDED.error,
			response = EXCLUDED.response,
			completed_at = EXCLUDED.completed_at`,
		run.ID, run.Query, run.Phase, run.Status, run.Hypotheses, run.Budget,
		run.VerifyRetries, run.Error, run.ReferenceID, run.Response,
		run.StartedAt, run.CompletedAt, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert run: %w", err)
	}

	// Replace child rows wholesale. Both tables are append-only in the
	// domain, so this only matters when a retried save raced a partial one.
	if _, err := tx.Exec(ctx, `DELETE FROM tool_invocations WHERE run_id = $1`, run.ID); err != nil {
		return fmt.Errorf("storage: clear tool invocations: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM evidence WHERE run_id = $1`, run.ID); err != nil {
		return fmt.Errorf("storage: clear evidence: %w", err)
	}

	if len(run.ToolCalls) > 0 {
		batch := &pgx.Batch{}
		for _, inv := range run.ToolCalls {
			batch.Queue(`
				INSERT INTO tool_invocations (
					id, run_id, tool_name, input, output, status,
					started_at, completed_at, duration_ms,
					token_estimate, cost_estimate, error_message
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
				inv.ID, inv.RunID, inv.ToolName, inv.Input, inv.Output, inv.Status,
				inv.StartedAt, inv.CompletedAt, inv.DurationMs,
				inv.TokenEstimate, inv.CostEstimate, inv.ErrorMessage,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("storage: insert tool invocations: %w", err)
		}
	}

	if len(run.Evidence) > 0 {
		rows := make([][]any, len(run.Evidence))
		for i, ev := range run.Evidence {
			rows[i] = []any{
				ev.ID, ev.RunID, ev.Kind, ev.Source, ev.Content,
				ev.RelevanceScore, ev.ToolCallID, ev.CreatedAt,
			}
		}
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"evidence"},
			[]string{"id", "run_id", "kind", "source", "content", "relevance_score", "tool_call_id", "created_at"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("storage: copy evidence: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit save run: %w", err)
	}
	return nil
}

// GetRun loads a run with its tool invocations and evidence.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	run := &model.Run{}
	err := db.pool.QueryRow(ctx, `
		SELECT id, query, phase, status, hypotheses, token_budget,
		       verify_retries, error, reference_id, response,
		       started_at, completed_at, created_at
		FROM runs WHERE id = $1`, id,
	).Scan(
		&run.ID, &run.Query, &run.Phase, &run.Status, &run.Hypotheses, &run.Budget,
		&run.VerifyRetries, &run.Error, &run.ReferenceID, &run.Response,
		&run.StartedAt, &run.CompletedAt, &run.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get run: %w", err)
	}

	if run.ToolCalls, err = db.listToolInvocations(ctx, id); err != nil {
		return nil, err
	}
	if run.Evidence, err = db.listEvidence(ctx, id); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns the most recently started runs, newest first, without
// their child rows.
func (db *DB) ListRuns(ctx context.Context, limit int) ([]*model.Run, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, query, phase, status, hypotheses, token_budget,
		       verify_retries, error, reference_id, response,
		       started_at, completed_at, created_at
		FROM runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		run := &model.Run{}
		if err := rows.Scan(
			&run.ID, &run.Query, &run.Phase, &run.Status, &run.Hypotheses, &run.Budget,
			&run.VerifyRetries, &run.Error, &run.ReferenceID, &run.Response,
			&run.StartedAt, &run.CompletedAt, &run.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (db *DB) listToolInvocations(ctx context.Context, runID uuid.UUID) ([]model.ToolInvocation, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, run_id, tool_name, input, output, status,
		       started_at, completed_at, duration_ms,
		       token_estimate, cost_estimate, error_message
		FROM tool_invocations WHERE run_id = $1
		ORDER BY started_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list tool invocations: %w", err)
	}
	defer rows.Close()

	var invs []model.ToolInvocation
	for rows.Next() {
		var inv model.ToolInvocation
		if err := rows.Scan(
			&inv.ID, &inv.RunID, &inv.ToolName, &inv.Input, &inv.Output, &inv.Status,
			&inv.StartedAt, &inv.CompletedAt, &inv.DurationMs,
			&inv.TokenEstimate, &inv.CostEstimate, &inv.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("storage: scan tool invocation: %w", err)
		}
		invs = append(invs, inv)
	}
	return invs, rows.Err()
}

func (db *DB) listEvidence(ctx context.Context, runID uuid.UUID) ([]model.Evidence, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, run_id, kind, source, content, relevance_score, tool_call_id, created_at
		FROM evidence WHERE run_id = $1
		ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list evidence: %w", err)
	}
	defer rows.Close()

	var evs []model.Evidence
	for rows.Next() {
		var ev model.Evidence
		if err := rows.Scan(
			&ev.ID, &ev.RunID, &ev.Kind, &ev.Source, &ev.Content,
			&ev.RelevanceScore, &ev.ToolCallID, &ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan evidence: %w", err)
		}
		evs = append(evs, ev)
	}
	return evs, rows.Err()
}
