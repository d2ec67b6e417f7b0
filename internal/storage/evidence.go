package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/shindan/internal/model"
)

// ListUnembeddedEvidence returns persisted evidence rows that have not been
// embedded yet, oldest first. The search indexer drains this set.
func (db *DB) ListUnembeddedEvidence(ctx context.Context, limit int) ([]model.Evidence, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, run_id, kind, source, content, relevance_score, tool_call_id, created_at
		FROM evidence WHERE embedding IS NULL
		ORDER BY created_at, id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list unembedded evidence: %w", err)
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

// SetEvidenceEmbeddings stores embedding vectors for evidence rows.
// ids and embeddings are parallel slices.
func (db *DB) SetEvidenceEmbeddings(ctx context.Context, ids []uuid.UUID, embeddings []pgvector.Vector) error {
	if len(ids) != len(embeddings) {
		return fmt.Errorf("storage: %d ids for %d embeddings", len(ids), len(embeddings))
	}
	if len(ids) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i, id := range ids {
		batch.Queue(`UPDATE evidence SET embedding = $1 WHERE id = $2`, embeddings[i], id)
	}
	if err := db.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("storage: set evidence embeddings: %w", err)
	}
	return nil
}

// GetEvidenceByIDs hydrates evidence rows from the search index's ID hits.
// Missing IDs are silently skipped; the index may lag deletions.
func (db *DB) GetEvidenceByIDs(ctx context.Context, ids []uuid.UUID) ([]model.Evidence, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx, `
		SELECT id, run_id, kind, source, content, relevance_score, tool_call_id, created_at
		FROM evidence WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: get evidence by ids: %w", err)
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

// SearchEvidenceByText is the Postgres text-search fallback used when the
// vector index is unreachable. Ranks by recency, not similarity.
func (db *DB) SearchEvidenceByText(ctx context.Context, query string, limit int) ([]model.Evidence, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, run_id, kind, source, content, relevance_score, tool_call_id, created_at
		FROM evidence WHERE content ILIKE '%' || $1 || '%'
		ORDER BY created_at DESC LIMIT $2`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: search evidence by text: %w", err)
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
