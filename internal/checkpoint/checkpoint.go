// Package checkpoint persists run snapshots at phase boundaries and
// restores them for out-of-band resume.
//
// Saves are fire-and-forget: the orchestrator never blocks on checkpoint
// durability. A failed save is logged and dropped; the live run is the
// source of truth, checkpoints only enable resume.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shindan/internal/model"
)

// Store is the durable backend for checkpoints.
type Store interface {
	SaveCheckpoint(ctx context.Context, cp *model.Checkpoint) error
	GetCheckpoint(ctx context.Context, id uuid.UUID) (*model.Checkpoint, error)
	// ListCheckpoints returns a run's checkpoints newest first.
	ListCheckpoints(ctx context.Context, runID uuid.UUID) ([]*model.Checkpoint, error)
	// DeleteCheckpointsBefore removes checkpoints older than cutoff and
	// reports how many were deleted.
	DeleteCheckpointsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

const saveTimeout = 10 * time.Second

// Manager saves and restores checkpoints against a Store.
type Manager struct {
	store  Store
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewManager creates a checkpoint manager.
func NewManager(store Store, logger *slog.Logger) *Manager {
	return &Manager{store: store, logger: logger}
}

// Save snapshots the run and writes it asynchronously. The returned
// checkpoint is complete (id assigned, snapshot serialized) before the
// write is scheduled, so callers can emit it immediately.
func (m *Manager) Save(ctx context.Context, run *model.Run) (*model.Checkpoint, error) {
	cp, err := model.NewCheckpoint(run)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: snapshot run %s: %w", run.ID, err)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
		defer cancel()
		if err := m.store.SaveCheckpoint(saveCtx, cp); err != nil {
			m.logger.Warn("checkpoint save failed",
				"run_id", cp.RunID, "checkpoint_id", cp.ID, "phase", cp.Phase, "error", err)
		}
	}()
	return cp, nil
}

// Restore loads a checkpoint and reconstructs the run it captured.
func (m *Manager) Restore(ctx context.Context, id uuid.UUID) (*model.Run, *model.Checkpoint, error) {
	cp, err := m.store.GetCheckpoint(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("checkpoint: load %s: %w", id, err)
	}
	snapshot, err := cp.DecodeSnapshot()
	if err != nil {
		return nil, nil, fmt.Errorf("checkpoint: restore %s: %w", id, err)
	}
	return model.RunFromSnapshot(snapshot), cp, nil
}

// Latest returns the newest checkpoint for a run.
func (m *Manager) Latest(ctx context.Context, runID uuid.UUID) (*model.Checkpoint, error) {
	cps, err := m.store.ListCheckpoints(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list for run %s: %w", runID, err)
	}
	if len(cps) == 0 {
		return nil, fmt.Errorf("checkpoint: run %s has no checkpoints", runID)
	}
	return cps[0], nil
}

// DeleteOlderThan enforces the retention window.
func (m *Manager) DeleteOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	n, err := m.store.DeleteCheckpointsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: delete older than %s: %w", retention, err)
	}
	if n > 0 {
		m.logger.Info("checkpoint retention applied", "deleted", n, "cutoff", cutoff)
	}
	return n, nil
}

// Close waits for in-flight saves to drain.
func (m *Manager) Close() {
	m.wg.Wait()
}
