package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shindan/internal/model"
	"github.com/ashita-ai/shindan/internal/storage"
)

// MemStore is an in-memory Store for tests and single-process use.
type MemStore struct {
	mu  sync.RWMutex
	cps map[uuid.UUID]*model.Checkpoint
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{cps: make(map[uuid.UUID]*model.Checkpoint)}
}

// SaveCheckpoint implements Store.
func (s *MemStore) SaveCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cloned := *cp
	cloned.Snapshot = append([]byte(nil), cp.Snapshot...)
	s.cps[cp.ID] = &cloned
	return nil
}

// GetCheckpoint implements Store.
func (s *MemStore) GetCheckpoint(ctx context.Context, id uuid.UUID) (*model.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.cps[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cloned := *cp
	return &cloned, nil
}

// ListCheckpoints implements Store.
func (s *MemStore) ListCheckpoints(ctx context.Context, runID uuid.UUID) ([]*model.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Checkpoint
	for _, cp := range s.cps {
		if cp.RunID == runID {
			cloned := *cp
			out = append(out, &cloned)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// DeleteCheckpointsBefore implements Store.
func (s *MemStore) DeleteCheckpointsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, cp := range s.cps {
		if cp.CreatedAt.Before(cutoff) {
			delete(s.cps, id)
			n++
		}
	}
	return n, nil
}
