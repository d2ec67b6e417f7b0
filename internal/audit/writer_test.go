package audit_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shindan/internal/audit"
	"github.com/ashita-ai/shindan/internal/model"
	"github.com/ashita-ai/shindan/internal/testutil"
)

type fakeStore struct {
	mu       sync.Mutex
	saved    []*model.Run
	failNext int
}

func (f *fakeStore) SaveRun(ctx context.Context, run *model.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return errors.New("storage unavailable")
	}
	f.saved = append(f.saved, run)
	return nil
}

type fakePub struct {
	mu       sync.Mutex
	payloads map[string][][]byte
}

func (f *fakePub) Publish(ctx context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.payloads == nil {
		f.payloads = make(map[string][][]byte)
	}
	f.payloads[topic] = append(f.payloads[topic], payload)
	return nil
}

func terminalRun(status model.RunStatus) *model.Run {
	run := model.NewRun("test query", 1000)
	run.Finish(status, nil)
	return run
}

func TestWriterPersistsAndNotifies(t *testing.T) {
	store := &fakeStore{}
	pub := &fakePub{}
	w := audit.NewWriter(store, pub, testutil.TestLogger(), audit.Config{})

	run := terminalRun(model.RunStatusCompleted)
	w.Enqueue(run)
	w.Close()

	require.Len(t, store.saved, 1)
	assert.Equal(t, run.ID, store.saved[0].ID)

	require.Len(t, pub.payloads[audit.RunsTopic], 1)
	var note map[string]any
	require.NoError(t, json.Unmarshal(pub.payloads[audit.RunsTopic][0], &note))
	assert.Equal(t, run.ID.String(), note["run_id"])
	assert.Equal(t, string(model.RunStatusCompleted), note["status"])
	assert.Equal(t, run.ReferenceID, note["reference_id"])
}

func TestWriterRetriesTransientFailures(t *testing.T) {
	store := &fakeStore{failNext: 2}
	w := audit.NewWriter(store, nil, testutil.TestLogger(), audit.Config{
		MaxRetries:   3,
		RetryBackoff: time.Millisecond,
	})

	w.Enqueue(terminalRun(model.RunStatusFailed))
	w.Close()

	require.Len(t, store.saved, 1)
}

func TestWriterDropsAfterRetryExhaustion(t *testing.T) {
	store := &fakeStore{failNext: 10}
	w := audit.NewWriter(store, nil, testutil.TestLogger(), audit.Config{
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
	})

	w.Enqueue(terminalRun(model.RunStatusCompleted))
	w.Close()

	assert.Empty(t, store.saved)
}

func TestEnqueueNeverBlocksWhenFull(t *testing.T) {
	block := make(chan struct{})
	store := &blockingStore{release: block}
	w := audit.NewWriter(store, nil, testutil.TestLogger(), audit.Config{QueueSize: 1})

	// First run occupies the worker, second fills the queue, the rest
	// must drop without blocking.
	done := make(chan struct{})
	go func() {
		for range 5 {
			w.Enqueue(terminalRun(model.RunStatusCompleted))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
	close(block)
	w.Close()
}

type blockingStore struct {
	release chan struct{}
}

func (b *blockingStore) SaveRun(ctx context.Context, run *model.Run) error {
	<-b.release
	return nil
}
