package orchestrator

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shindan/internal/model"
)

func TestEmitterOrdersAndStampsEvents(t *testing.T) {
	runID := uuid.New()
	em := newEmitter(runID)

	em.sessionStarted(model.PhaseIngress)
	em.delta(model.PhaseOptimize, "hello")
	em.emit(model.Event{Kind: model.EventDone})

	var events []model.Event
	for ev := range em.Events() {
		events = append(events, ev)
	}

	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Sequence)
		assert.Equal(t, runID, ev.RunID)
		assert.False(t, ev.Time.IsZero())
	}
	assert.Equal(t, model.EventSessionStarted, events[0].Kind)
	assert.Equal(t, "hello", events[1].Delta)
	assert.Equal(t, model.EventDone, events[2].Kind)
}

func TestEmitterTerminatesExactlyOnce(t *testing.T) {
	em := newEmitter(uuid.New())

	assert.True(t, em.emit(model.Event{Kind: model.EventDone}))

	// Everything after the terminal event is dropped, including a second
	// terminal.
	assert.False(t, em.emit(model.Event{Kind: model.EventError}))
	assert.False(t, em.emit(model.Event{Kind: model.EventModelDelta, Delta: "late"}))

	var events []model.Event
	for ev := range em.Events() {
		events = append(events, ev)
	}
	require.Len(t, events, 1)
	assert.Equal(t, model.EventDone, events[0].Kind)
}
