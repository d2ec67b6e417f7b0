package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shindan/internal/model"
)

// eventBuffer absorbs bursts so the controller rarely blocks on a slow
// consumer. The stream is never lossy: when the buffer fills, emission
// blocks until the consumer catches up.
const eventBuffer = 256

// emitter is the ordered event stream of a single run. Sequence numbers
// are assigned under the lock, so the channel carries events in exactly
// the order the transitions occurred. After the terminal event the
// channel is closed and further emissions are dropped.
type emitter struct {
	mu         sync.Mutex
	ch         chan model.Event
	seq        uint64
	runID      uuid.UUID
	terminated bool
}

func newEmitter(runID uuid.UUID) *emitter {
	return &emitter{ch: make(chan model.Event, eventBuffer), runID: runID}
}

// Events is the consumer side of the stream.
func (e *emitter) Events() <-chan model.Event { return e.ch }

// emit stamps and sends one event. Returns false when the stream already
// terminated. Exactly one terminal event ever passes through; it closes
// the channel.
func (e *emitter) emit(ev model.Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminated {
		return false
	}
	if ev.Kind.Terminal() {
		e.terminated = true
	}
	e.seq++
	ev.Sequence = e.seq
	ev.RunID = e.runID
	ev.Time = time.Now().UTC()
	e.ch <- ev
	if ev.Kind.Terminal() {
		close(e.ch)
	}
	return true
}

func (e *emitter) sessionStarted(phase model.Phase) {
	e.emit(model.Event{Kind: model.EventSessionStarted, Phase: phase})
}

func (e *emitter) delta(phase model.Phase, delta string) {
	e.emit(model.Event{Kind: model.EventModelDelta, Phase: phase, Delta: delta})
}

func (e *emitter) toolStarted(phase model.Phase, inv *model.ToolInvocation) {
	e.emit(model.Event{Kind: model.EventToolStarted, Phase: phase, Tool: &model.ToolEventPayload{
		InvocationID: inv.ID,
		ToolName:     inv.ToolName,
	}})
}

func (e *emitter) toolFinished(phase model.Phase, inv *model.ToolInvocation) {
	e.emit(model.Event{Kind: model.EventToolFinished, Phase: phase, Tool: &model.ToolEventPayload{
		InvocationID: inv.ID,
		ToolName:     inv.ToolName,
		Status:       inv.Status,
		DurationMs:   inv.DurationMs,
		Error:        inv.ErrorMessage,
	}})
}

func (e *emitter) tokenUsage(phase model.Phase, b model.TokenBudget) {
	usage := b
	e.emit(model.Event{Kind: model.EventTokenUsage, Phase: phase, Usage: &usage})
}

func (e *emitter) checkpointSaved(phase model.Phase, cp *model.Checkpoint) {
	id := cp.ID
	e.emit(model.Event{Kind: model.EventCheckpointSaved, Phase: phase, CheckpointID: &id})
}

func (e *emitter) citation(phase model.Phase, c model.Citation) {
	cited := c
	e.emit(model.Event{Kind: model.EventCitation, Phase: phase, Citation: &cited})
}

// done emits the terminal success event carrying the final response and
// the caller-facing reference id.
func (e *emitter) done(run *model.Run) {
	e.emit(model.Event{
		Kind:        model.EventDone,
		Phase:       run.Phase,
		Response:    run.Response,
		ReferenceID: run.ReferenceID,
	})
}

// fail emits the terminal error event. Only the taxonomy code, message,
// and reference id are exposed; internal error objects stay server-side.
func (e *emitter) fail(run *model.Run, runErr *model.RunError) {
	e.emit(model.Event{
		Kind:  model.EventError,
		Phase: run.Phase,
		Error: &model.ErrorEventPayload{
			ReferenceID: run.ReferenceID,
			Code:        runErr.Code,
			Message:     runErr.Message,
		},
		ReferenceID: run.ReferenceID,
	})
}
