// Package audit is the asynchronous persistence path for terminal runs.
//
// The orchestrator hands a completed run to the writer and moves on; the
// live path never blocks on storage. Failed writes are retried a bounded
// number of times with backoff and then dropped with a loud log line.
// Dropping audit data is preferable to wedging the orchestrator.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/shindan/internal/model"
)

// RunStore persists terminal run records.
type RunStore interface {
	SaveRun(ctx context.Context, run *model.Run) error
}

// Publisher is the fire-and-forget message-queue boundary used to fan
// out run completions to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// RunsTopic is the channel terminal runs are announced on.
const RunsTopic = "shindan_runs"

// runNotification is the payload published for each persisted run.
type runNotification struct {
	RunID       string          `json:"run_id"`
	ReferenceID string          `json:"reference_id"`
	Status      model.RunStatus `json:"status"`
	Phase       model.Phase     `json:"phase"`
}

// Config tunes the writer's queue and retry behavior.
type Config struct {
	QueueSize    int
	MaxRetries   int
	RetryBackoff time.Duration
}

func (c *Config) withDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
}

const saveTimeout = 15 * time.Second

// Writer drains a bounded queue of terminal runs into the store. One
// worker preserves arrival order; a full queue drops the newest run
// rather than blocking the orchestrator.
type Writer struct {
	store  RunStore
	pub    Publisher
	logger *slog.Logger
	cfg    Config

	queue   chan *model.Run
	wg      sync.WaitGroup
	dropped metric.Int64Counter
}

// NewWriter creates the writer and starts its worker. pub may be nil,
// which disables completion notifications.
func NewWriter(store RunStore, pub Publisher, logger *slog.Logger, cfg Config) *Writer {
	cfg.withDefaults()
	meter := otel.Meter("shindan/audit")
	dropped, _ := meter.Int64Counter("shindan.audit.dropped",
		metric.WithDescription("Terminal runs dropped by the audit writer"))

	w := &Writer{
		store:   store,
		pub:     pub,
		logger:  logger,
		cfg:     cfg,
		queue:   make(chan *model.Run, cfg.QueueSize),
		dropped: dropped,
	}
	w.wg.Add(1)
	go w.work()
	return w
}

// Enqueue hands a terminal run to the writer. Never blocks: when the
// queue is full the run is dropped and counted.
func (w *Writer) Enqueue(run *model.Run) {
	select {
	case w.queue <- run:
	default:
		w.dropped.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("reason", "queue_full")))
		w.logger.Error("audit queue full, dropping run",
			"run_id", run.ID, "reference_id", run.ReferenceID, "status", run.Status)
	}
}

// Close stops accepting runs and drains the queue.
func (w *Writer) Close() {
	close(w.queue)
	w.wg.Wait()
}

func (w *Writer) work() {
	defer w.wg.Done()
	for run := range w.queue {
		w.persist(run)
	}
}

func (w *Writer) persist(run *model.Run) {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	backoff := w.cfg.RetryBackoff
	var err error
	for attempt := 0; ; attempt++ {
		err = w.store.SaveRun(ctx, run)
		if err == nil {
			break
		}
		w.logger.Warn("audit write failed",
			"run_id", run.ID, "attempt", attempt+1, "error", err)
		if attempt == w.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			continue
		}
		break
	}
	if err != nil {
		w.dropped.Add(ctx, 1,
			metric.WithAttributes(attribute.String("reason", "retries_exhausted")))
		w.logger.Error("audit write dropped after retries",
			"run_id", run.ID, "reference_id", run.ReferenceID, "error", err)
		return
	}

	w.notify(ctx, run)
}

func (w *Writer) notify(ctx context.Context, run *model.Run) {
	if w.pub == nil {
		return
	}
	payload, err := json.Marshal(runNotification{
		RunID:       run.ID.String(),
		ReferenceID: run.ReferenceID,
		Status:      run.Status,
		Phase:       run.Phase,
	})
	if err != nil {
		return
	}
	if err := w.pub.Publish(ctx, RunsTopic, payload); err != nil {
		// Notification is best effort; the persisted record is the source
		// of truth.
		w.logger.Warn("run notification failed", "run_id", run.ID, "error", err)
	}
}
