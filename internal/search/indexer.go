package search

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/shindan/internal/embedding"
	"github.com/ashita-ai/shindan/internal/model"
	"github.com/ashita-ai/shindan/internal/telemetry"
)

// EvidenceStore is the Postgres surface the indexer drains: evidence rows
// persisted by the audit writer that do not have an embedding yet.
type EvidenceStore interface {
	ListUnembeddedEvidence(ctx context.Context, limit int) ([]model.Evidence, error)
	SetEvidenceEmbeddings(ctx context.Context, ids []uuid.UUID, embeddings []pgvector.Vector) error
}

// Index receives embedded evidence points.
type Index interface {
	Upsert(ctx context.Context, points []Point) error
}

// Indexer polls Postgres for evidence awaiting embedding, embeds it, and
// syncs the vectors to both Postgres and Qdrant. Failed batches are left
// in place and picked up again on the next poll.
type Indexer struct {
	store        EvidenceStore
	index        Index
	provider     embedding.Provider
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
	drainCh    chan context.Context // carries the drain context to pollLoop for the final poll
	indexed    metric.Int64Counter
}

// NewIndexer creates an evidence indexer.
func NewIndexer(store EvidenceStore, index Index, provider embedding.Provider, logger *slog.Logger, pollInterval time.Duration, batchSize int) *Indexer {
	meter := telemetry.Meter("shindan/search")
	indexed, _ := meter.Int64Counter("shindan.search.indexed",
		metric.WithDescription("Evidence records embedded and indexed"))

	return &Indexer{
		store:        store,
		index:        index,
		provider:     provider,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
		indexed:      indexed,
	}
}

// Start begins the background poll loop. It is safe to call only once;
// subsequent calls are no-ops and log a warning.
func (ix *Indexer) Start(ctx context.Context) {
	if !ix.started.CompareAndSwap(false, true) {
		ix.logger.Warn("search indexer: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	ix.cancelLoop = cancel
	go ix.pollLoop(loopCtx)
}

// Drain signals the poll loop to stop, processes remaining entries, and
// blocks until done or the context expires.
func (ix *Indexer) Drain(ctx context.Context) {
	// Send the drain context to pollLoop via channel (race-free).
	// Must be sent before cancelLoop so pollLoop can receive it on ctx.Done().
	select {
	case ix.drainCh <- ctx:
	default:
	}
	if ix.cancelLoop != nil {
		ix.cancelLoop()
	}
	select {
	case <-ix.done:
	case <-ctx.Done():
		ix.logger.Warn("search indexer: drain timed out")
	}
}

func (ix *Indexer) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(ix.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final drain: prefer the drain context so the last batch
			// respects the caller's deadline.
			var drainCtx context.Context
			select {
			case drainCtx = <-ix.drainCh:
			default:
			}
			if drainCtx != nil {
				ix.processBatch(drainCtx)
			} else {
				// Fallback for direct cancellation without Drain (e.g., tests).
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				ix.processBatch(fallbackCtx)
				cancel()
			}
			ix.once.Do(func() { close(ix.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			ix.processBatch(batchCtx)
			cancel()
		}
	}
}

func (ix *Indexer) processBatch(ctx context.Context) {
	pending, err := ix.store.ListUnembeddedEvidence(ctx, ix.batchSize)
	if err != nil {
		ix.logger.Error("search indexer: list pending evidence", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	texts := make([]string, len(pending))
	for i, ev := range pending {
		texts[i] = ev.Content
	}
	vecs, err := ix.provider.EmbedBatch(ctx, texts)
	if err != nil {
		ix.logger.Error("search indexer: embed batch", "error", err, "count", len(texts))
		return
	}

	// Qdrant first: if the Postgres write below fails, the rows stay in the
	// pending set and the next poll re-upserts them (upsert is idempotent).
	// The reverse order would strand embedded rows outside the index.
	points := make([]Point, len(pending))
	ids := make([]uuid.UUID, len(pending))
	for i, ev := range pending {
		ids[i] = ev.ID
		points[i] = Point{
			ID:        ev.ID,
			RunID:     ev.RunID,
			Kind:      string(ev.Kind),
			Source:    ev.Source,
			Relevance: ev.RelevanceScore,
			CreatedAt: ev.CreatedAt,
			Embedding: vecs[i].Slice(),
		}
	}
	if err := ix.index.Upsert(ctx, points); err != nil {
		ix.logger.Error("search indexer: qdrant upsert", "error", err, "count", len(points))
		return
	}

	if err := ix.store.SetEvidenceEmbeddings(ctx, ids, vecs); err != nil {
		ix.logger.Error("search indexer: store embeddings", "error", err, "count", len(ids))
		return
	}

	ix.indexed.Add(ctx, int64(len(ids)))
	ix.logger.Info("search indexer: indexed evidence", "count", len(ids))
}
