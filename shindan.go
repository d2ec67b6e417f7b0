// Package shindan is the public API for embedding the Shindan diagnostic
// agent orchestrator.
//
// Consumers import this package to construct the orchestrator, register
// extra diagnostic tools, and stream run events:
//
//	app, err := shindan.New(
//	    shindan.WithVersion(version),
//	    shindan.WithLogger(logger),
//	    shindan.WithTool(myDeployHistoryTool{}),
//	)
//	if err != nil { ... }
//	app.Start(ctx)
//	defer app.Close(context.Background())
//
//	for ev := range app.Diagnose(ctx, "checkout latency spiked at 14:00") {
//	    ...
//	}
//
// The import graph enforces a strict no-cycle rule: shindan (root) imports
// internal/*, but internal/* never imports shindan (root). Public types
// (Event, Response, etc.) are standalone structs with no internal imports;
// conversion helpers (toPublicEvent, toPublicRun) live here because this is
// the only file that sees both sides of the boundary.
package shindan

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/shindan/internal/audit"
	"github.com/ashita-ai/shindan/internal/checkpoint"
	"github.com/ashita-ai/shindan/internal/config"
	"github.com/ashita-ai/shindan/internal/embedding"
	"github.com/ashita-ai/shindan/internal/generate"
	"github.com/ashita-ai/shindan/internal/logstore"
	"github.com/ashita-ai/shindan/internal/model"
	"github.com/ashita-ai/shindan/internal/orchestrator"
	"github.com/ashita-ai/shindan/internal/policy"
	"github.com/ashita-ai/shindan/internal/runtime"
	"github.com/ashita-ai/shindan/internal/search"
	"github.com/ashita-ai/shindan/internal/storage"
	"github.com/ashita-ai/shindan/internal/telemetry"
	"github.com/ashita-ai/shindan/internal/tool"
	"github.com/ashita-ai/shindan/migrations"
)

// App is the Shindan orchestrator lifecycle. Construct with New(), start
// background workers with Start(), release resources with Close().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	controller   *orchestrator.Controller
	registry     *tool.Registry
	writer       *audit.Writer
	checkpoints  *checkpoint.Manager
	indexer      *search.Indexer     // nil when Qdrant is not configured
	qdrantIndex  *search.QdrantIndex // nil when Qdrant is not configured
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string

	started atomic.Bool
}

// New initialises the orchestrator. It connects to the database, runs
// migrations, builds the tool registry, and wires all subsystems. It does
// NOT start any goroutines; call Start().
func New(opts ...Option) (*App, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("shindan starting", "version", version, "model", cfg.GenerationModel)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	// Run built-in migrations, then extras in registration order.
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	// Create embedding provider. An external override takes priority over auto-detect.
	var embedder embedding.Provider
	if o.embeddingProvider != nil {
		embedder = &providerAdapter{p: o.embeddingProvider}
	} else {
		embedder = newEmbeddingProvider(cfg, logger)
	}

	// Build the tool registry. The log corpus tool is always available;
	// semantic evidence search joins it when Qdrant is configured.
	registry := tool.NewRegistry()
	if err := registry.Register(logstore.NewTool(db)); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("register query_logs: %w", err)
	}

	var qdrantIndex *search.QdrantIndex
	var indexer *search.Indexer
	if cfg.QdrantURL != "" {
		var idxErr error
		qdrantIndex, idxErr = search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if idxErr != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant: %w", idxErr)
		}
		if err := qdrantIndex.EnsureCollection(context.Background()); err != nil {
			_ = qdrantIndex.Close()
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		searchTool := search.NewTool(qdrantIndex, db, search.QueryEmbedder(embedder), logger)
		if err := registry.Register(searchTool); err != nil {
			_ = qdrantIndex.Close()
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("register search_evidence: %w", err)
		}
		indexer = search.NewIndexer(db, qdrantIndex, embedder, logger, cfg.IndexerPollInterval, cfg.IndexerBatchSize)
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL)")
	}

	// Option-registered tools.
	for _, t := range o.tools {
		if err := registry.Register(&toolAdapter{t: t}); err != nil {
			closeEarly(qdrantIndex, db, otelShutdown)
			return nil, fmt.Errorf("register tool %s: %w", t.Name(), err)
		}
	}

	// Remote MCP tools.
	if cfg.MCPServerURL != "" {
		mountCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		names, err := tool.MountMCP(mountCtx, registry, cfg.MCPServerURL, version)
		cancel()
		if err != nil {
			closeEarly(qdrantIndex, db, otelShutdown)
			return nil, fmt.Errorf("mount mcp tools: %w", err)
		}
		logger.Info("mcp tools mounted", "server", cfg.MCPServerURL, "tools", names)
	}

	// Load per-tool safety policies.
	policies, err := policy.Load(cfg.PolicyFile)
	if err != nil {
		closeEarly(qdrantIndex, db, otelShutdown)
		return nil, fmt.Errorf("policy: %w", err)
	}

	rt := runtime.New(registry, policies, logger, cfg.ToolGracePeriod)
	checkpoints := checkpoint.NewManager(db, logger)
	writer := audit.NewWriter(db, db, logger, audit.Config{
		QueueSize:    cfg.AuditQueueSize,
		MaxRetries:   cfg.AuditRetries,
		RetryBackoff: cfg.AuditRetryBackoff,
	})

	gen := generate.NewOpenAI(generate.OpenAIConfig{
		BaseURL: cfg.GenerationBaseURL,
		APIKey:  cfg.GenerationAPIKey,
		Model:   cfg.GenerationModel,
	}, logger)

	controller := orchestrator.New(gen, rt, registry, checkpoints, writer, logger, orchestrator.Config{
		BudgetMax:          cfg.BudgetMax,
		SummarizeThreshold: cfg.SummarizeThreshold,
		VerifyRetries:      cfg.VerifyRetries,
		CheckpointEvery:    cfg.CheckpointEvery,
		RunTimeout:         cfg.RunTimeout,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		controller:   controller,
		registry:     registry,
		writer:       writer,
		checkpoints:  checkpoints,
		indexer:      indexer,
		qdrantIndex:  qdrantIndex,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Start launches the background workers: the evidence indexer (when Qdrant
// is configured) and the checkpoint retention sweep. It is safe to call
// only once; subsequent calls are no-ops.
func (a *App) Start(ctx context.Context) {
	if !a.started.CompareAndSwap(false, true) {
		a.logger.Warn("shindan: Start called more than once, ignoring")
		return
	}
	if a.indexer != nil {
		a.indexer.Start(ctx)
	}
	if a.cfg.CheckpointRetention > 0 {
		go a.retentionLoop(ctx)
	}
}

// Close performs a phased shutdown:
// (1) drain the evidence indexer so embedded vectors reach Qdrant,
// (2) wait for pending checkpoint writes,
// (3) drain the audit writer queue to Postgres.
// It then closes the Qdrant client, the database pool, and the OTEL provider.
// In-flight Diagnose streams should be finished or cancelled before Close.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("shindan shutting down")

	if a.indexer != nil {
		drainCtx, cancel := contextWithOptionalTimeout(ctx, 30*time.Second)
		a.indexer.Drain(drainCtx)
		cancel()
	}
	a.checkpoints.Close()
	a.writer.Close()

	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	a.logger.Info("shindan stopped")
	return nil
}

// Diagnose starts a diagnostic run for the given query and returns its
// ordered event stream. The channel closes after exactly one terminal
// event (done or error). Cancelling ctx cancels the run; in-flight tools
// get the configured grace period before being abandoned.
func (a *App) Diagnose(ctx context.Context, query string) <-chan Event {
	return convertEvents(a.controller.Start(ctx, query))
}

// Resume restores a run from a saved checkpoint and continues it under a
// fresh run ID, returning the new event stream.
func (a *App) Resume(ctx context.Context, checkpointID uuid.UUID) (<-chan Event, error) {
	events, err := a.controller.Resume(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	return convertEvents(events), nil
}

// Runs lists persisted runs, newest first. The audit writer persists runs
// asynchronously, so a just-finished run may take a moment to appear.
func (a *App) Runs(ctx context.Context, limit int) ([]RunSummary, error) {
	runs, err := a.db.ListRuns(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]RunSummary, len(runs))
	for i, r := range runs {
		out[i] = toPublicRun(r)
	}
	return out, nil
}

// RunDetail fetches one persisted run with its tool invocations and
// evidence. Returns storage.ErrNotFound wrapped if no such run exists.
func (a *App) RunDetail(ctx context.Context, id uuid.UUID) (*RunDetail, error) {
	run, err := a.db.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	d := &RunDetail{RunSummary: toPublicRun(run)}
	for _, inv := range run.ToolCalls {
		d.ToolCalls = append(d.ToolCalls, ToolCallRecord{
			ID:            inv.ID,
			ToolName:      inv.ToolName,
			Status:        string(inv.Status),
			DurationMs:    inv.DurationMs,
			TokenEstimate: inv.TokenEstimate,
			ErrorMessage:  inv.ErrorMessage,
			StartedAt:     inv.StartedAt,
		})
	}
	for _, ev := range run.Evidence {
		d.Evidence = append(d.Evidence, EvidenceRecord{
			ID:             ev.ID,
			Kind:           string(ev.Kind),
			Source:         ev.Source,
			Content:        ev.Content,
			RelevanceScore: ev.RelevanceScore,
			CreatedAt:      ev.CreatedAt,
		})
	}
	return d, nil
}

// Checkpoints lists saved checkpoints for a run, newest first. Any of the
// returned IDs can be passed to Resume.
func (a *App) Checkpoints(ctx context.Context, runID uuid.UUID) ([]CheckpointInfo, error) {
	cps, err := a.db.ListCheckpoints(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := make([]CheckpointInfo, len(cps))
	for i, cp := range cps {
		out[i] = CheckpointInfo{
			ID:        cp.ID,
			RunID:     cp.RunID,
			Phase:     string(cp.Phase),
			CreatedAt: cp.CreatedAt,
		}
	}
	return out, nil
}

// IngestLogs bulk-loads log records into the corpus queried by the
// query_logs tool. Returns the number of rows written.
func (a *App) IngestLogs(ctx context.Context, entries []LogEntry) (int64, error) {
	rows := make([]model.LogEntry, len(entries))
	for i, e := range entries {
		rows[i] = model.LogEntry{Time: e.Time, Level: e.Level, Service: e.Service, Message: e.Message}
	}
	return a.db.InsertLogEntries(ctx, rows)
}

// ToolNames returns the registered tool names, built-ins and MCP-mounted
// tools included.
func (a *App) ToolNames() []string {
	return a.registry.Names()
}

func (a *App) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, time.Minute)
			deleted, err := a.checkpoints.DeleteOlderThan(opCtx, a.cfg.CheckpointRetention)
			cancel()
			if err != nil {
				a.logger.Warn("checkpoint retention sweep failed", "error", err)
				continue
			}
			if deleted > 0 {
				a.logger.Info("checkpoint retention sweep", "deleted", deleted)
			}
		}
	}
}

// ── Internal/public conversion ────────────────────────────────────────────────

func convertEvents(in <-chan model.Event) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		for ev := range in {
			out <- toPublicEvent(ev)
		}
	}()
	return out
}

func toPublicEvent(ev model.Event) Event {
	pub := Event{
		Kind:         EventKind(ev.Kind),
		RunID:        ev.RunID,
		Sequence:     ev.Sequence,
		Time:         ev.Time,
		Phase:        string(ev.Phase),
		Delta:        ev.Delta,
		CheckpointID: ev.CheckpointID,
		Response:     toPublicResponse(ev.Response),
		ReferenceID:  ev.ReferenceID,
	}
	if ev.Tool != nil {
		pub.Tool = &ToolEvent{
			InvocationID: ev.Tool.InvocationID,
			ToolName:     ev.Tool.ToolName,
			Status:       string(ev.Tool.Status),
			DurationMs:   ev.Tool.DurationMs,
			Error:        ev.Tool.Error,
		}
	}
	if ev.Usage != nil {
		u := TokenUsage(*ev.Usage)
		pub.Usage = &u
	}
	if ev.Citation != nil {
		c := toPublicCitation(*ev.Citation)
		pub.Citation = &c
	}
	if ev.Error != nil {
		pub.Error = &ErrorEvent{
			ReferenceID: ev.Error.ReferenceID,
			Code:        string(ev.Error.Code),
			Message:     ev.Error.Message,
		}
	}
	return pub
}

func toPublicResponse(r *model.Response) *Response {
	if r == nil {
		return nil
	}
	pub := &Response{
		Summary:         r.Summary,
		Recommendations: r.Recommendations,
		Confidence:      r.Confidence,
	}
	for _, f := range r.Findings {
		pf := Finding{
			Title:       f.Title,
			Description: f.Description,
			Severity:    string(f.Severity),
		}
		for _, c := range f.Citations {
			pf.Citations = append(pf.Citations, toPublicCitation(c))
		}
		pub.Findings = append(pub.Findings, pf)
	}
	for _, c := range r.Citations {
		pub.Citations = append(pub.Citations, toPublicCitation(c))
	}
	return pub
}

func toPublicCitation(c model.Citation) Citation {
	return Citation{Source: c.Source, EvidenceID: c.EvidenceID, Excerpt: c.Excerpt}
}

func toPublicRun(r *model.Run) RunSummary {
	s := RunSummary{
		ID:          r.ID,
		Query:       r.Query,
		Phase:       string(r.Phase),
		Status:      string(r.Status),
		ReferenceID: r.ReferenceID,
		Response:    toPublicResponse(r.Response),
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
	if r.Error != nil {
		s.Error = &ErrorEvent{
			ReferenceID: r.ReferenceID,
			Code:        string(r.Error.Code),
			Message:     r.Error.Message,
		}
	}
	return s
}

// ── Extension point adapters ──────────────────────────────────────────────────

// toolAdapter wraps a public Tool as an internal tool.Tool.
type toolAdapter struct {
	t Tool
}

func (a *toolAdapter) Name() string           { return a.t.Name() }
func (a *toolAdapter) Description() string    { return a.t.Description() }
func (a *toolAdapter) Schema() map[string]any { return a.t.Schema() }

func (a *toolAdapter) Execute(ctx context.Context, input map[string]any) (*model.ToolOutput, error) {
	res, err := a.t.Execute(ctx, input)
	if err != nil {
		return nil, err
	}
	return &model.ToolOutput{Rows: res.Rows, Content: res.Content}, nil
}

// providerAdapter wraps a public EmbeddingProvider ([]float32-based) as an
// internal embedding.Provider (pgvector-based).
type providerAdapter struct {
	p EmbeddingProvider
}

func (a *providerAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vec, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(vec), nil
}

func (a *providerAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs, err := a.p.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]pgvector.Vector, len(vecs))
	for i, v := range vecs {
		out[i] = pgvector.NewVector(v)
	}
	return out, nil
}

func (a *providerAdapter) Dimensions() int { return a.p.Dimensions() }

// ── Helpers ───────────────────────────────────────────────────────────────────

func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	if cfg.OllamaURL != "" && cfg.OllamaModel != "" && ollamaReachable(cfg.OllamaURL) {
		logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
	}
	if cfg.GenerationAPIKey != "" {
		logger.Info("embedding provider: openai (auto-detected)", "model", cfg.OpenAIEmbeddingModel, "dimensions", dims)
		return embedding.NewOpenAIProvider(cfg.GenerationAPIKey, cfg.OpenAIEmbeddingModel, dims)
	}
	logger.Warn("no embedding provider available, using noop (semantic search degrades to text fallback)")
	return embedding.NewNoopProvider(dims)
}

func ollamaReachable(baseURL string) bool {
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(c, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func closeEarly(qdrantIndex *search.QdrantIndex, db *storage.DB, otelShutdown telemetry.Shutdown) {
	if qdrantIndex != nil {
		_ = qdrantIndex.Close()
	}
	db.Close(context.Background())
	_ = otelShutdown(context.Background())
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
