// Package orchestrator drives diagnostic runs through their phases:
// ingress, diagnose, verify, optimize, persist. The controller owns all
// mutation of a live Run, the verify retry bound, the tool sub-loop, and
// the ordered event stream surfaced to callers.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/shindan/internal/budget"
	"github.com/ashita-ai/shindan/internal/checkpoint"
	"github.com/ashita-ai/shindan/internal/generate"
	"github.com/ashita-ai/shindan/internal/model"
	"github.com/ashita-ai/shindan/internal/runtime"
	"github.com/ashita-ai/shindan/internal/tool"
)

// AuditSink receives terminal runs for asynchronous persistence. Enqueue
// must never block the caller.
type AuditSink interface {
	Enqueue(run *model.Run)
}

// Config tunes the controller. Zero values fall back to defaults.
type Config struct {
	// BudgetMax is the per-run token ceiling.
	BudgetMax int
	// SummarizeThreshold is the budget fraction past which the planner is
	// steered toward summarization.
	SummarizeThreshold float64
	// VerifyRetries bounds Verify→Diagnose loop-backs before the run fails
	// with insufficient evidence.
	VerifyRetries int
	// CheckpointEvery saves a checkpoint every N tool sub-loop iterations,
	// in addition to phase boundaries.
	CheckpointEvery int
	// RunTimeout is the wall-clock ceiling for a whole run. Zero disables it.
	RunTimeout time.Duration
}

const (
	defaultBudgetMax          = 32000
	defaultSummarizeThreshold = 0.8
	defaultVerifyRetries      = 3
	defaultCheckpointEvery    = 5
)

func (c *Config) withDefaults() {
	if c.BudgetMax <= 0 {
		c.BudgetMax = defaultBudgetMax
	}
	if c.SummarizeThreshold <= 0 {
		c.SummarizeThreshold = defaultSummarizeThreshold
	}
	if c.VerifyRetries <= 0 {
		c.VerifyRetries = defaultVerifyRetries
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = defaultCheckpointEvery
	}
}

// Controller runs the phase state machine. One controller serves many
// concurrent runs; all per-run state lives in the session.
type Controller struct {
	gen         generate.Generator
	rt          *runtime.Runtime
	registry    *tool.Registry
	checkpoints *checkpoint.Manager
	audit       AuditSink
	logger      *slog.Logger
	cfg         Config
}

// New creates a controller. checkpoints and audit may be nil, which
// disables checkpointing and persistence respectively.
func New(gen generate.Generator, rt *runtime.Runtime, registry *tool.Registry, checkpoints *checkpoint.Manager, audit AuditSink, logger *slog.Logger, cfg Config) *Controller {
	cfg.withDefaults()
	return &Controller{
		gen:         gen,
		rt:          rt,
		registry:    registry,
		checkpoints: checkpoints,
		audit:       audit,
		logger:      logger,
		cfg:         cfg,
	}
}

// session is the mutable state of one run while it is being driven.
type session struct {
	run     *model.Run
	bm      *budget.Manager
	em      *emitter
	class   *generate.Classification
	replan  string
	summary string
	// steps counts tool sub-loop iterations for checkpoint cadence.
	steps int
}

// Start begins a new run for the query and returns its event stream. The
// stream always terminates with exactly one done or error event.
func (c *Controller) Start(ctx context.Context, query string) <-chan model.Event {
	run := model.NewRun(query, c.cfg.BudgetMax)
	s := &session{
		run: run,
		bm:  budget.NewManager(c.cfg.BudgetMax, c.cfg.SummarizeThreshold),
		em:  newEmitter(run.ID),
	}
	go c.drive(ctx, s)
	return s.em.Events()
}

// Resume reconstructs a run from a checkpoint and continues driving it
// from the captured phase.
func (c *Controller) Resume(ctx context.Context, checkpointID uuid.UUID) (<-chan model.Event, error) {
	if c.checkpoints == nil {
		return nil, errors.New("orchestrator: checkpointing is not configured")
	}
	run, cp, err := c.checkpoints.Restore(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, errors.New("orchestrator: checkpointed run already reached a terminal status")
	}
	c.logger.Info("resuming run from checkpoint",
		"run_id", run.ID, "checkpoint_id", cp.ID, "phase", run.Phase)

	s := &session{
		run: run,
		bm:  budget.Resume(run.Budget, c.cfg.SummarizeThreshold),
		em:  newEmitter(run.ID),
	}
	go c.drive(ctx, s)
	return s.em.Events(), nil
}

func (c *Controller) drive(ctx context.Context, s *session) {
	if c.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RunTimeout)
		defer cancel()
	}
	s.em.sessionStarted(s.run.Phase)

	for !s.run.Status.Terminal() {
		if ctx.Err() != nil {
			c.terminate(ctx, s, model.NewRunError(model.CodeCancelled, "run cancelled: %v", context.Cause(ctx)))
			return
		}

		var err error
		switch s.run.Phase {
		case model.PhaseIngress:
			err = c.ingress(ctx, s)
		case model.PhaseDiagnose:
			err = c.diagnose(ctx, s)
		case model.PhaseVerify:
			err = c.verify(ctx, s)
		case model.PhaseOptimize:
			err = c.optimize(ctx, s)
		case model.PhasePersist:
			c.persist(s)
			return
		default:
			err = model.NewRunError(model.CodeUpstreamGeneration, "run in unexpected phase %s", s.run.Phase)
		}
		if err != nil {
			c.terminate(ctx, s, err)
			return
		}
	}
}

// ingress validates and classifies the query. An unparseable query fails
// the run closed; the rejection reaches the caller on the error event.
func (c *Controller) ingress(ctx context.Context, s *session) error {
	if _, err := s.bm.Reserve(budget.Estimate(s.run.Query)); err != nil {
		return err
	}
	class, usage, err := c.gen.Classify(ctx, s.run.Query)
	if err != nil {
		return upstreamErr(ctx, err, "classify query")
	}
	c.recordUsage(s, usage)

	if !class.Valid {
		return model.NewRunError(model.CodeInsufficientEvidence, "query rejected: %s", class.Reason)
	}
	s.class = class
	s.run.Phase = model.PhaseDiagnose
	return nil
}

// diagnose runs one planning step. Requested tool calls always execute
// before any phase advance; evidence must be materialized before the
// phase can be judged complete.
func (c *Controller) diagnose(ctx context.Context, s *session) error {
	if _, err := s.bm.Reserve(c.promptEstimate(s)); err != nil {
		return err
	}
	decision, usage, err := c.gen.Plan(ctx, generate.PlanRequest{
		Query:          s.run.Query,
		Classification: s.class,
		Hypotheses:     s.run.Hypotheses,
		Evidence:       c.visibleEvidence(s),
		Tools:          c.registry.Catalog(),
		Replan:         s.replan,
		Summarize:      s.run.Budget.ShouldSummarize,
	})
	if err != nil {
		return upstreamErr(ctx, err, "plan diagnosis")
	}
	c.recordUsage(s, usage)
	s.replan = ""
	if len(decision.Hypotheses) > 0 {
		s.run.Hypotheses = decision.Hypotheses
	}

	if len(decision.ToolCalls) > 0 {
		if err := c.executeTools(ctx, s, decision.ToolCalls); err != nil {
			return err
		}
		s.steps++
		if s.steps%c.cfg.CheckpointEvery == 0 {
			c.saveCheckpoint(ctx, s)
		}
		return nil
	}

	s.run.Phase = model.PhaseVerify
	c.saveCheckpoint(ctx, s)
	return nil
}

// executeTools runs a batch of requested tool calls in parallel. Results
// are appended in completion order. Local failures become tool_failure
// evidence; only fatal errors (budget, cancellation) abort the run.
func (c *Controller) executeTools(ctx context.Context, s *session, calls []generate.ToolCallRequest) error {
	type result struct {
		inv *model.ToolInvocation
		err error
	}
	results := make(chan result, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	for _, call := range calls {
		inv := model.NewToolInvocation(s.run.ID, call.Tool, call.Input)
		s.em.toolStarted(s.run.Phase, inv)
		g.Go(func() error {
			execErr := c.rt.Execute(gctx, inv)
			results <- result{inv: inv, err: execErr}
			if isFatal(execErr) {
				return execErr
			}
			return nil
		})
	}
	groupDone := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(groupDone)
	}()

	var fatal error
	for range calls {
		res := <-results
		inv := res.inv
		s.run.AppendToolCall(*inv)
		s.em.toolFinished(s.run.Phase, inv)

		switch {
		case isFatal(res.err):
			if fatal == nil {
				fatal = res.err
			}
		case res.err != nil:
			s.run.AppendEvidence(model.NewEvidence(
				s.run.ID, model.EvidenceToolFailure, inv.ToolName, res.err.Error(), 0, &inv.ID))
		default:
			if _, err := s.bm.Reserve(inv.TokenEstimate); err != nil {
				if fatal == nil {
					fatal = err
				}
				continue
			}
			snap, _ := s.bm.RecordActual(inv.TokenEstimate, 0)
			s.run.Budget = snap
			s.em.tokenUsage(s.run.Phase, snap)
			s.run.AppendEvidence(model.NewEvidence(
				s.run.ID, model.EvidenceToolOutput, inv.ToolName, outputContent(inv.Output), 0.5, &inv.ID))
		}
	}
	<-groupDone
	return fatal
}

// verify judges whether the gathered evidence answers the hypotheses.
// Insufficiency loops back to diagnose with a re-planning instruction
// until the retry bound is hit.
func (c *Controller) verify(ctx context.Context, s *session) error {
	insufficient := false
	reason := ""

	if len(usableEvidence(s.run.Evidence)) == 0 {
		insufficient = true
		reason = "no usable evidence gathered"
	} else {
		if _, err := s.bm.Reserve(c.promptEstimate(s)); err != nil {
			return err
		}
		verdict, usage, err := c.gen.Verify(ctx, generate.VerifyRequest{
			Query:      s.run.Query,
			Hypotheses: s.run.Hypotheses,
			Evidence:   c.visibleEvidence(s),
		})
		if err != nil {
			return upstreamErr(ctx, err, "verify evidence")
		}
		c.recordUsage(s, usage)
		insufficient = !verdict.Sufficient
		reason = verdict.Reason
	}

	if insufficient {
		s.run.VerifyRetries++
		if s.run.VerifyRetries >= c.cfg.VerifyRetries {
			// Partial evidence stays attached to the run so the caller can
			// see what was tried.
			return model.NewRunError(model.CodeInsufficientEvidence,
				"evidence insufficient after %d verification attempts: %s", s.run.VerifyRetries, reason)
		}
		c.logger.Info("verification looping back to diagnosis",
			"run_id", s.run.ID, "retry", s.run.VerifyRetries, "reason", reason)
		s.replan = reason
		s.run.Phase = model.PhaseDiagnose
		return nil
	}

	s.run.Phase = model.PhaseOptimize
	c.saveCheckpoint(ctx, s)
	return nil
}

// optimize synthesizes the final structured response, streaming deltas as
// they arrive. When the budget latched should_summarize, evidence is
// condensed first so synthesis fits the remaining headroom.
func (c *Controller) optimize(ctx context.Context, s *session) error {
	if s.run.Budget.ShouldSummarize && s.summary == "" {
		if _, err := s.bm.Reserve(c.promptEstimate(s)); err != nil {
			return err
		}
		summary, usage, err := c.gen.Summarize(ctx, s.run.Evidence)
		if err != nil {
			return upstreamErr(ctx, err, "summarize evidence")
		}
		c.recordUsage(s, usage)
		s.summary = summary
	}

	if _, err := s.bm.Reserve(c.promptEstimate(s)); err != nil {
		return err
	}
	resp, usage, err := c.gen.Synthesize(ctx, generate.SynthesizeRequest{
		Query:      s.run.Query,
		Hypotheses: s.run.Hypotheses,
		Evidence:   c.visibleEvidence(s),
	}, func(delta string) {
		s.em.delta(model.PhaseOptimize, delta)
	})
	if err != nil {
		return upstreamErr(ctx, err, "synthesize response")
	}
	c.recordUsage(s, usage)

	s.run.Response = resp
	for _, cit := range resp.Citations {
		s.em.citation(model.PhaseOptimize, cit)
	}
	s.run.Phase = model.PhasePersist
	c.saveCheckpoint(ctx, s)
	return nil
}

// persist hands the completed run to the audit writer and emits the
// terminal done event. The hand-off never blocks.
func (c *Controller) persist(s *session) {
	s.run.Finish(model.RunStatusCompleted, nil)
	if c.audit != nil {
		c.audit.Enqueue(s.run)
	}
	s.em.done(s.run)
	c.logger.Info("run completed",
		"run_id", s.run.ID, "reference_id", s.run.ReferenceID,
		"tokens", s.run.Budget.TotalTokens, "tool_calls", len(s.run.ToolCalls))
}

// terminate finalizes a failed or cancelled run. Partial evidence stays
// on the record, and the run still flows through the audit writer.
func (c *Controller) terminate(ctx context.Context, s *session, err error) {
	var runErr *model.RunError
	if !errors.As(err, &runErr) {
		runErr = model.NewRunError(model.CodeUpstreamGeneration, "%s", err.Error())
	}
	if ctx.Err() != nil && runErr.Code != model.CodeBudgetExceeded {
		runErr = model.NewRunError(model.CodeCancelled, "run cancelled: %s", runErr.Message)
	}

	if runErr.Code == model.CodeCancelled {
		s.run.Finish(model.RunStatusCancelled, runErr)
	} else {
		s.run.Finish(model.RunStatusFailed, runErr)
	}
	if c.audit != nil {
		c.audit.Enqueue(s.run)
	}
	s.em.fail(s.run, runErr)
	c.logger.Warn("run terminated",
		"run_id", s.run.ID, "reference_id", s.run.ReferenceID,
		"status", s.run.Status, "code", runErr.Code, "error", runErr.Message)
}

func (c *Controller) saveCheckpoint(ctx context.Context, s *session) {
	if c.checkpoints == nil {
		return
	}
	cp, err := c.checkpoints.Save(ctx, s.run)
	if err != nil {
		c.logger.Warn("checkpoint save skipped", "run_id", s.run.ID, "error", err)
		return
	}
	s.em.checkpointSaved(s.run.Phase, cp)
}

func (c *Controller) recordUsage(s *session, u generate.Usage) {
	snap, warn := s.bm.RecordActual(u.PromptTokens, u.CompletionTokens)
	s.run.Budget = snap
	s.em.tokenUsage(s.run.Phase, snap)
	if warn {
		c.logger.Warn("token budget nearing ceiling",
			"run_id", s.run.ID, "total_tokens", snap.TotalTokens, "budget_max", snap.BudgetMax)
	}
}

// promptEstimate approximates the token cost of the next model call from
// the query and the evidence that will be included in the prompt.
func (c *Controller) promptEstimate(s *session) int {
	total := budget.Estimate(s.run.Query)
	for _, ev := range c.visibleEvidence(s) {
		total += budget.Estimate(ev.Content)
	}
	if total == 0 {
		total = 1
	}
	return total
}

// visibleEvidence is what the model sees: the condensed digest once the
// run summarized, the raw evidence stream otherwise. The run's own
// evidence list is never replaced.
func (c *Controller) visibleEvidence(s *session) []model.Evidence {
	if s.summary == "" {
		return s.run.Evidence
	}
	return []model.Evidence{
		model.NewEvidence(s.run.ID, model.EvidenceRetrieval, "summarizer", s.summary, 1, nil),
	}
}

func usableEvidence(evidence []model.Evidence) []model.Evidence {
	var out []model.Evidence
	for _, ev := range evidence {
		if ev.Kind != model.EvidenceToolFailure {
			out = append(out, ev)
		}
	}
	return out
}

func outputContent(out *model.ToolOutput) string {
	if out == nil {
		return ""
	}
	if out.Content != "" {
		return out.Content
	}
	if len(out.Rows) == 0 {
		return ""
	}
	raw, err := json.Marshal(out.Rows)
	if err != nil {
		return ""
	}
	return string(raw)
}

func isFatal(err error) bool {
	var runErr *model.RunError
	return errors.As(err, &runErr) && runErr.Code.Fatal()
}

func upstreamErr(ctx context.Context, err error, op string) error {
	if ctx.Err() != nil {
		return model.NewRunError(model.CodeCancelled, "%s interrupted: %v", op, context.Cause(ctx))
	}
	return model.NewRunError(model.CodeUpstreamGeneration, "%s: %v", op, err)
}
