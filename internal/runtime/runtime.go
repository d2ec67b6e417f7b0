// Package runtime executes tool invocations under the safety policy.
//
// Every invocation request produces exactly one ToolInvocation record,
// including requests that never reach the tool (schema violations and
// policy denials). The runtime owns the policy timeout, output caps,
// redaction of recorded input and output, and per-invocation metrics.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/shindan/internal/budget"
	"github.com/ashita-ai/shindan/internal/model"
	"github.com/ashita-ai/shindan/internal/policy"
	"github.com/ashita-ai/shindan/internal/redact"
	"github.com/ashita-ai/shindan/internal/tool"
)

// DefaultCostPerToken prices tool output for the cost_estimate field.
// Coarse by design; billing-grade accounting lives upstream.
const DefaultCostPerToken = 0.000002

// Runtime dispatches tool invocations. Safe for concurrent use; one
// instance is shared across all runs.
type Runtime struct {
	registry     *tool.Registry
	policies     *policy.Set
	logger       *slog.Logger
	gracePeriod  time.Duration
	costPerToken float64

	invocations metric.Int64Counter
	duration    metric.Float64Histogram
}

// New creates a runtime. gracePeriod is how long an in-flight tool may
// keep running after the surrounding run is cancelled.
func New(registry *tool.Registry, policies *policy.Set, logger *slog.Logger, gracePeriod time.Duration) *Runtime {
	meter := otel.Meter("shindan/runtime")
	invocations, _ := meter.Int64Counter("shindan.tool.invocations",
		metric.WithDescription("Tool invocations by tool and terminal status"))
	duration, _ := meter.Float64Histogram("shindan.tool.duration",
		metric.WithDescription("Tool execution duration"),
		metric.WithUnit("ms"))

	return &Runtime{
		registry:     registry,
		policies:     policies,
		logger:       logger,
		gracePeriod:  gracePeriod,
		costPerToken: DefaultCostPerToken,
		invocations:  invocations,
		duration:     duration,
	}
}

type execResult struct {
	output *model.ToolOutput
	err    error
}

// Execute runs one prepared invocation end to end: schema validation,
// policy checks, execution under the policy timeout, output capping, and
// redaction. The invocation is always terminal on return. A non-nil
// error with a local taxonomy code means the invocation failed but the
// run continues.
func (r *Runtime) Execute(ctx context.Context, inv *model.ToolInvocation) error {
	pol := r.policies.For(inv.ToolName)

	t, ok := r.registry.Get(inv.ToolName)
	if !ok {
		return r.reject(ctx, inv, pol, model.InvocationFailed,
			model.NewRunError(model.CodeSchemaViolation, "tool %s is not registered", inv.ToolName))
	}

	if err := r.registry.ValidateInput(inv.ToolName, inv.Input); err != nil {
		return r.reject(ctx, inv, pol, model.InvocationFailed,
			model.NewRunError(model.CodeSchemaViolation, "%s", err.Error()))
	}

	if v := pol.CheckInput(inv.Input); v != nil {
		return r.reject(ctx, inv, pol, model.InvocationDenied,
			model.NewRunError(model.CodePolicyDenied, "tool %s: field %q: %s", inv.ToolName, v.Field, v.Reason))
	}

	if pol.Audit.LogInput {
		r.logger.InfoContext(ctx, "tool invocation started",
			"run_id", inv.RunID, "tool", inv.ToolName,
			"input", redact.Fields(pol.Audit.RedactFields, inv.Input))
	}

	// The tool runs detached from the run's context so a cancelled run can
	// still grant the grace period. The policy timeout always applies.
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pol.Timeout())
	defer cancel()

	done := make(chan execResult, 1)
	go func() {
		out, err := t.Execute(execCtx, inv.Input)
		done <- execResult{output: out, err: err}
	}()

	var res execResult
	select {
	case res = <-done:
	case <-ctx.Done():
		grace := time.NewTimer(r.gracePeriod)
		defer grace.Stop()
		select {
		case res = <-done:
		case <-grace.C:
			cancel()
			return r.finish(ctx, inv, pol, model.InvocationTimedOut, nil,
				model.NewRunError(model.CodeCancelled, "tool %s abandoned after cancellation grace period", inv.ToolName))
		}
	}

	if res.err != nil {
		if errors.Is(res.err, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return r.finish(ctx, inv, pol, model.InvocationTimedOut, nil,
				model.NewRunError(model.CodeToolTimeout, "tool %s exceeded %s timeout", inv.ToolName, pol.Timeout()))
		}
		// Plain tool errors are local: recorded, surfaced as failure
		// evidence, and the run re-plans around them.
		return r.finish(ctx, inv, pol, model.InvocationFailed, nil, res.err)
	}

	output := capOutput(res.output, pol)
	output.Rows = redact.Rows(pol.Audit.RedactFields, output.Rows)
	return r.finish(ctx, inv, pol, model.InvocationSucceeded, output, nil)
}

// reject finalizes an invocation that never reached the tool.
func (r *Runtime) reject(ctx context.Context, inv *model.ToolInvocation, pol *policy.Policy, status model.InvocationStatus, runErr *model.RunError) error {
	return r.finish(ctx, inv, pol, status, nil, runErr)
}

func (r *Runtime) finish(ctx context.Context, inv *model.ToolInvocation, pol *policy.Policy, status model.InvocationStatus, output *model.ToolOutput, execErr error) error {
	errMsg := ""
	if execErr != nil {
		errMsg = execErr.Error()
	}
	inv.Output = output
	inv.Complete(status, errMsg)
	inv.Input = redact.Fields(pol.Audit.RedactFields, inv.Input)
	inv.TokenEstimate = estimateOutput(output)
	inv.CostEstimate = float64(inv.TokenEstimate) * r.costPerToken

	attrs := metric.WithAttributes(
		attribute.String("tool", inv.ToolName),
		attribute.String("status", string(status)),
	)
	r.invocations.Add(ctx, 1, attrs)
	r.duration.Record(ctx, float64(inv.DurationMs), attrs)

	switch {
	case execErr != nil:
		code := model.ErrorCode("")
		var runErr *model.RunError
		if errors.As(execErr, &runErr) {
			code = runErr.Code
		}
		r.logger.WarnContext(ctx, "tool invocation failed",
			"run_id", inv.RunID, "tool", inv.ToolName, "status", status,
			"code", code, "error", errMsg, "duration_ms", inv.DurationMs)
		return execErr
	case pol.Audit.LogOutput:
		r.logger.InfoContext(ctx, "tool invocation succeeded",
			"run_id", inv.RunID, "tool", inv.ToolName,
			"rows", len(output.Rows), "truncated", output.Truncated,
			"token_estimate", inv.TokenEstimate, "duration_ms", inv.DurationMs)
	}
	return nil
}

// capOutput enforces the policy's row and byte caps, marking the output
// truncated when anything was cut.
func capOutput(out *model.ToolOutput, pol *policy.Policy) *model.ToolOutput {
	if out == nil {
		return &model.ToolOutput{}
	}
	capped := *out

	if len(capped.Rows) > pol.MaxOutputRows {
		capped.Rows = capped.Rows[:pol.MaxOutputRows]
		capped.Truncated = true
	}
	if len(capped.Content) > pol.MaxBytes {
		capped.Content = model.TruncateUTF8(capped.Content, pol.MaxBytes)
		capped.Truncated = true
	}

	// Rows are capped by serialized size too, dropping from the tail until
	// the payload fits.
	for len(capped.Rows) > 0 {
		raw, err := json.Marshal(capped.Rows)
		if err != nil || len(raw) <= pol.MaxBytes {
			break
		}
		capped.Rows = capped.Rows[:len(capped.Rows)-1]
		capped.Truncated = true
	}

	return &capped
}

func estimateOutput(out *model.ToolOutput) int {
	if out == nil {
		return 0
	}
	total := budget.Estimate(out.Content)
	if len(out.Rows) > 0 {
		if raw, err := json.Marshal(out.Rows); err == nil {
			total += budget.Estimate(string(raw))
		}
	}
	return total
}
