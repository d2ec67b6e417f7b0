package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ashita-ai/shindan/internal/model"
)

const classifySystem = `You classify incoming diagnostic queries for a log-analytics platform.
Read the user's query and respond with a JSON object:
{"intent": "<short intent label>", "time_window": "<requested window or empty>", "entities": ["<services, hosts, datasets mentioned>"], "valid": <bool>, "reason": "<why invalid, if invalid>"}
Mark the query invalid only when no diagnostic intent can be parsed from it.`

const planSystem = `You are the diagnosis planner for a log-analytics platform.
Given the query, current hypotheses, and gathered evidence, respond with a JSON object:
{"hypotheses": [{"statement": "...", "confidence": 0.0}], "tool_calls": [{"tool": "<name>", "input": {...}}], "confident": <bool>}
Request tool calls when more evidence is needed. Set "confident" true only when the hypotheses are well supported and ready for verification.
Available tools are listed in the request; never request a tool that is not listed.`

const verifySystem = `You verify whether gathered evidence answers the stated hypotheses.
Respond with a JSON object: {"sufficient": <bool>, "reason": "<what is missing or contradictory, if insufficient>"}
Evidence that is empty, contradictory, or consists only of tool failures is insufficient.`

const synthesizeSystem = `You write the final diagnostic response for a log-analytics platform.
Respond with a JSON object:
{"summary": "...", "findings": [{"title": "...", "description": "...", "severity": "info|warning|critical", "citations": [...]}], "recommendations": ["..."], "citations": [{"source": "...", "evidence_id": "<uuid from the evidence list>", "excerpt": "..."}], "confidence": 0.0}
Every finding must be backed by a citation into the gathered evidence. Use the exact evidence ids shown in the evidence list.`

const summarizeSystem = `Condense the following diagnostic evidence into a short digest that preserves error messages, counts, and identifiers. Respond with plain text.`

// OpenAIConfig configures the OpenAI-compatible generator.
type OpenAIConfig struct {
	// BaseURL overrides the API endpoint for compatible servers (Ollama,
	// vLLM). Empty means the OpenAI default.
	BaseURL string
	APIKey  string
	Model   string
}

// OpenAI implements Generator against any OpenAI-compatible chat
// completion endpoint.
type OpenAI struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAI creates the production generator.
func NewOpenAI(cfg OpenAIConfig, logger *slog.Logger) *OpenAI {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(clientConfig),
		model:  cfg.Model,
		logger: logger,
	}
}

// Classify implements Generator.
func (g *OpenAI) Classify(ctx context.Context, query string) (*Classification, Usage, error) {
	var out Classification
	usage, err := g.complete(ctx, classifySystem, query, &out)
	if err != nil {
		return nil, usage, err
	}
	return &out, usage, nil
}

// Plan implements Generator.
func (g *OpenAI) Plan(ctx context.Context, req PlanRequest) (*Decision, Usage, error) {
	payload := map[string]any{
		"query":      req.Query,
		"hypotheses": req.Hypotheses,
		"evidence":   evidenceDigest(req.Evidence),
		"tools":      req.Tools,
	}
	if req.Classification != nil {
		payload["classification"] = req.Classification
	}
	if req.Replan != "" {
		payload["replan_instruction"] = req.Replan
	}
	if req.Summarize {
		payload["budget_note"] = "token budget is near its ceiling; prefer concluding over requesting more tool output"
	}

	var out Decision
	usage, err := g.complete(ctx, planSystem, mustJSON(payload), &out)
	if err != nil {
		return nil, usage, err
	}
	return &out, usage, nil
}

// Verify implements Generator.
func (g *OpenAI) Verify(ctx context.Context, req VerifyRequest) (*Verdict, Usage, error) {
	payload := map[string]any{
		"query":      req.Query,
		"hypotheses": req.Hypotheses,
		"evidence":   evidenceDigest(req.Evidence),
	}
	var out Verdict
	usage, err := g.complete(ctx, verifySystem, mustJSON(payload), &out)
	if err != nil {
		return nil, usage, err
	}
	return &out, usage, nil
}

// Synthesize implements Generator, streaming raw fragments through
// onDelta while accumulating the structured response.
func (g *OpenAI) Synthesize(ctx context.Context, req SynthesizeRequest, onDelta func(delta string)) (*model.Response, Usage, error) {
	payload := map[string]any{
		"query":      req.Query,
		"hypotheses": req.Hypotheses,
		"evidence":   evidenceDigest(req.Evidence),
	}

	stream, err := g.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: synthesizeSystem},
			{Role: openai.ChatMessageRoleUser, Content: mustJSON(payload)},
		},
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, Usage{}, fmt.Errorf("generate: open synthesis stream: %w", err)
	}
	defer stream.Close()

	var buf strings.Builder
	var usage Usage
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, usage, fmt.Errorf("generate: synthesis stream: %w", err)
		}
		if resp.Usage != nil {
			usage = Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			buf.WriteString(delta)
			if onDelta != nil {
				onDelta(delta)
			}
		}
	}

	var out model.Response
	if err := json.Unmarshal([]byte(buf.String()), &out); err != nil {
		return nil, usage, fmt.Errorf("generate: decode synthesized response: %w", err)
	}
	return &out, usage, nil
}

// Summarize implements Generator.
func (g *OpenAI) Summarize(ctx context.Context, evidence []model.Evidence) (string, Usage, error) {
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: summarizeSystem},
			{Role: openai.ChatMessageRoleUser, Content: evidenceDigest(evidence)},
		},
	})
	if err != nil {
		return "", Usage{}, fmt.Errorf("generate: summarize: %w", err)
	}
	usage := Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	if len(resp.Choices) == 0 {
		return "", usage, errors.New("generate: summarize returned no choices")
	}
	return resp.Choices[0].Message.Content, usage, nil
}

func (g *OpenAI) complete(ctx context.Context, system, user string, out any) (Usage, error) {
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return Usage{}, fmt.Errorf("generate: chat completion: %w", err)
	}
	usage := Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	if len(resp.Choices) == 0 {
		return usage, errors.New("generate: completion returned no choices")
	}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), out); err != nil {
		return usage, fmt.Errorf("generate: decode completion: %w", err)
	}
	return usage, nil
}

// evidenceDigest renders evidence as compact lines for prompts. Evidence
// content is already bounded at creation, so the digest grows linearly
// with the number of items.
func evidenceDigest(evidence []model.Evidence) string {
	if len(evidence) == 0 {
		return "(no evidence gathered yet)"
	}
	var b strings.Builder
	for _, ev := range evidence {
		fmt.Fprintf(&b, "[%s] id=%s source=%s: %s\n", ev.Kind, ev.ID, ev.Source, ev.Content)
	}
	return b.String()
}

func mustJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}
