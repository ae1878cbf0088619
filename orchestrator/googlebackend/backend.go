/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package googlebackend adapts the Gemini API to the tool-calling loop.
// Gemini has no stop reason for tool use, so pending work is detected by the
// presence of FunctionCall parts; arguments arrive as structured maps, call
// ids are frequently absent, and results go back as FunctionResponse parts
// inside a user-role content.
package googlebackend

import (
	"context"
	"fmt"

	"chainguard.dev/toolbridge/mcphost/mcpconn"
	"chainguard.dev/toolbridge/metrics"
	"chainguard.dev/toolbridge/orchestrator"
	"chainguard.dev/toolbridge/retry"
	"google.golang.org/genai"
)

// Backend implements orchestrator.Backend against the Gemini API.
type Backend struct {
	client      *genai.Client
	retryConfig retry.Config
	rec         *metrics.Recorder
}

// Option configures a Backend.
type Option func(*Backend) error

// WithRetryConfig overrides retry behavior for transient API errors.
func WithRetryConfig(cfg retry.Config) Option {
	return func(b *Backend) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		b.retryConfig = cfg
		return nil
	}
}

// WithMetrics sets the metrics recorder shared with the rest of the process.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(b *Backend) error {
		b.rec = rec
		return nil
	}
}

// New builds a Gemini backend over an existing API client.
func New(client *genai.Client, opts ...Option) (*Backend, error) {
	if client == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}
	b := &Backend{
		client:      client,
		retryConfig: retry.Default(),
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, fmt.Errorf("applying option: %w", err)
		}
	}
	if b.rec == nil {
		b.rec = metrics.NewRecorder("chainguard.dev/toolbridge")
	}
	return b, nil
}

// Name implements orchestrator.Backend.
func (b *Backend) Name() string { return "google" }

// Send implements orchestrator.Backend.
func (b *Backend) Send(ctx context.Context, req orchestrator.Request) (*orchestrator.Reply, error) {
	config := &genai.GenerateContentConfig{}
	if system := systemText(req.Turns); system != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}
	if len(req.Tools) > 0 {
		config.Tools = []*genai.Tool{{
			FunctionDeclarations: declareTools(req.Tools),
		}}
	}
	contents := toContents(req.Turns)

	resp, err := retry.Do(ctx, b.retryConfig, "gemini.generate_content", isRetryableError, func() (*genai.GenerateContentResponse, error) {
		return b.client.Models.GenerateContent(ctx, req.Model, contents, config)
	})
	if err != nil {
		return nil, fmt.Errorf("gemini content: %w", err)
	}

	reply, err := parseResponse(resp)
	if err != nil {
		return nil, err
	}
	b.rec.RecordTokens(ctx, req.Model, reply.InputTokens, reply.OutputTokens)
	return reply, nil
}

// PendingToolUse implements orchestrator.Backend. Gemini finish reasons do
// not distinguish tool use, so presence of calls is the signal.
func (b *Backend) PendingToolUse(r *orchestrator.Reply) bool {
	return len(r.Calls) > 0
}

// ToolCalls implements orchestrator.Backend. Arguments are already
// structured; normalization synthesizes the ids Gemini omits.
func (b *Backend) ToolCalls(r *orchestrator.Reply) ([]orchestrator.ToolCallRequest, error) {
	return orchestrator.NormalizeCalls(r.Calls)
}

// FoldResults implements orchestrator.Backend. The folded turns carry the
// provider's original call ids (often empty) rather than the synthesized
// ones, so nothing the API never issued is echoed back to it. The raw reply
// is the source of truth for which ids the provider actually sent.
func (b *Backend) FoldResults(r *orchestrator.Reply, calls []orchestrator.ToolCallRequest, results []mcpconn.InvocationResult) []orchestrator.Turn {
	folded := make([]orchestrator.ToolCallRequest, len(calls))
	for i, call := range calls {
		folded[i] = call
		folded[i].ID = ""
		if i < len(r.Calls) {
			folded[i].ID = r.Calls[i].ID
		}
	}
	turns := []orchestrator.Turn{{
		Role:      orchestrator.RoleAssistant,
		Content:   r.Content,
		ToolCalls: folded,
	}}
	for i, res := range results {
		content := res.Content
		if !res.Success {
			content = res.Error
		}
		id := ""
		if i < len(r.Calls) {
			id = r.Calls[i].ID
		}
		turns = append(turns, orchestrator.Turn{
			Role:       orchestrator.RoleTool,
			Content:    content,
			ToolCallID: id,
			ToolName:   calls[i].Name,
			IsError:    !res.Success,
		})
	}
	return turns
}

// parseResponse reduces an API response to the neutral reply. A malformed
// function call finish is a protocol error: the model wanted a tool but the
// API could not parse what it asked for.
func parseResponse(resp *genai.GenerateContentResponse) (*orchestrator.Reply, error) {
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("%w: response has no candidates", orchestrator.ErrProtocol)
	}
	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonMalformedFunctionCall {
		return nil, fmt.Errorf("%w: malformed function call", orchestrator.ErrProtocol)
	}

	reply := &orchestrator.Reply{
		FinishReason: string(candidate.FinishReason),
	}
	if resp.UsageMetadata != nil {
		reply.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
		reply.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
	}
	if candidate.Content == nil {
		return reply, nil
	}
	for _, part := range candidate.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			reply.Calls = append(reply.Calls, orchestrator.RawToolCall{
				ID:   part.FunctionCall.ID,
				Name: part.FunctionCall.Name,
				Args: part.FunctionCall.Args,
			})
		case part.Text != "" && !part.Thought:
			if reply.Content != "" {
				reply.Content += "\n"
			}
			reply.Content += part.Text
		}
	}
	return reply, nil
}

func systemText(turns []orchestrator.Turn) string {
	system := ""
	for _, t := range turns {
		if t.Role != orchestrator.RoleSystem {
			continue
		}
		if system != "" {
			system += "\n\n"
		}
		system += t.Content
	}
	return system
}

// toContents marshals neutral turns into Gemini contents. Assistant turns
// use the "model" role; tool results go back as FunctionResponse parts in a
// user-role content, grouped so one round's results share a content.
func toContents(turns []orchestrator.Turn) []*genai.Content {
	var out []*genai.Content
	for i := 0; i < len(turns); i++ {
		t := turns[i]
		switch t.Role {
		case orchestrator.RoleSystem:
			// Lifted into SystemInstruction.
		case orchestrator.RoleUser:
			out = append(out, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: t.Content}},
			})
		case orchestrator.RoleAssistant:
			var parts []*genai.Part
			if t.Content != "" {
				parts = append(parts, &genai.Part{Text: t.Content})
			}
			for _, call := range t.ToolCalls {
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   call.ID,
						Name: call.Name,
						Args: call.Args,
					},
				})
			}
			out = append(out, &genai.Content{Role: "model", Parts: parts})
		case orchestrator.RoleTool:
			var parts []*genai.Part
			for ; i < len(turns) && turns[i].Role == orchestrator.RoleTool; i++ {
				key := "output"
				if turns[i].IsError {
					key = "error"
				}
				parts = append(parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{
						ID:       turns[i].ToolCallID,
						Name:     turns[i].ToolName,
						Response: map[string]any{key: turns[i].Content},
					},
				})
			}
			i--
			out = append(out, &genai.Content{Role: "user", Parts: parts})
		}
	}
	return out
}

// declareTools converts raw JSON-schema maps into Gemini declarations,
// which use a typed schema rather than raw JSON schema.
func declareTools(tools []mcpconn.ToolDescriptor) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, len(tools))
	for i, t := range tools {
		out[i] = &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schemaFromMap(t.InputSchema),
		}
	}
	return out
}
