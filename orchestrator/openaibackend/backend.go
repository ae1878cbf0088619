/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package openaibackend adapts the OpenAI Chat Completions API to the
// tool-calling loop. OpenAI signals pending tool use with a "tool_calls"
// finish reason (legacy models say "function_call"), ships arguments as a
// JSON string per call, and takes results back as tool-role messages
// correlated by call id.
package openaibackend

import (
	"context"
	"encoding/json"
	"fmt"

	"chainguard.dev/toolbridge/mcphost/mcpconn"
	"chainguard.dev/toolbridge/metrics"
	"chainguard.dev/toolbridge/orchestrator"
	"chainguard.dev/toolbridge/retry"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"
)

// Backend implements orchestrator.Backend against the OpenAI API or any
// OpenAI-compatible endpoint.
type Backend struct {
	client      openai.Client
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

// New builds an OpenAI backend over an existing API client.
func New(client openai.Client, opts ...Option) (*Backend, error) {
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
func (b *Backend) Name() string { return "openai" }

// Send implements orchestrator.Backend.
func (b *Backend) Send(ctx context.Context, req orchestrator.Request) (*orchestrator.Reply, error) {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: toMessages(req.Turns),
	}
	if len(req.Tools) > 0 {
		params.Tools = declareTools(req.Tools)
	}

	resp, err := retry.Do(ctx, b.retryConfig, "openai.chat.completions.new", isRetryableError, func() (*openai.ChatCompletion, error) {
		return b.client.Chat.Completions.New(ctx, params)
	})
	if err != nil {
		return nil, fmt.Errorf("openai completion: %w", err)
	}

	reply, err := parseCompletion(resp)
	if err != nil {
		return nil, err
	}
	b.rec.RecordTokens(ctx, req.Model, reply.InputTokens, reply.OutputTokens)
	return reply, nil
}

// PendingToolUse implements orchestrator.Backend.
func (b *Backend) PendingToolUse(r *orchestrator.Reply) bool {
	return r.FinishReason == "tool_calls" || r.FinishReason == "function_call"
}

// ToolCalls implements orchestrator.Backend. OpenAI arguments arrive as
// JSON strings; normalization parses them.
func (b *Backend) ToolCalls(r *orchestrator.Reply) ([]orchestrator.ToolCallRequest, error) {
	return orchestrator.NormalizeCalls(r.Calls)
}

// FoldResults implements orchestrator.Backend. Each result becomes its own
// tool-role message carrying the originating call id.
func (b *Backend) FoldResults(r *orchestrator.Reply, calls []orchestrator.ToolCallRequest, results []mcpconn.InvocationResult) []orchestrator.Turn {
	turns := []orchestrator.Turn{{
		Role:      orchestrator.RoleAssistant,
		Content:   r.Content,
		ToolCalls: calls,
	}}
	for i, res := range results {
		content := res.Content
		if !res.Success {
			content = res.Error
		}
		turns = append(turns, orchestrator.Turn{
			Role:       orchestrator.RoleTool,
			Content:    content,
			ToolCallID: calls[i].ID,
			ToolName:   calls[i].Name,
			IsError:    !res.Success,
		})
	}
	return turns
}

// parseCompletion reduces an API response to the neutral reply.
func parseCompletion(resp *openai.ChatCompletion) (*orchestrator.Reply, error) {
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: completion has no choices", orchestrator.ErrProtocol)
	}
	choice := resp.Choices[0]
	reply := &orchestrator.Reply{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	for _, tc := range choice.Message.ToolCalls {
		reply.Calls = append(reply.Calls, orchestrator.RawToolCall{
			ID:       tc.ID,
			Name:     tc.Function.Name,
			ArgsJSON: tc.Function.Arguments,
		})
	}
	return reply, nil
}

// declareTools converts raw JSON-schema maps into OpenAI tool declarations.
// OpenAI takes the schema map verbatim as the function parameters.
func declareTools(tools []mcpconn.ToolDescriptor) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, len(tools))
	for i, t := range tools {
		params := t.InputSchema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  shared.FunctionParameters(params),
			},
		}
	}
	return out
}

// toMessages marshals neutral turns into the API message shape. Assistant
// tool calls re-serialize their normalized arguments back to JSON strings.
func toMessages(turns []orchestrator.Turn) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case orchestrator.RoleSystem:
			out = append(out, openai.SystemMessage(t.Content))
		case orchestrator.RoleUser:
			out = append(out, openai.UserMessage(t.Content))
		case orchestrator.RoleTool:
			out = append(out, openai.ToolMessage(t.Content, t.ToolCallID))
		case orchestrator.RoleAssistant:
			asst := openai.ChatCompletionAssistantMessageParam{}
			if t.Content != "" {
				asst.Content.OfString = openai.String(t.Content)
			}
			if len(t.ToolCalls) > 0 {
				asst.ToolCalls = make([]openai.ChatCompletionMessageToolCallParam, len(t.ToolCalls))
				for i, call := range t.ToolCalls {
					args, err := json.Marshal(call.Args)
					if err != nil {
						args = []byte("{}")
					}
					asst.ToolCalls[i] = openai.ChatCompletionMessageToolCallParam{
						ID: call.ID,
						Function: openai.ChatCompletionMessageToolCallFunctionParam{
							Name:      call.Name,
							Arguments: string(args),
						},
					}
				}
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		}
	}
	return out
}
