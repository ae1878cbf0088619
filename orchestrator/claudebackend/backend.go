/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package claudebackend adapts the Anthropic Messages API to the
// tool-calling loop. Claude signals pending tool use with a "tool_use" stop
// reason, ships arguments as raw JSON on tool_use content blocks, and takes
// results back as tool_result blocks inside a user-role message.
package claudebackend

import (
	"context"
	"encoding/json"
	"fmt"

	"chainguard.dev/toolbridge/mcphost/mcpconn"
	"chainguard.dev/toolbridge/metrics"
	"chainguard.dev/toolbridge/orchestrator"
	"chainguard.dev/toolbridge/retry"
	"github.com/anthropics/anthropic-sdk-go"
)

// Backend implements orchestrator.Backend against the Anthropic API.
type Backend struct {
	client      anthropic.Client
	maxTokens   int64
	retryConfig retry.Config
	rec         *metrics.Recorder
}

// Option configures a Backend.
type Option func(*Backend) error

// WithMaxTokens overrides the response token budget.
func WithMaxTokens(n int64) Option {
	return func(b *Backend) error {
		if n <= 0 {
			return fmt.Errorf("max tokens must be positive, got %d", n)
		}
		b.maxTokens = n
		return nil
	}
}

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

// New builds a Claude backend over an existing API client.
func New(client anthropic.Client, opts ...Option) (*Backend, error) {
	b := &Backend{
		client:      client,
		maxTokens:   8192,
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
func (b *Backend) Name() string { return "claude" }

// Send implements orchestrator.Backend.
func (b *Backend) Send(ctx context.Context, req orchestrator.Request) (*orchestrator.Reply, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: b.maxTokens,
		Messages:  toMessages(req.Turns),
	}
	if system := systemText(req.Turns); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		params.Tools = declareTools(req.Tools)
	}

	resp, err := retry.Do(ctx, b.retryConfig, "claude.messages.new", isRetryableError, func() (*anthropic.Message, error) {
		return b.client.Messages.New(ctx, params)
	})
	if err != nil {
		return nil, fmt.Errorf("claude message: %w", err)
	}

	reply := parseMessage(resp)
	b.rec.RecordTokens(ctx, req.Model, reply.InputTokens, reply.OutputTokens)
	return reply, nil
}

// PendingToolUse implements orchestrator.Backend. Claude has an explicit
// stop reason for tool use.
func (b *Backend) PendingToolUse(r *orchestrator.Reply) bool {
	return r.FinishReason == "tool_use"
}

// ToolCalls implements orchestrator.Backend.
func (b *Backend) ToolCalls(r *orchestrator.Reply) ([]orchestrator.ToolCallRequest, error) {
	return orchestrator.NormalizeCalls(r.Calls)
}

// FoldResults implements orchestrator.Backend. Results become tool turns
// correlated by tool_use id; toMessages later collapses consecutive tool
// turns into the single user message the API requires.
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

// parseMessage reduces an API response to the neutral reply.
func parseMessage(resp *anthropic.Message) *orchestrator.Reply {
	reply := &orchestrator.Reply{
		FinishReason: string(resp.StopReason),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			if reply.Content != "" {
				reply.Content += "\n"
			}
			reply.Content += block.Text
		case "tool_use":
			reply.Calls = append(reply.Calls, orchestrator.RawToolCall{
				ID:       block.ID,
				Name:     block.Name,
				ArgsJSON: string(block.Input),
			})
		}
	}
	return reply
}

// systemText joins the system turns; Claude takes them as a top-level
// parameter rather than a message.
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

// declareTools converts raw JSON-schema maps into Claude tool declarations.
// The param type only models properties and required; every other top-level
// schema keyword rides along as extra fields so the declaration the server
// published survives intact.
func declareTools(tools []mcpconn.ToolDescriptor) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, t := range tools {
		props, _ := t.InputSchema["properties"].(map[string]interface{})
		if props == nil {
			props = map[string]interface{}{}
		}
		var required []string
		if req, ok := t.InputSchema["required"].([]interface{}); ok {
			for _, r := range req {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
		}
		if req, ok := t.InputSchema["required"].([]string); ok {
			required = req
		}
		schema := anthropic.ToolInputSchemaParam{
			Properties: props,
			Required:   required,
		}
		extra := map[string]any{}
		for k, v := range t.InputSchema {
			switch k {
			case "type", "properties", "required":
			default:
				extra[k] = v
			}
		}
		if len(extra) > 0 {
			schema.ExtraFields = extra
		}
		out[i] = anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: schema,
			},
		}
	}
	return out
}

// toMessages marshals neutral turns into the API message shape. Tool turns
// must land in user-role messages, and all results for one assistant turn
// belong in the same message, so consecutive tool turns are grouped.
func toMessages(turns []orchestrator.Turn) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for i := 0; i < len(turns); i++ {
		t := turns[i]
		switch t.Role {
		case orchestrator.RoleSystem:
			// Lifted into the System parameter.
		case orchestrator.RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(t.Content)))
		case orchestrator.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if t.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(t.Content))
			}
			for _, call := range t.ToolCalls {
				input, err := json.Marshal(call.Args)
				if err != nil {
					input = []byte("{}")
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    call.ID,
						Name:  call.Name,
						Input: json.RawMessage(input),
					},
				})
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		case orchestrator.RoleTool:
			var blocks []anthropic.ContentBlockParamUnion
			for ; i < len(turns) && turns[i].Role == orchestrator.RoleTool; i++ {
				blocks = append(blocks, anthropic.NewToolResultBlock(
					turns[i].ToolCallID, turns[i].Content, turns[i].IsError))
			}
			i--
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}
