/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package ollamabackend adapts the Ollama native chat API to the
// tool-calling loop. Ollama has no Go SDK worth the dependency, so this
// speaks the /api/chat wire format directly: structured map arguments in
// both directions, no call ids, tool results correlated by tool name, and a
// done reason that never distinguishes tool use from a final answer.
package ollamabackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chainguard.dev/toolbridge/mcphost/mcpconn"
	"chainguard.dev/toolbridge/metrics"
	"chainguard.dev/toolbridge/orchestrator"
	"chainguard.dev/toolbridge/retry"
)

// DefaultBaseURL is the local Ollama daemon address.
const DefaultBaseURL = "http://localhost:11434"

// Backend implements orchestrator.Backend against an Ollama daemon.
type Backend struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config
	rec         *metrics.Recorder
}

// Option configures a Backend.
type Option func(*Backend) error

// WithHTTPClient overrides the HTTP client, primarily for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) error {
		if c == nil {
			return fmt.Errorf("http client cannot be nil")
		}
		b.httpClient = c
		return nil
	}
}

// WithRetryConfig overrides retry behavior for transient daemon errors.
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

// New builds an Ollama backend. An empty baseURL means the local daemon.
func New(baseURL string, opts ...Option) (*Backend, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	b := &Backend{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: 120 * time.Second},
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
func (b *Backend) Name() string { return "ollama" }

// Wire format for /api/chat. Streaming stays off so a request maps to one
// response document.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Tools    []toolDef     `json:"tools,omitempty"`
}

type chatMessage struct {
	Role      string        `json:"role"`
	Content   string        `json:"content"`
	Name      string        `json:"name,omitempty"`
	ToolCalls []toolCallMsg `json:"tool_calls,omitempty"`
}

type toolCallMsg struct {
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type toolDef struct {
	Type     string      `json:"type"`
	Function functionDef `json:"function"`
}

type functionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type chatResponse struct {
	Message         chatMessage `json:"message"`
	DoneReason      string      `json:"done_reason"`
	PromptEvalCount int64       `json:"prompt_eval_count"`
	EvalCount       int64       `json:"eval_count"`
}

// Send implements orchestrator.Backend.
func (b *Backend) Send(ctx context.Context, req orchestrator.Request) (*orchestrator.Reply, error) {
	payload := chatRequest{
		Model:    req.Model,
		Messages: toMessages(req.Turns),
		Stream:   false,
	}
	if len(req.Tools) > 0 {
		payload.Tools = declareTools(req.Tools)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling chat request: %w", err)
	}

	resp, err := retry.Do(ctx, b.retryConfig, "ollama.chat", isRetryableError, func() (*chatResponse, error) {
		return b.post(ctx, body)
	})
	if err != nil {
		return nil, fmt.Errorf("ollama chat: %w", err)
	}

	reply := parseChatResponse(resp)
	b.rec.RecordTokens(ctx, req.Model, reply.InputTokens, reply.OutputTokens)
	return reply, nil
}

func (b *Backend) post(ctx context.Context, body []byte) (*chatResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("posting chat request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, &apiError{StatusCode: httpResp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var out chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding chat response: %w", err)
	}
	return &out, nil
}

// PendingToolUse implements orchestrator.Backend. Ollama reports done_reason
// "stop" whether or not the model asked for tools, so call presence decides.
func (b *Backend) PendingToolUse(r *orchestrator.Reply) bool {
	return len(r.Calls) > 0
}

// ToolCalls implements orchestrator.Backend. Arguments are already
// structured; normalization synthesizes ids Ollama never issues.
func (b *Backend) ToolCalls(r *orchestrator.Reply) ([]orchestrator.ToolCallRequest, error) {
	return orchestrator.NormalizeCalls(r.Calls)
}

// FoldResults implements orchestrator.Backend. With no call ids on the wire,
// tool turns are correlated by tool name.
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
			Role:     orchestrator.RoleTool,
			Content:  content,
			ToolName: calls[i].Name,
			IsError:  !res.Success,
		})
	}
	return turns
}

func parseChatResponse(resp *chatResponse) *orchestrator.Reply {
	reply := &orchestrator.Reply{
		Content:      resp.Message.Content,
		FinishReason: resp.DoneReason,
		InputTokens:  resp.PromptEvalCount,
		OutputTokens: resp.EvalCount,
	}
	for _, tc := range resp.Message.ToolCalls {
		args := tc.Function.Arguments
		if args == nil {
			args = map[string]any{}
		}
		reply.Calls = append(reply.Calls, orchestrator.RawToolCall{
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return reply
}

func declareTools(tools []mcpconn.ToolDescriptor) []toolDef {
	out := make([]toolDef, len(tools))
	for i, t := range tools {
		params := t.InputSchema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = toolDef{
			Type: "function",
			Function: functionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		}
	}
	return out
}

func toMessages(turns []orchestrator.Turn) []chatMessage {
	out := make([]chatMessage, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case orchestrator.RoleSystem:
			out = append(out, chatMessage{Role: "system", Content: t.Content})
		case orchestrator.RoleUser:
			out = append(out, chatMessage{Role: "user", Content: t.Content})
		case orchestrator.RoleTool:
			out = append(out, chatMessage{Role: "tool", Content: t.Content, Name: t.ToolName})
		case orchestrator.RoleAssistant:
			msg := chatMessage{Role: "assistant", Content: t.Content}
			for _, call := range t.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, toolCallMsg{
					Function: functionCall{Name: call.Name, Arguments: call.Args},
				})
			}
			out = append(out, msg)
		}
	}
	return out
}
