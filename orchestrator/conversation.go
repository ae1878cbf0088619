/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"chainguard.dev/toolbridge/mcphost/mcpconn"
)

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCallRequest is one tool invocation requested by a model, with
// arguments normalized to a structured map regardless of how the provider
// encoded them on the wire.
type ToolCallRequest struct {
	ID   string
	Name string
	Args map[string]any
}

// Turn is one backend-agnostic conversation message. Assistant turns may
// carry tool calls; tool turns carry the result of exactly one call,
// correlated by ToolCallID or, for providers without call ids, ToolName.
type Turn struct {
	Role    Role
	Content string

	// ToolCalls is set on assistant turns that requested tools.
	ToolCalls []ToolCallRequest

	// ToolCallID and ToolName are set on tool turns.
	ToolCallID string
	ToolName   string
	// IsError marks a tool turn whose execution failed.
	IsError bool
}

// RawToolCall preserves a provider's native argument encoding until
// normalization. Providers that ship arguments as a JSON string set ArgsJSON;
// providers that ship structured maps set Args.
type RawToolCall struct {
	ID       string
	Name     string
	ArgsJSON string
	Args     map[string]any
}

// Reply is a provider response reduced to what the loop needs: the assistant
// text, the requested calls in raw form, the provider's verbatim finish
// reason (empty when the provider has none), and token usage.
type Reply struct {
	Content      string
	Calls        []RawToolCall
	FinishReason string
	InputTokens  int64
	OutputTokens int64
}

// Request is one model call: the conversation so far plus the tools the
// model may use, carried as the raw descriptors discovered from the tool
// servers. Backends re-encode the descriptors natively.
type Request struct {
	Model string
	Turns []Turn
	Tools []mcpconn.ToolDescriptor
}

// ErrProtocol marks a provider response the loop cannot translate. The loop
// treats it as fatal for the exchange rather than guessing intent.
var ErrProtocol = errors.New("backend protocol error")

// NormalizeCalls converts raw calls to the neutral form. String-encoded
// arguments are parsed, structured arguments pass through, and missing call
// ids get synthesized positional ones so results can be correlated.
func NormalizeCalls(calls []RawToolCall) ([]ToolCallRequest, error) {
	out := make([]ToolCallRequest, 0, len(calls))
	for i, rc := range calls {
		if rc.Name == "" {
			return nil, fmt.Errorf("%w: tool call %d has no name", ErrProtocol, i)
		}
		req := ToolCallRequest{ID: rc.ID, Name: rc.Name}
		switch {
		case rc.Args != nil:
			req.Args = rc.Args
		case strings.TrimSpace(rc.ArgsJSON) != "" && rc.ArgsJSON != "null":
			if err := json.Unmarshal([]byte(rc.ArgsJSON), &req.Args); err != nil {
				return nil, fmt.Errorf("%w: tool call %q has malformed arguments: %v", ErrProtocol, rc.Name, err)
			}
		default:
			req.Args = map[string]any{}
		}
		if req.ID == "" {
			req.ID = fmt.Sprintf("call_%d", i)
		}
		out = append(out, req)
	}
	return out, nil
}
