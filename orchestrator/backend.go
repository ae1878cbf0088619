/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"chainguard.dev/toolbridge/mcphost/mcpconn"
)

// Backend adapts one provider's wire format to the neutral conversation
// types. All format knowledge lives behind this interface: how tools are
// declared, how the model signals pending tool use, how arguments are
// encoded, and how results fold back into the conversation. The loop never
// inspects provider responses directly.
type Backend interface {
	// Name is the stable registry id, e.g. "claude" or "ollama".
	Name() string

	// Send declares the tools natively, marshals the neutral turns into the
	// provider's message shape, and performs one model call.
	Send(ctx context.Context, req Request) (*Reply, error)

	// PendingToolUse reports whether the reply asks for tool execution,
	// using whatever signal the provider has (a stop reason, or for
	// providers without one, the presence of calls).
	PendingToolUse(r *Reply) bool

	// ToolCalls extracts and normalizes the requested calls. A reply the
	// backend cannot translate returns an error wrapping ErrProtocol, which
	// is fatal for the exchange.
	ToolCalls(r *Reply) ([]ToolCallRequest, error)

	// FoldResults renders the assistant turn and its tool results back into
	// neutral turns, positionally aligned with calls. The folded turns must
	// round-trip through Send without being re-detected as pending calls.
	FoldResults(r *Reply, calls []ToolCallRequest, results []mcpconn.InvocationResult) []Turn
}

// Registry maps backend ids to implementations. Lookup happens per call, so
// one process can serve conversations across providers concurrently.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: map[string]Backend{}}
}

// Register adds a backend under its own name.
func (r *Registry) Register(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := b.Name()
	if name == "" {
		return fmt.Errorf("backend has empty name")
	}
	if _, ok := r.backends[name]; ok {
		return fmt.Errorf("backend %q already registered", name)
	}
	r.backends[name] = b
	return nil
}

// Lookup returns the backend registered under name.
func (r *Registry) Lookup(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

// Names returns the registered backend ids, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
