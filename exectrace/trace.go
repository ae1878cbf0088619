/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package exectrace records what happened during one tool-calling exchange:
// which tools each round requested, what they returned, and how long the
// exchange took. Traces double as otel spans so the same data lands in
// distributed tracing without extra plumbing.
package exectrace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "chainguard.dev/toolbridge/exectrace"

// Call is one tool invocation requested by the model.
type Call struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Outcome is the result of executing one Call, positionally aligned with the
// round's Calls slice.
type Outcome struct {
	Success bool          `json:"success"`
	Content string        `json:"content,omitempty"`
	Error   string        `json:"error,omitempty"`
	Latency time.Duration `json:"latency"`
}

// Round is one model-requested batch of tool executions.
type Round struct {
	Index     int       `json:"index"`
	Calls     []Call    `json:"calls"`
	Results   []Outcome `json:"results"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	trace *Trace
	span  oteltrace.Span
	mu    sync.Mutex
}

// Trace represents one complete exchange from user turns to final answer.
type Trace struct {
	ID        string    `json:"id"`
	Backend   string    `json:"backend"`
	Model     string    `json:"model"`
	Rounds    []*Round  `json:"rounds"`
	Answer    string    `json:"answer,omitempty"`
	Error     error     `json:"error,omitempty"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	mu   sync.Mutex
	ctx  context.Context
	span oteltrace.Span
}

// Start begins a new trace and opens its root span.
func Start(ctx context.Context, backend, model string) *Trace {
	tr := otel.Tracer(tracerName, oteltrace.WithInstrumentationVersion("1.0.0"))
	ctx, span := tr.Start(ctx, "toolloop.respond", oteltrace.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("model", model),
	))

	return &Trace{
		ID:        generateTraceID(),
		Backend:   backend,
		Model:     model,
		Rounds:    []*Round{},
		StartTime: time.Now(),
		ctx:       ctx,
		span:      span,
	}
}

// StartRound opens a round span for the given batch of calls. The round is
// appended to the trace when Complete is called.
func (t *Trace) StartRound(calls []Call) *Round {
	t.mu.Lock()
	index := len(t.Rounds)
	t.mu.Unlock()

	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}

	tr := otel.Tracer(tracerName, oteltrace.WithInstrumentationVersion("1.0.0"))
	_, span := tr.Start(t.ctx, "toolloop.round", oteltrace.WithAttributes(
		attribute.Int("round.index", index),
		attribute.StringSlice("round.tools", names),
	))

	return &Round{
		Index:     index,
		Calls:     calls,
		StartTime: time.Now(),
		trace:     t,
		span:      span,
	}
}

// Complete records the round's results, ends its span, and appends the round
// to the parent trace. Results align positionally with the round's Calls.
func (r *Round) Complete(results []Outcome) {
	r.mu.Lock()
	r.Results = results
	r.EndTime = time.Now()
	trace := r.trace
	span := r.span
	r.mu.Unlock()

	if span != nil {
		failed := 0
		for _, res := range results {
			if !res.Success {
				failed++
			}
		}
		span.SetAttributes(attribute.Int("round.failed", failed))
		if failed > 0 {
			span.SetStatus(codes.Error, fmt.Sprintf("%d of %d tool calls failed", failed, len(results)))
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}

	trace.mu.Lock()
	defer trace.mu.Unlock()
	trace.Rounds = append(trace.Rounds, r)
}

// RecordTokenUsage attaches token consumption to the root span so it is
// visible in tracing without cross-referencing metrics.
func (t *Trace) RecordTokenUsage(inputTokens, outputTokens int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.span != nil {
		t.span.SetAttributes(
			attribute.Int64("tokens.input", inputTokens),
			attribute.Int64("tokens.output", outputTokens),
			attribute.Int64("tokens.total", inputTokens+outputTokens),
		)
	}
}

// Complete marks the trace finished and ends the root span.
func (t *Trace) Complete(answer string, err error) {
	t.mu.Lock()
	t.Answer = answer
	t.Error = err
	t.EndTime = time.Now()
	span := t.span
	t.mu.Unlock()

	if span != nil {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// Duration returns the total elapsed time of the exchange.
func (t *Trace) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.EndTime.IsZero() {
		return time.Since(t.StartTime)
	}
	return t.EndTime.Sub(t.StartTime)
}

// ToolCallCount returns the total number of tool calls across all rounds.
func (t *Trace) ToolCallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, r := range t.Rounds {
		n += len(r.Calls)
	}
	return n
}

// String renders the trace in a human-readable form for logs and the CLI.
func (t *Trace) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var duration time.Duration
	if t.EndTime.IsZero() {
		duration = time.Since(t.StartTime)
	} else {
		duration = t.EndTime.Sub(t.StartTime)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("=== Trace %s ===\n", t.ID))
	sb.WriteString(fmt.Sprintf("Backend: %s (model %s)\n", t.Backend, t.Model))
	sb.WriteString(fmt.Sprintf("Duration: %v\n", duration))

	if len(t.Rounds) == 0 {
		sb.WriteString("\nNo tool calls\n")
	}
	for _, r := range t.Rounds {
		sb.WriteString(fmt.Sprintf("\nRound %d (%d calls):\n", r.Index+1, len(r.Calls)))
		for i, c := range r.Calls {
			sb.WriteString(fmt.Sprintf("  [%d] %s (ID: %s)\n", i+1, c.Name, c.ID))
			if len(c.Args) > 0 {
				sb.WriteString("      Args:\n")
				for k, v := range c.Args {
					sb.WriteString(fmt.Sprintf("        %s: %v\n", k, v))
				}
			}
			if i < len(r.Results) {
				res := r.Results[i]
				sb.WriteString(fmt.Sprintf("      Latency: %v\n", res.Latency))
				if res.Success {
					content := res.Content
					if len(content) > 200 {
						content = content[:197] + "..."
					}
					sb.WriteString(fmt.Sprintf("      Result: %s\n", content))
				} else {
					sb.WriteString(fmt.Sprintf("      Error: %s\n", res.Error))
				}
			}
		}
	}

	sb.WriteString("\nCompletion:\n")
	switch {
	case t.Error != nil:
		sb.WriteString(fmt.Sprintf("  Error: %v\n", t.Error))
	case t.Answer != "":
		answer := t.Answer
		if len(answer) > 500 {
			answer = answer[:497] + "..."
		}
		sb.WriteString(fmt.Sprintf("  Answer: %s\n", answer))
	default:
		sb.WriteString("  Answer: <empty>\n")
	}

	return sb.String()
}

// generateTraceID generates a unique trace ID.
func generateTraceID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		// Fallback to timestamp only if random generation fails
		return time.Now().Format("20060102-150405.000000")
	}
	// Format: YYYYMMDD-HHMMSS-RRRR where RRRR is random hex
	return fmt.Sprintf("%s-%s", time.Now().Format("20060102-150405"), hex.EncodeToString(b))
}
