/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package metrics provides OpenTelemetry instrumentation for model calls and
// tool executions. Counters and histograms degrade to no-ops if creation
// fails, so instrumented code paths never have to check for a nil recorder.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Recorder records token usage per model call, tool invocation counts, and
// tool execution latency.
type Recorder struct {
	meter            metric.Meter
	promptTokens     metric.Int64Counter
	completionTokens metric.Int64Counter
	toolCalls        metric.Int64Counter
	toolLatency      metric.Float64Histogram
}

// NewRecorder creates a Recorder on the named meter. The meter name should be
// shared across all backends, with the model name as a dimension on the
// recorded metrics.
func NewRecorder(meterName string) *Recorder {
	meter := otel.Meter(meterName, metric.WithInstrumentationVersion("1.0.0"))

	promptTokens, err := meter.Int64Counter("genai.token.prompt",
		metric.WithDescription("The number of prompt tokens used"),
		metric.WithUnit("{tokens}"))
	if err != nil {
		slog.Warn("Failed to create prompt tokens counter, metrics will be disabled", "error", err, "meter", meterName)
		promptTokens = noop.Int64Counter{}
	}

	completionTokens, err := meter.Int64Counter("genai.token.completion",
		metric.WithDescription("The number of completion tokens used"),
		metric.WithUnit("{tokens}"))
	if err != nil {
		slog.Warn("Failed to create completion tokens counter, metrics will be disabled", "error", err, "meter", meterName)
		completionTokens = noop.Int64Counter{}
	}

	toolCalls, err := meter.Int64Counter("genai.tool.calls",
		metric.WithDescription("The number of tool calls dispatched"),
		metric.WithUnit("{calls}"))
	if err != nil {
		slog.Warn("Failed to create tool call counter, metrics will be disabled", "error", err, "meter", meterName)
		toolCalls = noop.Int64Counter{}
	}

	toolLatency, err := meter.Float64Histogram("mcp.tool.duration",
		metric.WithDescription("Tool execution latency"),
		metric.WithUnit("s"))
	if err != nil {
		slog.Warn("Failed to create tool latency histogram, metrics will be disabled", "error", err, "meter", meterName)
		toolLatency = noop.Float64Histogram{}
	}

	return &Recorder{
		meter:            meter,
		promptTokens:     promptTokens,
		completionTokens: completionTokens,
		toolCalls:        toolCalls,
		toolLatency:      toolLatency,
	}
}

// RecordTokens records prompt and completion token usage for one model call.
func (r *Recorder) RecordTokens(ctx context.Context, model string, promptTokens, completionTokens int64) {
	attrs := metric.WithAttributes(attribute.String("model", model))
	r.promptTokens.Add(ctx, promptTokens, attrs)
	r.completionTokens.Add(ctx, completionTokens, attrs)
}

// RecordToolCall records one tool dispatch attributed to a model.
func (r *Recorder) RecordToolCall(ctx context.Context, model, toolName string) {
	r.toolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("tool", toolName),
	))
}

// RecordToolLatency records how long a tool execution took, including
// failures and timeouts.
func (r *Recorder) RecordToolLatency(ctx context.Context, server, toolName string, d time.Duration, success bool) {
	r.toolLatency.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("server", server),
		attribute.String("tool", toolName),
		attribute.Bool("success", success),
	))
}
