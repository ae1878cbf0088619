/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"chainguard.dev/toolbridge/exectrace"
	"chainguard.dev/toolbridge/mcphost/mcpconn"
	"chainguard.dev/toolbridge/metrics"
	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxRounds caps how many tool rounds one exchange may run.
const DefaultMaxRounds = 5

// State classifies how an exchange ended.
type State string

const (
	// StateDone means the model produced a final answer.
	StateDone State = "done"
	// StateIncomplete means the round ceiling was hit while the model still
	// wanted tools; the answer is the last text available.
	StateIncomplete State = "incomplete"
	// StateFailed means the provider response could not be translated and
	// the loop stopped rather than guessing.
	StateFailed State = "failed"
)

// Result is the outcome of one exchange.
type Result struct {
	Answer string
	State  State
	// FailureReason is set when State is StateFailed.
	FailureReason string
	Trace         *exectrace.Trace
}

// ToolExecutor is the tool surface the loop dispatches against,
// implemented by *mcphost.Host.
type ToolExecutor interface {
	Tools(ctx context.Context, servers ...string) []mcpconn.ToolDescriptor
	ExecuteTool(ctx context.Context, name string, args map[string]any) mcpconn.InvocationResult
}

// Orchestrator runs the provider-neutral tool-calling loop: send the
// conversation, execute whatever tools the model requests, fold the results
// back, and repeat until the model answers or the round ceiling is hit.
type Orchestrator struct {
	registry  *Registry
	executor  ToolExecutor
	maxRounds int
	rec       *metrics.Recorder
}

// Option configures an Orchestrator.
type Option func(*Orchestrator) error

// WithMaxRounds overrides the tool round ceiling.
func WithMaxRounds(n int) Option {
	return func(o *Orchestrator) error {
		if n <= 0 {
			return fmt.Errorf("max rounds must be positive, got %d", n)
		}
		o.maxRounds = n
		return nil
	}
}

// WithMetrics sets the metrics recorder shared with the rest of the process.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(o *Orchestrator) error {
		o.rec = rec
		return nil
	}
}

// New builds an Orchestrator over a backend registry and a tool executor.
func New(registry *Registry, executor ToolExecutor, opts ...Option) (*Orchestrator, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if executor == nil {
		return nil, fmt.Errorf("executor cannot be nil")
	}
	o := &Orchestrator{
		registry:  registry,
		executor:  executor,
		maxRounds: DefaultMaxRounds,
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	if o.rec == nil {
		o.rec = metrics.NewRecorder("chainguard.dev/toolbridge")
	}
	return o, nil
}

// Respond runs the exchange to completion. Rounds are strictly sequential;
// calls within a round execute in parallel with order-stable results.
// Provider API errors return a Go error; untranslatable provider responses
// return a Result in StateFailed carrying the partial trace.
func (o *Orchestrator) Respond(ctx context.Context, turns []Turn, backendID, model string) (*Result, error) {
	log := clog.FromContext(ctx).With("backend", backendID).With("model", model)

	backend, ok := o.registry.Lookup(backendID)
	if !ok {
		return nil, fmt.Errorf("unknown backend %q (registered: %v)", backendID, o.registry.Names())
	}

	tools := o.executor.Tools(ctx)
	trace := exectrace.Start(ctx, backendID, model)

	conv := append([]Turn(nil), turns...)
	var inputTokens, outputTokens int64
	lastAnswer := ""

	for round := 0; round < o.maxRounds; round++ {
		reply, err := backend.Send(ctx, Request{Model: model, Turns: conv, Tools: tools})
		if err != nil {
			trace.Complete("", err)
			if errors.Is(err, ErrProtocol) {
				log.With("error", err).Warn("Untranslatable provider response, aborting exchange")
				return &Result{State: StateFailed, FailureReason: err.Error(), Trace: trace}, nil
			}
			return nil, fmt.Errorf("backend %q: %w", backendID, err)
		}

		inputTokens += reply.InputTokens
		outputTokens += reply.OutputTokens
		o.rec.RecordTokens(ctx, model, reply.InputTokens, reply.OutputTokens)
		if reply.Content != "" {
			lastAnswer = reply.Content
		}

		if !backend.PendingToolUse(reply) {
			trace.RecordTokenUsage(inputTokens, outputTokens)
			trace.Complete(reply.Content, nil)
			return &Result{Answer: reply.Content, State: StateDone, Trace: trace}, nil
		}

		calls, err := backend.ToolCalls(reply)
		if err != nil {
			trace.RecordTokenUsage(inputTokens, outputTokens)
			trace.Complete("", err)
			log.With("error", err).Warn("Untranslatable tool calls, aborting exchange")
			return &Result{State: StateFailed, FailureReason: err.Error(), Trace: trace}, nil
		}

		results := o.executeRound(ctx, trace, model, calls)
		conv = append(conv, backend.FoldResults(reply, calls, results)...)
	}

	log.With("rounds", o.maxRounds).Warn("Round ceiling hit with tool use still pending")
	trace.RecordTokenUsage(inputTokens, outputTokens)
	trace.Complete(lastAnswer, nil)
	return &Result{Answer: lastAnswer, State: StateIncomplete, Trace: trace}, nil
}

// executeRound dispatches one round's calls in parallel. Results come back
// in call order regardless of completion order, and failures are data in the
// result slice rather than errors.
func (o *Orchestrator) executeRound(ctx context.Context, trace *exectrace.Trace, model string, calls []ToolCallRequest) []mcpconn.InvocationResult {
	traceCalls := make([]exectrace.Call, len(calls))
	for i, c := range calls {
		traceCalls[i] = exectrace.Call{ID: c.ID, Name: c.Name, Args: c.Args}
	}
	round := trace.StartRound(traceCalls)

	results := make([]mcpconn.InvocationResult, len(calls))
	g := new(errgroup.Group)
	for i, call := range calls {
		g.Go(func() error {
			o.rec.RecordToolCall(ctx, model, call.Name)
			results[i] = o.executor.ExecuteTool(ctx, call.Name, call.Args)
			return nil
		})
	}
	_ = g.Wait()

	outcomes := make([]exectrace.Outcome, len(results))
	for i, res := range results {
		outcomes[i] = exectrace.Outcome{
			Success: res.Success,
			Content: res.Content,
			Error:   res.Error,
			Latency: res.Latency,
		}
	}
	round.Complete(outcomes)
	return results
}
