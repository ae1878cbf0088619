/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"chainguard.dev/toolbridge/mcphost/mcpconn"
	"chainguard.dev/toolbridge/orchestrator"
	"github.com/google/go-cmp/cmp"
)

// fakeBackend replays a scripted sequence of replies and records every
// request it was sent.
type fakeBackend struct {
	name   string
	script []*orchestrator.Reply
	errs   []error

	mu   sync.Mutex
	sent []orchestrator.Request
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Send(_ context.Context, req orchestrator.Request) (*orchestrator.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.sent)
	f.sent = append(f.sent, req)
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i >= len(f.script) {
		return nil, fmt.Errorf("script exhausted at call %d", i)
	}
	return f.script[i], nil
}

func (f *fakeBackend) PendingToolUse(r *orchestrator.Reply) bool {
	return len(r.Calls) > 0
}

func (f *fakeBackend) ToolCalls(r *orchestrator.Reply) ([]orchestrator.ToolCallRequest, error) {
	return orchestrator.NormalizeCalls(r.Calls)
}

func (f *fakeBackend) FoldResults(r *orchestrator.Reply, calls []orchestrator.ToolCallRequest, results []mcpconn.InvocationResult) []orchestrator.Turn {
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

func (f *fakeBackend) requests() []orchestrator.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]orchestrator.Request(nil), f.sent...)
}

// fakeExecutor serves canned results keyed by namespaced tool name.
type fakeExecutor struct {
	tools   []mcpconn.ToolDescriptor
	results map[string]mcpconn.InvocationResult
	delays  map[string]time.Duration

	mu       sync.Mutex
	executed []string
}

func (f *fakeExecutor) Tools(context.Context, ...string) []mcpconn.ToolDescriptor {
	return f.tools
}

func (f *fakeExecutor) ExecuteTool(_ context.Context, name string, _ map[string]any) mcpconn.InvocationResult {
	if d := f.delays[name]; d > 0 {
		time.Sleep(d)
	}
	f.mu.Lock()
	f.executed = append(f.executed, name)
	f.mu.Unlock()
	if res, ok := f.results[name]; ok {
		return res
	}
	return mcpconn.InvocationResult{Error: fmt.Sprintf("server %q not found", name)}
}

func toolCall(id, name, argsJSON string) orchestrator.RawToolCall {
	return orchestrator.RawToolCall{ID: id, Name: name, ArgsJSON: argsJSON}
}

func newOrchestrator(t *testing.T, b orchestrator.Backend, exec orchestrator.ToolExecutor, opts ...orchestrator.Option) *orchestrator.Orchestrator {
	t.Helper()
	reg := orchestrator.NewRegistry()
	if err := reg.Register(b); err != nil {
		t.Fatalf("Register: %v", err)
	}
	o, err := orchestrator.New(reg, exec, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func userTurns(prompt string) []orchestrator.Turn {
	return []orchestrator.Turn{{Role: orchestrator.RoleUser, Content: prompt}}
}

func TestNoToolExchange(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{name: "fake", script: []*orchestrator.Reply{
		{Content: "the answer is 4", FinishReason: "end_turn"},
	}}
	exec := &fakeExecutor{tools: []mcpconn.ToolDescriptor{{Name: "calc__add", Server: "calc"}}}
	o := newOrchestrator(t, backend, exec)

	res, err := o.Respond(context.Background(), userTurns("what is 2+2"), "fake", "test-model")
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if res.State != orchestrator.StateDone {
		t.Errorf("State = %q, want done", res.State)
	}
	if res.Answer != "the answer is 4" {
		t.Errorf("Answer = %q", res.Answer)
	}
	if len(res.Trace.Rounds) != 0 {
		t.Errorf("expected empty trace, got %d rounds", len(res.Trace.Rounds))
	}

	// The catalog was offered to the model even though it went unused.
	reqs := backend.requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 model call, got %d", len(reqs))
	}
	if len(reqs[0].Tools) != 1 || reqs[0].Tools[0].Name != "calc__add" {
		t.Errorf("tools offered = %v", reqs[0].Tools)
	}
}

func TestSingleToolRound(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{name: "fake", script: []*orchestrator.Reply{
		{Content: "let me check", Calls: []orchestrator.RawToolCall{
			toolCall("call_a", "fs__read_file", `{"path":"/etc/hostname"}`),
		}},
		{Content: "the host is called buildbox"},
	}}
	exec := &fakeExecutor{results: map[string]mcpconn.InvocationResult{
		"fs__read_file": {Success: true, Content: "buildbox", Latency: time.Millisecond},
	}}
	o := newOrchestrator(t, backend, exec)

	res, err := o.Respond(context.Background(), userTurns("what is this host called?"), "fake", "test-model")
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if res.State != orchestrator.StateDone {
		t.Fatalf("State = %q, want done", res.State)
	}
	if res.Answer != "the host is called buildbox" {
		t.Errorf("Answer = %q", res.Answer)
	}

	if len(res.Trace.Rounds) != 1 {
		t.Fatalf("expected 1 trace round, got %d", len(res.Trace.Rounds))
	}
	round := res.Trace.Rounds[0]
	if round.Calls[0].Name != "fs__read_file" {
		t.Errorf("traced call = %q", round.Calls[0].Name)
	}
	if !round.Results[0].Success || round.Results[0].Content != "buildbox" {
		t.Errorf("traced result = %+v", round.Results[0])
	}

	// The second model call must see the folded assistant and tool turns.
	reqs := backend.requests()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 model calls, got %d", len(reqs))
	}
	conv := reqs[1].Turns
	want := []orchestrator.Turn{
		{Role: orchestrator.RoleUser, Content: "what is this host called?"},
		{Role: orchestrator.RoleAssistant, Content: "let me check", ToolCalls: []orchestrator.ToolCallRequest{
			{ID: "call_a", Name: "fs__read_file", Args: map[string]any{"path": "/etc/hostname"}},
		}},
		{Role: orchestrator.RoleTool, Content: "buildbox", ToolCallID: "call_a", ToolName: "fs__read_file"},
	}
	if diff := cmp.Diff(want, conv); diff != "" {
		t.Errorf("folded conversation mismatch (-want +got):\n%s", diff)
	}
}

func TestParallelRoundOrderStable(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{name: "fake", script: []*orchestrator.Reply{
		{Calls: []orchestrator.RawToolCall{
			toolCall("c0", "slow__first", `{}`),
			toolCall("c1", "mid__second", `{}`),
			toolCall("c2", "fast__third", `{}`),
		}},
		{Content: "done"},
	}}
	exec := &fakeExecutor{
		results: map[string]mcpconn.InvocationResult{
			"slow__first": {Success: true, Content: "one"},
			"mid__second": {Success: true, Content: "two"},
			"fast__third": {Success: true, Content: "three"},
		},
		delays: map[string]time.Duration{
			"slow__first": 120 * time.Millisecond,
			"mid__second": 60 * time.Millisecond,
		},
	}
	o := newOrchestrator(t, backend, exec)

	start := time.Now()
	res, err := o.Respond(context.Background(), userTurns("go"), "fake", "test-model")
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	elapsed := time.Since(start)

	// Parallel dispatch: the round takes about as long as the slowest call,
	// not the sum of all three.
	if elapsed > 200*time.Millisecond {
		t.Errorf("round took %v, calls do not appear to run in parallel", elapsed)
	}

	// Results are positionally aligned with the calls despite completion order.
	round := res.Trace.Rounds[0]
	got := []string{round.Results[0].Content, round.Results[1].Content, round.Results[2].Content}
	if diff := cmp.Diff([]string{"one", "two", "three"}, got); diff != "" {
		t.Errorf("result order mismatch (-want +got):\n%s", diff)
	}
}

func TestCeilingReturnsIncomplete(t *testing.T) {
	t.Parallel()
	// The model keeps asking for tools forever.
	greedy := &orchestrator.Reply{Content: "still working", Calls: []orchestrator.RawToolCall{
		toolCall("x", "fs__read_file", `{"path":"/"}`),
	}}
	backend := &fakeBackend{name: "fake", script: []*orchestrator.Reply{greedy, greedy, greedy}}
	exec := &fakeExecutor{results: map[string]mcpconn.InvocationResult{
		"fs__read_file": {Success: true, Content: "stuff"},
	}}
	o := newOrchestrator(t, backend, exec, orchestrator.WithMaxRounds(2))

	res, err := o.Respond(context.Background(), userTurns("dig forever"), "fake", "test-model")
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if res.State != orchestrator.StateIncomplete {
		t.Errorf("State = %q, want incomplete", res.State)
	}
	if res.Answer != "still working" {
		t.Errorf("Answer = %q, want last available text", res.Answer)
	}
	if len(res.Trace.Rounds) != 2 {
		t.Errorf("expected 2 rounds at ceiling, got %d", len(res.Trace.Rounds))
	}
	if got := len(backend.requests()); got != 2 {
		t.Errorf("expected 2 model calls at ceiling, got %d", got)
	}
}

func TestMalformedArgumentsFailExchange(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{name: "fake", script: []*orchestrator.Reply{
		{Calls: []orchestrator.RawToolCall{
			toolCall("bad", "fs__read_file", `{"path": unquoted`),
		}},
	}}
	o := newOrchestrator(t, backend, &fakeExecutor{})

	res, err := o.Respond(context.Background(), userTurns("x"), "fake", "test-model")
	if err != nil {
		t.Fatalf("untranslatable response should not be a Go error: %v", err)
	}
	if res.State != orchestrator.StateFailed {
		t.Fatalf("State = %q, want failed", res.State)
	}
	if !strings.Contains(res.FailureReason, "malformed") {
		t.Errorf("FailureReason = %q", res.FailureReason)
	}
	if res.Trace == nil || res.Trace.Error == nil {
		t.Error("partial trace with its error should be preserved")
	}
}

func TestSendErrorPropagates(t *testing.T) {
	t.Parallel()
	apiErr := errors.New("529 overloaded")
	backend := &fakeBackend{name: "fake", errs: []error{apiErr}}
	o := newOrchestrator(t, backend, &fakeExecutor{})

	_, err := o.Respond(context.Background(), userTurns("x"), "fake", "test-model")
	if !errors.Is(err, apiErr) {
		t.Fatalf("expected provider error, got: %v", err)
	}
}

func TestSendProtocolErrorFailsExchange(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{name: "fake", errs: []error{
		fmt.Errorf("%w: malformed function call", orchestrator.ErrProtocol),
	}}
	o := newOrchestrator(t, backend, &fakeExecutor{})

	res, err := o.Respond(context.Background(), userTurns("x"), "fake", "test-model")
	if err != nil {
		t.Fatalf("protocol error should map to a failed state: %v", err)
	}
	if res.State != orchestrator.StateFailed {
		t.Errorf("State = %q, want failed", res.State)
	}
}

func TestUnknownBackend(t *testing.T) {
	t.Parallel()
	o := newOrchestrator(t, &fakeBackend{name: "fake"}, &fakeExecutor{})
	_, err := o.Respond(context.Background(), userTurns("x"), "nope", "test-model")
	if err == nil || !strings.Contains(err.Error(), "unknown backend") {
		t.Fatalf("expected unknown backend error, got: %v", err)
	}
}

func TestToolFailureFlowsBackAsData(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{name: "fake", script: []*orchestrator.Reply{
		{Calls: []orchestrator.RawToolCall{
			toolCall("t1", "fs__read_file", `{"path":"/locked"}`),
		}},
		{Content: "that file is not readable"},
	}}
	exec := &fakeExecutor{results: map[string]mcpconn.InvocationResult{
		"fs__read_file": {Error: "timeout"},
	}}
	o := newOrchestrator(t, backend, exec)

	res, err := o.Respond(context.Background(), userTurns("read it"), "fake", "test-model")
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	// The failure did not abort the loop; the model saw it and answered.
	if res.State != orchestrator.StateDone {
		t.Fatalf("State = %q, want done", res.State)
	}

	reqs := backend.requests()
	toolTurn := reqs[1].Turns[len(reqs[1].Turns)-1]
	if !toolTurn.IsError || toolTurn.Content != "timeout" {
		t.Errorf("tool turn = %+v, want error turn with timeout", toolTurn)
	}
	if res.Trace.Rounds[0].Results[0].Success {
		t.Errorf("trace should record the failure")
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	reg := orchestrator.NewRegistry()
	if err := reg.Register(&fakeBackend{name: "claude"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(&fakeBackend{name: "claude"}); err == nil {
		t.Error("duplicate registration should fail")
	}
	if err := reg.Register(&fakeBackend{name: ""}); err == nil {
		t.Error("empty name should fail")
	}
	if err := reg.Register(&fakeBackend{name: "ollama"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, ok := reg.Lookup("claude"); !ok {
		t.Error("claude should resolve")
	}
	if _, ok := reg.Lookup("gone"); ok {
		t.Error("unknown backend should not resolve")
	}
	if diff := cmp.Diff([]string{"claude", "ollama"}, reg.Names()); diff != "" {
		t.Errorf("Names mismatch (-want +got):\n%s", diff)
	}
}

func TestNormalizeCalls(t *testing.T) {
	t.Parallel()
	t.Run("string arguments parsed", func(t *testing.T) {
		got, err := orchestrator.NormalizeCalls([]orchestrator.RawToolCall{
			{ID: "a", Name: "t", ArgsJSON: `{"x":1}`},
		})
		if err != nil {
			t.Fatal(err)
		}
		if got[0].Args["x"] != float64(1) {
			t.Errorf("Args = %v", got[0].Args)
		}
	})
	t.Run("structured arguments pass through", func(t *testing.T) {
		args := map[string]any{"q": "hi"}
		got, err := orchestrator.NormalizeCalls([]orchestrator.RawToolCall{
			{ID: "a", Name: "t", Args: args},
		})
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(args, got[0].Args); diff != "" {
			t.Errorf("Args mismatch (-want +got):\n%s", diff)
		}
	})
	t.Run("empty arguments become empty map", func(t *testing.T) {
		got, err := orchestrator.NormalizeCalls([]orchestrator.RawToolCall{
			{ID: "a", Name: "t"},
		})
		if err != nil {
			t.Fatal(err)
		}
		if got[0].Args == nil || len(got[0].Args) != 0 {
			t.Errorf("Args = %v, want empty map", got[0].Args)
		}
	})
	t.Run("missing ids synthesized", func(t *testing.T) {
		got, err := orchestrator.NormalizeCalls([]orchestrator.RawToolCall{
			{Name: "t1"}, {Name: "t2"},
		})
		if err != nil {
			t.Fatal(err)
		}
		if got[0].ID != "call_0" || got[1].ID != "call_1" {
			t.Errorf("ids = %q, %q", got[0].ID, got[1].ID)
		}
	})
	t.Run("malformed json is a protocol error", func(t *testing.T) {
		_, err := orchestrator.NormalizeCalls([]orchestrator.RawToolCall{
			{Name: "t", ArgsJSON: `{"x":`},
		})
		if !errors.Is(err, orchestrator.ErrProtocol) {
			t.Fatalf("expected ErrProtocol, got: %v", err)
		}
	})
	t.Run("missing name is a protocol error", func(t *testing.T) {
		_, err := orchestrator.NormalizeCalls([]orchestrator.RawToolCall{{ID: "a"}})
		if !errors.Is(err, orchestrator.ErrProtocol) {
			t.Fatalf("expected ErrProtocol, got: %v", err)
		}
	})
}
