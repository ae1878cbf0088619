/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package mcpconn_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"chainguard.dev/toolbridge/mcphost/mcpconn"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// newTestServer builds an in-process tool server with a small fixed catalog.
func newTestServer(name string) *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: name, Version: "1.0.0"}, nil)
	srv.AddTool(&mcp.Tool{
		Name:        "echo",
		Description: "Echoes the message back",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"message": map[string]interface{}{"type": "string"},
			},
			"required": []interface{}{"message"},
		},
	}, func(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return nil, err
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: "echo: " + args.Message}},
		}, nil
	})
	srv.AddTool(&mcp.Tool{
		Name:        "fail",
		Description: "Always reports a tool error",
		InputSchema: map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
	}, func(_ context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{&mcp.TextContent{Text: "boom"}},
		}, nil
	})
	srv.AddTool(&mcp.Tool{
		Name:        "slow",
		Description: "Takes longer than short deadlines allow",
		InputSchema: map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
	}, func(ctx context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(300 * time.Millisecond):
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: "finally"}},
		}, nil
	})
	return srv
}

// inMemoryDialer spins a fresh server per dial so reconnects get a live peer.
func inMemoryDialer(t *testing.T, name string, dials *atomic.Int32) mcpconn.DialFunc {
	t.Helper()
	return func(ctx context.Context) (mcp.Transport, error) {
		if dials != nil {
			dials.Add(1)
		}
		clientTransport, serverTransport := mcp.NewInMemoryTransports()
		srv := newTestServer(name)
		go func() {
			_ = srv.Run(context.Background(), serverTransport)
		}()
		return clientTransport, nil
	}
}

func newTestClient(t *testing.T, opts ...mcpconn.Option) *mcpconn.Client {
	t.Helper()
	opts = append([]mcpconn.Option{mcpconn.WithDialer(inMemoryDialer(t, "test-server", nil))}, opts...)
	c, err := mcpconn.NewClient("test", mcpconn.TransportConfig{
		Transport: mcpconn.TransportStdio,
		Command:   "unused",
	}, opts...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { c.Disconnect(context.Background()) })
	return c
}

func TestConnectAndDiscovery(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	if !c.Connect(ctx) {
		t.Fatal("Connect should succeed against in-memory server")
	}
	// Second connect is a no-op on an already-connected client.
	if !c.Connect(ctx) {
		t.Fatal("Connect on connected client should report true")
	}

	tools, err := c.ListTools(ctx, false)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 3 {
		t.Fatalf("expected 3 tools, got %d", len(tools))
	}
	var echo *mcpconn.ToolDescriptor
	for i := range tools {
		if tools[i].Name == "echo" {
			echo = &tools[i]
		}
	}
	if echo == nil {
		t.Fatal("echo tool not discovered")
	}
	if echo.Description != "Echoes the message back" {
		t.Errorf("echo description = %q", echo.Description)
	}
	props, ok := echo.InputSchema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("echo schema has no properties map: %#v", echo.InputSchema)
	}
	if _, ok := props["message"]; !ok {
		t.Error("echo schema missing message property")
	}

	st := c.Status()
	if st.Status != mcpconn.StatusConnected {
		t.Errorf("status = %q, want connected", st.Status)
	}
	if st.ToolCount != 3 {
		t.Errorf("tool count = %d, want 3", st.ToolCount)
	}
	if st.ConnectedAt.IsZero() {
		t.Error("ConnectedAt should be set")
	}
}

func TestConnectFailure(t *testing.T) {
	ctx := context.Background()
	dialErr := errors.New("connection refused")
	c, err := mcpconn.NewClient("down", mcpconn.TransportConfig{
		Transport: mcpconn.TransportSSE,
		URL:       "http://localhost:1/sse",
	}, mcpconn.WithDialer(func(context.Context) (mcp.Transport, error) {
		return nil, dialErr
	}))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	if c.Connect(ctx) {
		t.Fatal("Connect should report false when the dial fails")
	}
	st := c.Status()
	if st.Status != mcpconn.StatusError {
		t.Errorf("status = %q, want error", st.Status)
	}
	if !strings.Contains(st.LastError, "connection refused") {
		t.Errorf("LastError = %q, want dial error", st.LastError)
	}

	// Execution against a dead server is a failure result, not an error.
	res := c.Execute(ctx, "echo", map[string]any{"message": "hi"})
	if res.Success {
		t.Fatal("Execute should fail against an unreachable server")
	}
	if !strings.Contains(res.Error, "unavailable") {
		t.Errorf("Error = %q, want unavailable", res.Error)
	}
}

func TestExecute(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	res := c.Execute(ctx, "echo", map[string]any{"message": "hello"})
	if !res.Success {
		t.Fatalf("Execute failed: %s", res.Error)
	}
	if res.Content != "echo: hello" {
		t.Errorf("Content = %q, want %q", res.Content, "echo: hello")
	}
	if res.Latency <= 0 {
		t.Error("Latency should be recorded")
	}
}

func TestExecuteToolError(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	res := c.Execute(ctx, "fail", map[string]any{})
	if res.Success {
		t.Fatal("tool-reported error should fail the invocation")
	}
	if res.Error != "boom" {
		t.Errorf("Error = %q, want %q", res.Error, "boom")
	}
	if res.Latency <= 0 {
		t.Error("Latency should be recorded on failure too")
	}
}

func TestExecuteTimeout(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, mcpconn.WithExecuteTimeout(50*time.Millisecond))

	start := time.Now()
	res := c.Execute(ctx, "slow", map[string]any{})
	if res.Success {
		t.Fatal("slow tool should time out")
	}
	if res.Error != "timeout" {
		t.Errorf("Error = %q, want %q", res.Error, "timeout")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Execute blocked for %v, deadline not honored", elapsed)
	}
}

func TestConnectSurvivesCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The dialer cancels the caller's context while the dial is in flight,
	// then finishes. The shared client must complete the handshake anyway:
	// an aborted connect would record a phantom failure visible to every
	// other caller.
	c, err := mcpconn.NewClient("test", mcpconn.TransportConfig{
		Transport: mcpconn.TransportStdio,
		Command:   "unused",
	}, mcpconn.WithDialer(func(dialCtx context.Context) (mcp.Transport, error) {
		cancel()
		select {
		case <-dialCtx.Done():
			return nil, dialCtx.Err()
		case <-time.After(50 * time.Millisecond):
		}
		clientTransport, serverTransport := mcp.NewInMemoryTransports()
		go func() {
			_ = newTestServer("test-server").Run(context.Background(), serverTransport)
		}()
		return clientTransport, nil
	}))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { c.Disconnect(context.Background()) })

	if !c.Connect(ctx) {
		t.Fatal("Connect should complete despite caller cancellation")
	}
	st := c.Status()
	if st.Status != mcpconn.StatusConnected {
		t.Errorf("status = %q, want connected", st.Status)
	}
	if st.LastError != "" {
		t.Errorf("LastError = %q, want none", st.LastError)
	}

	// The session established by the cancelled caller serves everyone else.
	res := c.Execute(context.Background(), "echo", map[string]any{"message": "hi"})
	if !res.Success {
		t.Fatalf("Execute after cancelled connect failed: %s", res.Error)
	}
}

func TestLazyReconnect(t *testing.T) {
	ctx := context.Background()
	var dials atomic.Int32
	c, err := mcpconn.NewClient("test", mcpconn.TransportConfig{
		Transport: mcpconn.TransportStdio,
		Command:   "unused",
	}, mcpconn.WithDialer(inMemoryDialer(t, "test-server", &dials)))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { c.Disconnect(context.Background()) })

	if !c.Connect(ctx) {
		t.Fatal("initial connect failed")
	}
	c.Disconnect(ctx)
	if c.Status().Status != mcpconn.StatusDisconnected {
		t.Fatalf("status after disconnect = %q", c.Status().Status)
	}

	// Execute on a disconnected client makes exactly one reconnect attempt.
	res := c.Execute(ctx, "echo", map[string]any{"message": "again"})
	if !res.Success {
		t.Fatalf("Execute after disconnect failed: %s", res.Error)
	}
	if got := dials.Load(); got != 2 {
		t.Errorf("dial count = %d, want 2", got)
	}
}

func TestListToolsForceRefresh(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, mcpconn.WithCacheTTL(time.Hour))

	first, err := c.ListTools(ctx, false)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	forced, err := c.ListTools(ctx, true)
	if err != nil {
		t.Fatalf("ListTools force: %v", err)
	}
	if len(first) != len(forced) {
		t.Errorf("catalog changed across refresh: %d vs %d", len(first), len(forced))
	}
	if c.Status().CacheAge > time.Second {
		t.Error("forced refresh should reset cache age")
	}
}

func TestResources(t *testing.T) {
	ctx := context.Background()

	srv := mcp.NewServer(&mcp.Implementation{Name: "res-server", Version: "1.0.0"}, nil)
	srv.AddResource(&mcp.Resource{
		URI:         "file:///motd",
		Name:        "motd",
		Description: "Message of the day",
		MIMEType:    "text/plain",
	}, func(_ context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		return &mcp.ReadResourceResult{
			Contents: []*mcp.ResourceContents{{
				URI:      req.Params.URI,
				MIMEType: "text/plain",
				Text:     "be excellent to each other",
			}},
		}, nil
	})

	c, err := mcpconn.NewClient("res", mcpconn.TransportConfig{
		Transport: mcpconn.TransportStdio,
		Command:   "unused",
	}, mcpconn.WithDialer(func(context.Context) (mcp.Transport, error) {
		clientTransport, serverTransport := mcp.NewInMemoryTransports()
		go func() {
			_ = srv.Run(context.Background(), serverTransport)
		}()
		return clientTransport, nil
	}))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { c.Disconnect(context.Background()) })

	resources, err := c.ListResources(ctx)
	if err != nil {
		t.Fatalf("ListResources: %v", err)
	}
	if len(resources) != 1 || resources[0].URI != "file:///motd" {
		t.Fatalf("unexpected resources: %#v", resources)
	}

	text, err := c.ReadResource(ctx, "file:///motd")
	if err != nil {
		t.Fatalf("ReadResource: %v", err)
	}
	if text != "be excellent to each other" {
		t.Errorf("ReadResource = %q", text)
	}
}

func TestNewClientValidation(t *testing.T) {
	for _, tc := range []struct {
		name string
		cfg  mcpconn.TransportConfig
	}{
		{"unknown transport", mcpconn.TransportConfig{Transport: "carrier-pigeon"}},
		{"stdio without command", mcpconn.TransportConfig{Transport: mcpconn.TransportStdio}},
		{"sse without url", mcpconn.TransportConfig{Transport: mcpconn.TransportSSE}},
		{"http without url", mcpconn.TransportConfig{Transport: mcpconn.TransportHTTP}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := mcpconn.NewClient("bad", tc.cfg); err == nil {
				t.Errorf("expected validation error for %s", tc.name)
			}
		})
	}
}
