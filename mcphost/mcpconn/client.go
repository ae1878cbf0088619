/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package mcpconn

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"chainguard.dev/toolbridge/metrics"
	"github.com/chainguard-dev/clog"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Status is the connection lifecycle state of a Client.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// Default knobs, overridable per client via options.
const (
	DefaultCacheTTL       = 5 * time.Minute
	DefaultExecuteTimeout = 30 * time.Second
	DefaultConnectTimeout = 30 * time.Second
)

// ToolDescriptor describes one tool a server exposes. InputSchema is the
// server's JSON schema kept as a raw map; backends re-encode it into their
// native declaration shape and the host validates arguments against it.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema map[string]any
	// Server is the owning server id, set by the host when it namespaces
	// the merged catalog.
	Server string
}

// Resource describes one resource a server exposes.
type Resource struct {
	URI         string
	Name        string
	Description string
	MIMEType    string
}

// InvocationResult is the outcome of one tool execution. Failures are carried
// here as data rather than as Go errors so a model can observe them and
// adjust within the same conversation.
type InvocationResult struct {
	Success bool
	Content string
	Error   string
	Latency time.Duration
}

// ClientStatus is a point-in-time snapshot of a client's state.
type ClientStatus struct {
	ID          string
	Status      Status
	LastError   string
	ToolCount   int
	ConnectedAt time.Time
	CacheAge    time.Duration
}

// DialFunc produces a fresh transport for each connection attempt.
type DialFunc func(ctx context.Context) (mcp.Transport, error)

// Client manages the session with a single tool server: connecting,
// discovering tools with a TTL cache, and executing calls. The underlying
// session handle never escapes; all protocol access funnels through the
// client so concurrent callers multiplex safely over one connection.
type Client struct {
	id   string
	impl *mcp.Client
	dial DialFunc

	cacheTTL       time.Duration
	execTimeout    time.Duration
	connectTimeout time.Duration
	rec            *metrics.Recorder

	mu          sync.Mutex
	session     *mcp.ClientSession
	status      Status
	lastErr     error
	connectedAt time.Time
	tools       []ToolDescriptor
	cachedAt    time.Time
}

// Option configures a Client.
type Option func(*Client) error

// WithCacheTTL overrides the tool catalog cache lifetime.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) error {
		if ttl <= 0 {
			return fmt.Errorf("cache ttl must be positive, got %v", ttl)
		}
		c.cacheTTL = ttl
		return nil
	}
}

// WithExecuteTimeout overrides the per-call execution deadline.
func WithExecuteTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("execute timeout must be positive, got %v", d)
		}
		c.execTimeout = d
		return nil
	}
}

// WithConnectTimeout overrides the dial+handshake deadline.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("connect timeout must be positive, got %v", d)
		}
		c.connectTimeout = d
		return nil
	}
}

// WithDialer replaces the transport factory, used by tests to connect over
// in-memory transports.
func WithDialer(dial DialFunc) Option {
	return func(c *Client) error {
		if dial == nil {
			return fmt.Errorf("dialer cannot be nil")
		}
		c.dial = dial
		return nil
	}
}

// WithMetrics sets the metrics recorder shared with the rest of the process.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(c *Client) error {
		c.rec = rec
		return nil
	}
}

// NewClient creates a client for the server identified by id, reachable via
// cfg. No connection is made until Connect or the first lazy use.
func NewClient(id string, cfg TransportConfig, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("server %q: %w", id, err)
	}
	c := &Client{
		id: id,
		impl: mcp.NewClient(&mcp.Implementation{
			Name:    "toolbridge",
			Version: "1.0.0",
		}, nil),
		dial: func(context.Context) (mcp.Transport, error) {
			return TransportFor(cfg)
		},
		cacheTTL:       DefaultCacheTTL,
		execTimeout:    DefaultExecuteTimeout,
		connectTimeout: DefaultConnectTimeout,
		status:         StatusDisconnected,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("server %q: %w", id, err)
		}
	}
	if c.rec == nil {
		c.rec = metrics.NewRecorder("chainguard.dev/toolbridge")
	}
	return c, nil
}

// ID returns the server id this client fronts.
func (c *Client) ID() string { return c.id }

// Connect performs the transport dial and protocol handshake. It reports
// success or failure as a boolean: a server that will not come up must not
// take its siblings down with it, so failures are recorded on the client and
// logged rather than returned.
func (c *Client) Connect(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return true
	}
	return c.connectLocked(ctx)
}

// connectLocked dials and performs the handshake. Caller holds c.mu.
// The client is shared, so a caller giving up mid-connect must not abort the
// handshake and stamp every other caller with a phantom failure: the dial and
// handshake run detached from the caller's cancellation, bounded by the
// client's own connect timeout.
func (c *Client) connectLocked(ctx context.Context) bool {
	log := clog.FromContext(ctx).With("server", c.id)
	c.status = StatusConnecting

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.connectTimeout)
	defer cancel()

	transport, err := c.dial(dctx)
	if err != nil {
		c.status = StatusError
		c.lastErr = err
		log.With("error", err).Warn("Failed to build transport")
		return false
	}

	session, err := c.impl.Connect(dctx, transport, nil)
	if err != nil {
		c.status = StatusError
		c.lastErr = err
		log.With("error", err).Warn("Failed to connect to tool server")
		return false
	}

	c.session = session
	c.status = StatusConnected
	c.lastErr = nil
	c.connectedAt = time.Now()

	name := "unknown"
	if init := session.InitializeResult(); init != nil && init.ServerInfo != nil {
		name = init.ServerInfo.Name
	}
	log.With("server_name", name).Info("Connected to tool server")

	// Prime the tool cache so the first catalog read is served locally.
	// Discovery failure does not fail the connection.
	if err := c.refreshToolsLocked(dctx); err != nil {
		log.With("error", err).Warn("Initial tool discovery failed")
	}
	return true
}

// ListTools returns the server's tool catalog. Results are cached for the
// configured TTL; force bypasses the cache. A disconnected client makes one
// reconnect attempt before giving up.
func (c *Client) ListTools(ctx context.Context, force bool) ([]ToolDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil && !c.connectLocked(ctx) {
		return nil, fmt.Errorf("server %q unavailable: %w", c.id, c.lastErr)
	}
	if !force && c.tools != nil && time.Since(c.cachedAt) < c.cacheTTL {
		return append([]ToolDescriptor(nil), c.tools...), nil
	}
	if err := c.refreshToolsLocked(ctx); err != nil {
		return nil, fmt.Errorf("listing tools on %q: %w", c.id, err)
	}
	return append([]ToolDescriptor(nil), c.tools...), nil
}

// refreshToolsLocked fetches the catalog and swaps the cache wholesale.
// Caller holds c.mu.
func (c *Client) refreshToolsLocked(ctx context.Context) error {
	res, err := c.session.ListTools(ctx, nil)
	if err != nil {
		return err
	}
	tools := make([]ToolDescriptor, 0, len(res.Tools))
	for _, t := range res.Tools {
		tools = append(tools, ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schemaToMap(t.InputSchema),
		})
	}
	c.tools = tools
	c.cachedAt = time.Now()
	return nil
}

// schemaToMap normalizes the SDK's schema representation to a raw map. The
// schema is treated as opaque end to end.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return nil
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

// Execute invokes a tool and always returns a result with latency populated,
// never an error. Timeouts, transport failures, and tool-reported errors all
// surface as failure results.
func (c *Client) Execute(ctx context.Context, tool string, args map[string]any) InvocationResult {
	start := time.Now()

	c.mu.Lock()
	if c.session == nil {
		c.connectLocked(ctx)
	}
	session := c.session
	c.mu.Unlock()

	if session == nil {
		return c.finish(ctx, tool, InvocationResult{
			Error:   fmt.Sprintf("server %q unavailable", c.id),
			Latency: time.Since(start),
		})
	}

	callCtx, cancel := context.WithTimeout(ctx, c.execTimeout)
	defer cancel()

	res, err := session.CallTool(callCtx, &mcp.CallToolParams{
		Name:      tool,
		Arguments: args,
	})
	latency := time.Since(start)
	if err != nil {
		msg := err.Error()
		if callCtx.Err() == context.DeadlineExceeded {
			msg = "timeout"
		}
		return c.finish(ctx, tool, InvocationResult{Error: msg, Latency: latency})
	}

	content := flattenContent(res.Content)
	if res.IsError {
		return c.finish(ctx, tool, InvocationResult{Error: content, Latency: latency})
	}
	return c.finish(ctx, tool, InvocationResult{Success: true, Content: content, Latency: latency})
}

func (c *Client) finish(ctx context.Context, tool string, res InvocationResult) InvocationResult {
	c.rec.RecordToolLatency(ctx, c.id, tool, res.Latency, res.Success)
	if !res.Success {
		clog.FromContext(ctx).With("server", c.id).
			With("tool", tool).
			With("error", res.Error).
			Warn("Tool execution failed")
	}
	return res
}

// flattenContent renders result content blocks to a single string. Text
// blocks are concatenated; anything else is carried as JSON.
func flattenContent(content []mcp.Content) string {
	var parts []string
	for _, block := range content {
		switch b := block.(type) {
		case *mcp.TextContent:
			parts = append(parts, b.Text)
		default:
			if raw, err := json.Marshal(block); err == nil {
				parts = append(parts, string(raw))
			}
		}
	}
	return strings.Join(parts, "\n")
}

// ListResources returns the server's resource catalog. Resources are not
// cached; catalogs are small and reads are rare.
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	c.mu.Lock()
	if c.session == nil && !c.connectLocked(ctx) {
		err := c.lastErr
		c.mu.Unlock()
		return nil, fmt.Errorf("server %q unavailable: %w", c.id, err)
	}
	session := c.session
	c.mu.Unlock()

	res, err := session.ListResources(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("listing resources on %q: %w", c.id, err)
	}
	resources := make([]Resource, 0, len(res.Resources))
	for _, r := range res.Resources {
		resources = append(resources, Resource{
			URI:         r.URI,
			Name:        r.Name,
			Description: r.Description,
			MIMEType:    r.MIMEType,
		})
	}
	return resources, nil
}

// ReadResource fetches a resource by URI and returns its text content.
func (c *Client) ReadResource(ctx context.Context, uri string) (string, error) {
	c.mu.Lock()
	if c.session == nil && !c.connectLocked(ctx) {
		err := c.lastErr
		c.mu.Unlock()
		return "", fmt.Errorf("server %q unavailable: %w", c.id, err)
	}
	session := c.session
	c.mu.Unlock()

	res, err := session.ReadResource(ctx, &mcp.ReadResourceParams{URI: uri})
	if err != nil {
		return "", fmt.Errorf("reading %q on %q: %w", uri, c.id, err)
	}
	var parts []string
	for _, content := range res.Contents {
		if content.Text != "" {
			parts = append(parts, content.Text)
		}
	}
	return strings.Join(parts, "\n"), nil
}

// Healthy reports whether the client currently holds a live session.
func (c *Client) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == StatusConnected && c.session != nil
}

// Status returns a snapshot of the client's state.
func (c *Client) Status() ClientStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := ClientStatus{
		ID:          c.id,
		Status:      c.status,
		ToolCount:   len(c.tools),
		ConnectedAt: c.connectedAt,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	if !c.cachedAt.IsZero() {
		s.CacheAge = time.Since(c.cachedAt)
	}
	return s
}

// Disconnect closes the session and clears the tool cache. The client can be
// reconnected afterwards.
func (c *Client) Disconnect(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		if err := c.session.Close(); err != nil {
			clog.FromContext(ctx).With("server", c.id).With("error", err).Warn("Error closing session")
		}
		c.session = nil
	}
	c.status = StatusDisconnected
	c.tools = nil
	c.cachedAt = time.Time{}
	c.connectedAt = time.Time{}
}
