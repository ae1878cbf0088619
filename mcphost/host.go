/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package mcphost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"chainguard.dev/toolbridge/mcphost/mcpconn"
	"github.com/chainguard-dev/clog"
	"github.com/google/jsonschema-go/jsonschema"
	"golang.org/x/sync/errgroup"
)

// Separator between the server id and the tool name in the merged catalog.
// ParseConfig rejects server ids containing it, so namespaced names cannot
// collide across servers.
const NameSeparator = "__"

// ServerStatus is one server's entry in the host status report.
type ServerStatus struct {
	ID          string
	DisplayName string
	Description string
	Status      mcpconn.Status
	ToolCount   int
	LastError   string
	ConnectedAt time.Time
}

// ClientFactory builds the client for one configured server. Tests substitute
// factories that connect over in-memory transports.
type ClientFactory func(id string, cfg ServerConfig) (*mcpconn.Client, error)

// Host manages the fleet of configured tool servers and presents their tools
// as a single merged, namespaced catalog.
type Host struct {
	newClient ClientFactory

	mu      sync.RWMutex
	clients map[string]*mcpconn.Client
	cfgs    map[string]ServerConfig
}

// Option configures a Host.
type Option func(*Host) error

// WithClientFactory replaces how per-server clients are constructed.
func WithClientFactory(f ClientFactory) Option {
	return func(h *Host) error {
		if f == nil {
			return fmt.Errorf("client factory cannot be nil")
		}
		h.newClient = f
		return nil
	}
}

// New builds a Host from configuration. Connections are not opened until
// Initialize.
func New(cfg *Config, opts ...Option) (*Host, error) {
	h := &Host{
		clients: map[string]*mcpconn.Client{},
		cfgs:    map[string]ServerConfig{},
	}
	h.newClient = defaultClientFactory(cfg.Defaults)
	for _, opt := range opts {
		if err := opt(h); err != nil {
			return nil, err
		}
	}

	for id, sc := range cfg.Servers {
		if !sc.IsEnabled() {
			continue
		}
		client, err := h.newClient(id, sc)
		if err != nil {
			return nil, fmt.Errorf("building client for %q: %w", id, err)
		}
		h.clients[id] = client
		h.cfgs[id] = sc
	}
	return h, nil
}

func defaultClientFactory(defaults Defaults) ClientFactory {
	return func(id string, sc ServerConfig) (*mcpconn.Client, error) {
		var opts []mcpconn.Option
		if ttl := defaults.ToolCacheTTL.Std(); ttl > 0 {
			opts = append(opts, mcpconn.WithCacheTTL(ttl))
		}
		if timeout := defaults.ExecuteTimeout.Std(); timeout > 0 {
			opts = append(opts, mcpconn.WithExecuteTimeout(timeout))
		}
		return mcpconn.NewClient(id, sc.transportConfig(), opts...)
	}
}

// Initialize connects every configured server concurrently. A server that
// fails to come up is logged and left in its error state; it never blocks or
// fails its siblings, and Initialize itself does not error on partial
// connectivity.
func (h *Host) Initialize(ctx context.Context) {
	h.mu.RLock()
	clients := make([]*mcpconn.Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	var connected int64
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range clients {
		g.Go(func() error {
			if c.Connect(gctx) {
				mu.Lock()
				connected++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	clog.FromContext(ctx).With("connected", connected).
		With("configured", len(clients)).
		Info("Tool host initialized")
}

// client returns the client for a server id, or nil.
func (h *Host) client(id string) *mcpconn.Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[id]
}

// serverIDs returns the configured ids, sorted for deterministic iteration.
func (h *Host) serverIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// filterIDs applies an optional server filter to the configured ids.
func (h *Host) filterIDs(servers []string) []string {
	ids := h.serverIDs()
	if len(servers) == 0 {
		return ids
	}
	want := make(map[string]bool, len(servers))
	for _, s := range servers {
		want[s] = true
	}
	filtered := ids[:0]
	for _, id := range ids {
		if want[id] {
			filtered = append(filtered, id)
		}
	}
	return filtered
}

// Tools returns the merged catalog across the requested servers (all servers
// when none are named). Tool names are prefixed with the owning server id.
// Servers that are down or fail discovery are skipped, not fatal.
func (h *Host) Tools(ctx context.Context, servers ...string) []mcpconn.ToolDescriptor {
	log := clog.FromContext(ctx)
	var merged []mcpconn.ToolDescriptor
	for _, id := range h.filterIDs(servers) {
		c := h.client(id)
		tools, err := c.ListTools(ctx, false)
		if err != nil {
			log.With("server", id).With("error", err).Warn("Skipping server in tool catalog")
			continue
		}
		for _, t := range tools {
			t.Server = id
			t.Name = id + NameSeparator + t.Name
			merged = append(merged, t)
		}
	}
	return merged
}

// ExecuteTool routes a namespaced tool call to its server and executes it.
// Routing failures and argument validation failures come back as failure
// results so the model can see them.
func (h *Host) ExecuteTool(ctx context.Context, name string, args map[string]any) mcpconn.InvocationResult {
	server, tool, ok := strings.Cut(name, NameSeparator)
	if !ok || server == "" || tool == "" {
		return mcpconn.InvocationResult{
			Error: fmt.Sprintf("malformed tool name %q, want server%stool", name, NameSeparator),
		}
	}
	c := h.client(server)
	if c == nil {
		return mcpconn.InvocationResult{
			Error: fmt.Sprintf("server %q not found", server),
		}
	}

	if schema := h.toolSchema(ctx, c, tool); schema != nil {
		if err := validateArgs(schema, args); err != nil {
			return mcpconn.InvocationResult{
				Error: fmt.Sprintf("invalid arguments for %s: %v", name, err),
			}
		}
	}
	return c.Execute(ctx, tool, args)
}

// toolSchema fetches the cached input schema for a tool, or nil when the
// catalog or the tool is unavailable. Missing schemas skip validation rather
// than block execution.
func (h *Host) toolSchema(ctx context.Context, c *mcpconn.Client, tool string) map[string]any {
	tools, err := c.ListTools(ctx, false)
	if err != nil {
		return nil
	}
	for _, t := range tools {
		if t.Name == tool {
			return t.InputSchema
		}
	}
	return nil
}

// validateArgs checks args against the tool's JSON schema.
func validateArgs(schemaMap map[string]any, args map[string]any) error {
	data, err := json.Marshal(schemaMap)
	if err != nil {
		return nil
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		// A schema the validator cannot represent is the server's problem;
		// let the server do its own checking.
		return nil
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	return resolved.Validate(args)
}

// HealthCheck reports per-server liveness for the requested servers (all
// when none are named).
func (h *Host) HealthCheck(ctx context.Context, servers ...string) map[string]bool {
	health := map[string]bool{}
	for _, id := range h.filterIDs(servers) {
		health[id] = h.client(id).Healthy()
	}
	return health
}

// Servers returns status snapshots for all configured servers, sorted by id.
func (h *Host) Servers() []ServerStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	statuses := make([]ServerStatus, 0, len(ids))
	for _, id := range ids {
		cs := h.clients[id].Status()
		sc := h.cfgs[id]
		statuses = append(statuses, ServerStatus{
			ID:          id,
			DisplayName: sc.DisplayName,
			Description: sc.Description,
			Status:      cs.Status,
			ToolCount:   cs.ToolCount,
			LastError:   cs.LastError,
			ConnectedAt: cs.ConnectedAt,
		})
	}
	return statuses
}

// Resources returns each connected server's resource catalog keyed by server
// id. Servers without resource support are omitted.
func (h *Host) Resources(ctx context.Context) map[string][]mcpconn.Resource {
	out := map[string][]mcpconn.Resource{}
	for _, id := range h.serverIDs() {
		c := h.client(id)
		if !c.Healthy() {
			continue
		}
		resources, err := c.ListResources(ctx)
		if err != nil || len(resources) == 0 {
			continue
		}
		out[id] = resources
	}
	return out
}

// ReadResource finds the server exposing uri and reads it.
func (h *Host) ReadResource(ctx context.Context, uri string) (string, error) {
	for _, id := range h.serverIDs() {
		c := h.client(id)
		if !c.Healthy() {
			continue
		}
		resources, err := c.ListResources(ctx)
		if err != nil {
			continue
		}
		for _, r := range resources {
			if r.URI == uri {
				return c.ReadResource(ctx, uri)
			}
		}
	}
	return "", fmt.Errorf("resource %q not found on any connected server", uri)
}

// Reload applies a new configuration. Removed or disabled servers are
// disconnected and dropped, new servers are connected, servers whose
// transport configuration changed are reconnected, and untouched servers
// keep their connection and tool cache.
func (h *Host) Reload(ctx context.Context, cfg *Config) error {
	log := clog.FromContext(ctx)

	h.mu.Lock()
	var added, removed, changed []string
	for id, sc := range h.cfgs {
		next, ok := cfg.Servers[id]
		switch {
		case !ok || !next.IsEnabled():
			removed = append(removed, id)
		case !reflect.DeepEqual(sc, next):
			changed = append(changed, id)
		}
	}
	for id, sc := range cfg.Servers {
		if sc.IsEnabled() {
			if _, ok := h.cfgs[id]; !ok {
				added = append(added, id)
			}
		}
	}

	for _, id := range removed {
		h.clients[id].Disconnect(ctx)
		delete(h.clients, id)
		delete(h.cfgs, id)
	}

	var connect []*mcpconn.Client
	var errs []error
	for _, id := range changed {
		h.clients[id].Disconnect(ctx)
		client, err := h.newClient(id, cfg.Servers[id])
		if err != nil {
			errs = append(errs, fmt.Errorf("rebuilding client for %q: %w", id, err))
			delete(h.clients, id)
			delete(h.cfgs, id)
			continue
		}
		h.clients[id] = client
		h.cfgs[id] = cfg.Servers[id]
		connect = append(connect, client)
	}
	for _, id := range added {
		client, err := h.newClient(id, cfg.Servers[id])
		if err != nil {
			errs = append(errs, fmt.Errorf("building client for %q: %w", id, err))
			continue
		}
		h.clients[id] = client
		h.cfgs[id] = cfg.Servers[id]
		connect = append(connect, client)
	}
	h.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range connect {
		g.Go(func() error {
			c.Connect(gctx)
			return nil
		})
	}
	_ = g.Wait()

	log.With("added", len(added)).
		With("removed", len(removed)).
		With("changed", len(changed)).
		Info("Configuration reloaded")

	if len(errs) > 0 {
		return fmt.Errorf("reload completed with errors: %w", errors.Join(errs...))
	}
	return nil
}

// Shutdown disconnects every server concurrently.
func (h *Host) Shutdown(ctx context.Context) {
	h.mu.Lock()
	clients := make([]*mcpconn.Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = map[string]*mcpconn.Client{}
	h.cfgs = map[string]ServerConfig{}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Disconnect(ctx)
		}()
	}
	wg.Wait()
	clog.FromContext(ctx).Info("Tool host shut down")
}
