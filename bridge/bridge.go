/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package bridge is the process-level facade: one value owning the tool host
// and the orchestrator, constructed from a config file path so it can reload
// itself.
package bridge

import (
	"context"
	"fmt"

	"chainguard.dev/toolbridge/mcphost"
	"chainguard.dev/toolbridge/mcphost/mcpconn"
	"chainguard.dev/toolbridge/orchestrator"
	"github.com/chainguard-dev/clog"
)

// Service ties together server connections and the tool-calling loop.
type Service struct {
	host       *mcphost.Host
	orch       *orchestrator.Orchestrator
	configPath string
}

// New builds a Service from a config file and an already-populated backend
// registry. Server connections are established before New returns; servers
// that fail to connect are reported degraded rather than fatal.
func New(ctx context.Context, configPath string, registry *orchestrator.Registry, opts ...Option) (*Service, error) {
	cfg, err := mcphost.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	o := options{maxRounds: cfg.Defaults.MaxRounds}
	for _, opt := range opts {
		opt(&o)
	}

	host, err := mcphost.New(cfg, o.hostOpts...)
	if err != nil {
		return nil, fmt.Errorf("building host: %w", err)
	}
	host.Initialize(ctx)

	var orchOpts []orchestrator.Option
	if o.maxRounds > 0 {
		orchOpts = append(orchOpts, orchestrator.WithMaxRounds(o.maxRounds))
	}
	orch, err := orchestrator.New(registry, host, orchOpts...)
	if err != nil {
		return nil, fmt.Errorf("building orchestrator: %w", err)
	}

	return &Service{
		host:       host,
		orch:       orch,
		configPath: configPath,
	}, nil
}

// Option configures a Service.
type Option func(*options)

type options struct {
	maxRounds int
	hostOpts  []mcphost.Option
}

// WithMaxRounds caps tool rounds per exchange, overriding the config file.
func WithMaxRounds(n int) Option {
	return func(o *options) { o.maxRounds = n }
}

// WithHostOptions forwards options to the underlying host.
func WithHostOptions(opts ...mcphost.Option) Option {
	return func(o *options) { o.hostOpts = append(o.hostOpts, opts...) }
}

// Respond runs one full tool-calling exchange against the named backend.
func (s *Service) Respond(ctx context.Context, turns []orchestrator.Turn, backendID, model string) (*orchestrator.Result, error) {
	return s.orch.Respond(ctx, turns, backendID, model)
}

// ListServers reports the status of every configured server.
func (s *Service) ListServers(ctx context.Context) []mcphost.ServerStatus {
	return s.host.Servers()
}

// ListTools returns the namespaced tool catalog, optionally filtered to the
// given server ids.
func (s *Service) ListTools(ctx context.Context, servers ...string) []mcpconn.ToolDescriptor {
	return s.host.Tools(ctx, servers...)
}

// ExecuteToolDirect invokes one tool on one server without involving any
// model, for diagnostics and scripting.
func (s *Service) ExecuteToolDirect(ctx context.Context, serverID, tool string, args map[string]any) mcpconn.InvocationResult {
	return s.host.ExecuteTool(ctx, serverID+mcphost.NameSeparator+tool, args)
}

// Resources returns the resource listings of every connected server.
func (s *Service) Resources(ctx context.Context) map[string][]mcpconn.Resource {
	return s.host.Resources(ctx)
}

// ReadResource fetches a resource by URI from whichever server serves it.
func (s *Service) ReadResource(ctx context.Context, uri string) (string, error) {
	return s.host.ReadResource(ctx, uri)
}

// Reload re-reads the config file the Service was built from and applies the
// difference to the host. Untouched servers keep their connections.
func (s *Service) Reload(ctx context.Context) error {
	cfg, err := mcphost.LoadConfig(s.configPath)
	if err != nil {
		return fmt.Errorf("reloading config: %w", err)
	}
	clog.FromContext(ctx).With("path", s.configPath).Info("reloading server config")
	return s.host.Reload(ctx, cfg)
}

// Shutdown disconnects every server.
func (s *Service) Shutdown(ctx context.Context) {
	s.host.Shutdown(ctx)
}
