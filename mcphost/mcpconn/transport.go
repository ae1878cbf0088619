/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package mcpconn

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Transport kinds accepted in server configuration.
const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"
	TransportHTTP  = "http"
)

// TransportConfig describes how to reach one tool server. Exactly one of the
// stdio fields (Command) or the network fields (URL) applies, selected by
// Transport.
type TransportConfig struct {
	Transport string
	// Command and Args spawn a local server process speaking JSON-RPC over
	// stdio. Env entries overlay the inherited process environment.
	Command string
	Args    []string
	Env     map[string]string
	// URL and Headers reach a remote server over SSE or streamable HTTP.
	URL     string
	Headers map[string]string
}

// Validate checks that the configuration names a known transport and carries
// the fields that transport needs.
func (c TransportConfig) Validate() error {
	switch c.Transport {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("stdio transport requires a command")
		}
	case TransportSSE, TransportHTTP:
		if c.URL == "" {
			return fmt.Errorf("%s transport requires a url", c.Transport)
		}
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	return nil
}

// TransportFor builds the MCP transport for the given configuration. For
// stdio a fresh command is built per call, so every dial spawns a new server
// process.
func TransportFor(cfg TransportConfig) (mcp.Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Transport {
	case TransportStdio:
		cmd := exec.Command(cfg.Command, cfg.Args...)
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		return &mcp.CommandTransport{Command: cmd}, nil
	case TransportSSE:
		return &mcp.SSEClientTransport{
			Endpoint:   cfg.URL,
			HTTPClient: httpClientFor(cfg.Headers),
		}, nil
	case TransportHTTP:
		return &mcp.StreamableClientTransport{
			Endpoint:   cfg.URL,
			HTTPClient: httpClientFor(cfg.Headers),
		}, nil
	}
	// Unreachable after Validate.
	return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}

func httpClientFor(headers map[string]string) *http.Client {
	if len(headers) == 0 {
		return nil
	}
	return &http.Client{Transport: &headerRoundTripper{
		headers: headers,
		next:    http.DefaultTransport,
	}}
}

// headerRoundTripper injects static headers (auth tokens, API keys) into
// every request to a remote server.
type headerRoundTripper struct {
	headers map[string]string
	next    http.RoundTripper
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	return h.next.RoundTrip(req)
}
