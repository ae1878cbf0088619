/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package mcpconn manages the connection to a single MCP tool server.
//
// A Client wraps one protocol session over a stdio, SSE, or streamable HTTP
// transport. It handles the handshake, caches the server's tool catalog with
// a TTL, and executes tool calls with a per-call deadline. Execution failures
// of every kind (timeouts, transport errors, tool-reported errors) come back
// as InvocationResult values rather than Go errors, so callers can hand them
// to a model as observable data.
//
// Clients reconnect lazily: a disconnected client makes exactly one connect
// attempt when a catalog read or execution needs the session, then reports
// failure without retry storms.
package mcpconn
