/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package mcphost aggregates multiple MCP tool servers behind one interface.
//
// The Host owns a client per configured server and presents their tools as a
// single merged catalog. Tool names are namespaced as "server__tool" so that
// same-named tools on different servers never collide, and execution routes
// back to the owning server by splitting on the same separator.
//
// Server failures are isolated: a server that fails to connect, times out,
// or rejects a call produces a failure InvocationResult for its own tools
// while the rest of the fleet keeps serving. Configuration is YAML; Reload
// applies a new file by diffing against the running state, so unchanged
// servers keep their connections and caches.
package mcphost
