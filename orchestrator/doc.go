/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package orchestrator runs the provider-neutral tool-calling loop.
//
// Providers disagree about everything around tool calling: how tools are
// declared, how the model signals it wants one, whether arguments arrive as
// JSON strings or structured maps, and how results are threaded back into
// the conversation. This package confines each provider's answers to those
// questions behind the Backend interface and keeps the loop itself working
// on neutral Turn values.
//
// The loop is bounded: at most a configured number of tool rounds run before
// the exchange is returned as incomplete. Within a round, requested calls
// execute in parallel; rounds themselves are strictly sequential because each
// one depends on the model seeing the previous round's results. Tool
// failures flow back to the model as data so it can recover; only provider
// responses the backend cannot translate abort the exchange.
package orchestrator
