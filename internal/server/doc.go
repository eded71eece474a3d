// Package server exposes the orchestrator over WebSocket.
//
// A single HTTP listener serves two endpoints: /ws upgrades to a
// WebSocket connection carrying protocol envelopes, and /healthz answers
// liveness probes. Each accepted connection is registered in the
// connection pool, greeted with CONNECTION_ESTABLISHED, and drained by a
// per-connection read loop that hands every envelope to the router.
// Authentication is optional: with a verifier configured, /ws requires a
// valid bearer token.
package server
