// Package auth verifies bearer tokens for WebSocket connections.
//
// Tokens are HS256-signed JWTs carrying the client id in "sub" and an
// optional "role" claim distinguishing operators from agent processes.
// Verification is optional at the server level; when no secret is
// configured the server accepts anonymous connections.
package auth
