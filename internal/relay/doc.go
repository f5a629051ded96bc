// Package relay is the relay hub: a WebSocket router that keeps the live
// device registry and forwards encrypted envelopes between devices of the
// same owner, plus the HTTP boundary that issues and refreshes session
// tokens.
//
// The relay never sees plaintext. It checks that every message carries the
// encrypted marker, enforces the per-message size ceiling, and only routes
// between devices whose registrations resolved to the same token subject.
//
// HTTP API
//
//	POST /auth {"assertion": "..."}
//	    Verify an identity assertion once and return a session token.
//
//	POST /auth/refresh {"token": "..."}
//	    Re-sign a token that is valid or expired within the grace period.
//
//	GET /health
//	    Liveness probe, {"status":"ok"}.
//
//	GET /ws
//	    Upgrade to the framed WebSocket transport (see package protocol).
//
// Every request is recorded in an access log with method, path, status,
// bytes and duration.
//
// The package also holds the endpoint side of both transports: Dial opens
// the WebSocket connection and TokenClient talks to the HTTP boundary.
package relay
