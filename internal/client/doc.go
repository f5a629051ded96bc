// Package client is the endpoint side of the relay protocol.
//
// A Session is one registered connection: it encrypts outgoing text to a
// target's public key, decrypts incoming text frames with the device's
// long-term private key, and pins peer keys on first use. A Supervisor keeps
// a Session alive across network failures with capped exponential backoff,
// token refresh before each reconnect, and ping/pong liveness checks.
package client
