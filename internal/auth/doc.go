// Package auth is the relay's session token service.
//
// A client trades an identity assertion (a Google ID token) for a short-lived
// HS256 session token once, over HTTP; afterwards every WebSocket
// registration presents only the session token, which Verify checks locally
// without network I/O. Refresh extends a token that expired no more than the
// configured grace period ago.
//
// All failures are *domain.Error values of kind authentication wrapping one
// of the package's reason sentinels (ErrMalformed, ErrSignatureInvalid,
// ErrExpired, ...), so callers can branch with errors.Is on either level.
package auth
