package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// PeekExpiry reads the exp claim of a session token without verifying it.
// Endpoints use it to decide when to refresh; it grants nothing.
func PeekExpiry(token string) (time.Time, bool) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// ExpiresWithin reports whether token expires within d of now. Tokens that
// cannot be decoded count as expiring.
func ExpiresWithin(token string, d time.Duration, now time.Time) bool {
	exp, ok := PeekExpiry(token)
	if !ok {
		return true
	}
	return exp.Sub(now) < d
}
