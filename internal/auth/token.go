package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"utter/internal/domain"
)

const (
	// DefaultTokenTTL is the validity window of an issued session token.
	DefaultTokenTTL = 24 * time.Hour
	// DefaultRefreshGrace bounds how long after expiry a token may still be refreshed.
	DefaultRefreshGrace = 24 * time.Hour
	// Issuer is stamped into every session token.
	Issuer = "utter-relay"

	minSecretLen = 16
)

// Reasons a token is refused. Each is wrapped in a *domain.Error of kind
// authentication, so callers may test either.
var (
	ErrMalformed          = errors.New("token malformed")
	ErrSignatureInvalid   = errors.New("token signature invalid")
	ErrExpired            = errors.New("token expired")
	ErrRefreshWindowShut  = errors.New("token refresh window closed")
	ErrAssertionMalformed = errors.New("identity assertion malformed")
	ErrAssertionRejected  = errors.New("identity assertion rejected")
	ErrIdentityUnverified = errors.New("identity not confirmed")
)

// Config configures a Service.
type Config struct {
	Secret       []byte
	TTL          time.Duration
	RefreshGrace time.Duration
}

// Claims are the session token claims: sub, iat, exp, iss.
type Claims struct {
	jwt.RegisteredClaims
}

// Issued is a freshly signed session token.
type Issued struct {
	Token     string
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ExpiresIn returns the remaining validity relative to now, in whole seconds.
func (i Issued) ExpiresIn(now time.Time) int64 {
	d := i.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

// Service issues and verifies session tokens.
//
// Verify and Refresh are pure CPU work and safe for concurrent use. Issue
// talks to the identity provider and belongs at the HTTP boundary.
type Service struct {
	verifier domain.IdentityVerifier
	secret   []byte
	ttl      time.Duration
	grace    time.Duration
	now      func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService validates cfg and returns a Service backed by verifier.
func NewService(cfg Config, verifier domain.IdentityVerifier, opts ...Option) (*Service, error) {
	if len(cfg.Secret) < minSecretLen {
		return nil, fmt.Errorf("token secret must be at least %d bytes", minSecretLen)
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTokenTTL
	}
	if cfg.RefreshGrace == 0 {
		cfg.RefreshGrace = DefaultRefreshGrace
	}
	if cfg.TTL < 0 || cfg.RefreshGrace < 0 {
		return nil, errors.New("invalid token lifetime configuration")
	}
	s := &Service{
		verifier: verifier,
		secret:   append([]byte(nil), cfg.Secret...),
		ttl:      cfg.TTL,
		grace:    cfg.RefreshGrace,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue verifies assertion with the identity provider exactly once and signs
// a token for the confirmed subject.
func (s *Service) Issue(ctx context.Context, assertion string) (Issued, error) {
	assertion = strings.TrimSpace(assertion)
	if assertion == "" {
		return Issued{}, authError(ErrAssertionMalformed)
	}
	if s.verifier == nil {
		return Issued{}, authError(ErrAssertionRejected)
	}
	id, err := s.verifier.VerifyAssertion(ctx, assertion)
	if err != nil {
		if errors.Is(err, ErrAssertionMalformed) || errors.Is(err, ErrIdentityUnverified) {
			return Issued{}, domain.Wrap(domain.KindAuthentication, "issue", err)
		}
		return Issued{}, domain.Wrap(domain.KindAuthentication, "issue",
			fmt.Errorf("%w: %v", ErrAssertionRejected, err))
	}
	if !id.EmailVerified {
		return Issued{}, authError(ErrIdentityUnverified)
	}
	subject := SubjectOf(id)
	if subject == "" {
		return Issued{}, authError(ErrAssertionRejected)
	}
	return s.sign(subject)
}

// Verify checks signature and expiry and returns the token subject.
func (s *Service) Verify(token string) (string, error) {
	claims, err := s.parse(token, false)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// Refresh re-signs token with a fresh window. The signature must be valid;
// an expired token is accepted only within the refresh grace period.
func (s *Service) Refresh(token string) (Issued, error) {
	claims, err := s.parse(token, true)
	if err != nil {
		return Issued{}, err
	}
	if claims.ExpiresAt == nil {
		return Issued{}, authError(ErrMalformed)
	}
	if s.now().After(claims.ExpiresAt.Time.Add(s.grace)) {
		return Issued{}, authError(ErrRefreshWindowShut)
	}
	return s.sign(claims.Subject)
}

func (s *Service) sign(subject string) (Issued, error) {
	now := s.now().Truncate(time.Second)
	exp := now.Add(s.ttl)
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return Issued{}, fmt.Errorf("sign token: %w", err)
	}
	return Issued{Token: signed, Subject: subject, IssuedAt: now, ExpiresAt: exp}, nil
}

func (s *Service) parse(token string, allowExpired bool) (*Claims, error) {
	if strings.TrimSpace(token) == "" {
		return nil, authError(ErrMalformed)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if allowExpired {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	claims := &Claims{}
	_, err := jwt.NewParser(opts...).ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, classify(err)
	}
	if claims.Subject == "" {
		return nil, authError(ErrMalformed)
	}
	if allowExpired && claims.Issuer != Issuer {
		return nil, authError(ErrSignatureInvalid)
	}
	return claims, nil
}

// classify maps jwt parse errors onto the three verify reasons.
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return authError(ErrMalformed)
	case errors.Is(err, jwt.ErrTokenExpired):
		return authError(ErrExpired)
	default:
		return domain.Wrap(domain.KindAuthentication, "verify",
			fmt.Errorf("%w: %v", ErrSignatureInvalid, err))
	}
}

func authError(reason error) error {
	return domain.Wrap(domain.KindAuthentication, "session token", reason)
}

// SubjectOf picks the stable owner identifier from a verified identity:
// the lower-cased email address, falling back to the provider subject.
func SubjectOf(id domain.Identity) string {
	if e := strings.ToLower(strings.TrimSpace(id.Email)); e != "" {
		return e
	}
	return strings.TrimSpace(id.Subject)
}
