package client

import (
	"context"
	"errors"

	"utter/internal/relay"
)

// ErrReauthRequired is returned by HTTPTokens.Reissue when no identity
// assertion is available.
var ErrReauthRequired = errors.New("session expired: sign in again")

// HTTPTokens is a TokenSource backed by the relay's HTTP boundary.
type HTTPTokens struct {
	Client *relay.TokenClient
	// Assertion supplies a fresh identity assertion for Reissue. Nil means
	// the user must sign in interactively.
	Assertion func(ctx context.Context) (string, error)
}

func (t HTTPTokens) Refresh(ctx context.Context, token string) (string, error) {
	resp, err := t.Client.Refresh(ctx, token)
	if err != nil {
		return "", err
	}
	return resp.Token, nil
}

func (t HTTPTokens) Reissue(ctx context.Context) (string, error) {
	if t.Assertion == nil {
		return "", ErrReauthRequired
	}
	assertion, err := t.Assertion(ctx)
	if err != nil {
		return "", err
	}
	resp, err := t.Client.Issue(ctx, assertion)
	if err != nil {
		return "", err
	}
	return resp.Token, nil
}

var _ TokenSource = HTTPTokens{}
