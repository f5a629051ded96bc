package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"utter/internal/domain"
)

// GoogleTokenInfoURL is Google's ID-token introspection endpoint.
const GoogleTokenInfoURL = "https://oauth2.googleapis.com/tokeninfo"

var googleIssuers = map[string]bool{
	"accounts.google.com":         true,
	"https://accounts.google.com": true,
}

// GoogleVerifier checks Google ID tokens via the tokeninfo endpoint and
// insists the token was minted for ClientID.
type GoogleVerifier struct {
	ClientID string
	Endpoint string
	HTTP     *http.Client
}

// NewGoogleVerifier returns a verifier for tokens issued to clientID.
func NewGoogleVerifier(clientID string, httpClient *http.Client) *GoogleVerifier {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &GoogleVerifier{ClientID: clientID, Endpoint: GoogleTokenInfoURL, HTTP: httpClient}
}

type tokenInfo struct {
	Aud           string `json:"aud"`
	Iss           string `json:"iss"`
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified string `json:"email_verified"`
	Exp           string `json:"exp"`
}

// VerifyAssertion implements domain.IdentityVerifier.
func (g *GoogleVerifier) VerifyAssertion(ctx context.Context, assertion string) (domain.Identity, error) {
	if strings.Count(assertion, ".") != 2 {
		return domain.Identity{}, ErrAssertionMalformed
	}
	u := g.Endpoint + "?id_token=" + url.QueryEscape(assertion)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return domain.Identity{}, err
	}
	resp, err := g.HTTP.Do(req)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("tokeninfo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return domain.Identity{}, fmt.Errorf("tokeninfo: %s", resp.Status)
	}

	var info tokenInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return domain.Identity{}, fmt.Errorf("tokeninfo decode: %w", err)
	}
	if g.ClientID == "" || info.Aud != g.ClientID {
		return domain.Identity{}, fmt.Errorf("audience %q not accepted", info.Aud)
	}
	if !googleIssuers[info.Iss] {
		return domain.Identity{}, fmt.Errorf("issuer %q not accepted", info.Iss)
	}
	if info.EmailVerified != "true" {
		return domain.Identity{}, ErrIdentityUnverified
	}
	return domain.Identity{Subject: info.Sub, Email: info.Email, EmailVerified: true}, nil
}

// StaticVerifier accepts a fixed set of assertions. It backs tests and the
// relay's test mode; it never talks to the network.
type StaticVerifier map[string]domain.Identity

// VerifyAssertion implements domain.IdentityVerifier.
func (s StaticVerifier) VerifyAssertion(_ context.Context, assertion string) (domain.Identity, error) {
	id, ok := s[assertion]
	if !ok {
		return domain.Identity{}, ErrAssertionRejected
	}
	return id, nil
}

var (
	_ domain.IdentityVerifier = (*GoogleVerifier)(nil)
	_ domain.IdentityVerifier = StaticVerifier(nil)
)
