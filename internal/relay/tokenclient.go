package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// TokenClient calls the relay's HTTP boundary.
type TokenClient struct {
	Base string
	HTTP *http.Client
}

// NewTokenClient returns a client for the relay at relayURL, which may be
// given in its HTTP or WebSocket form.
func NewTokenClient(relayURL string, httpClient *http.Client) (*TokenClient, error) {
	base, err := HTTPBaseURL(relayURL)
	if err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &TokenClient{Base: base, HTTP: httpClient}, nil
}

// Issue exchanges an identity assertion for a session token.
func (c *TokenClient) Issue(ctx context.Context, assertion string) (TokenResponse, error) {
	var out TokenResponse
	err := c.post(ctx, "/auth", map[string]string{"assertion": assertion}, &out)
	return out, err
}

// Refresh re-signs token.
func (c *TokenClient) Refresh(ctx context.Context, token string) (TokenResponse, error) {
	var out TokenResponse
	err := c.post(ctx, "/auth/refresh", map[string]string{"token": token}, &out)
	return out, err
}

// Health checks the relay is up.
func (c *TokenClient) Health(ctx context.Context) error {
	var out map[string]string
	if err := c.getJSON(ctx, "/health", &out); err != nil {
		return err
	}
	if out["status"] != "ok" {
		return fmt.Errorf("relay health: status %q", out["status"])
	}
	return nil
}

// StatusError is a non-2xx answer from the relay.
type StatusError struct {
	Method string
	Path   string
	Status int
	Reason string
}

func (e *StatusError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("relay %s %s: %d %s", e.Method, e.Path, e.Status, e.Reason)
	}
	return fmt.Sprintf("relay %s %s: %d", e.Method, e.Path, e.Status)
}

func (c *TokenClient) post(ctx context.Context, path string, in, out any) error {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(in); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Base+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path, out)
}

func (c *TokenClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, path, out)
}

func (c *TokenClient) do(req *http.Request, path string, out any) error {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		var body errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return &StatusError{Method: req.Method, Path: path, Status: resp.StatusCode, Reason: strings.TrimSpace(body.Error)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
