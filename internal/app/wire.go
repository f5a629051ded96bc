package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"utter/internal/auth"
	"utter/internal/client"
	"utter/internal/domain"
	"utter/internal/relay"
	"utter/internal/store"
)

// ErrNotLoggedIn is returned when the endpoint has no stored session.
var ErrNotLoggedIn = errors.New("not logged in: run `utter login` first")

// ClientConfig configures an endpoint.
type ClientConfig struct {
	Home       string
	RelayURL   string
	Passphrase string
	HTTP       *http.Client
	Logger     logrus.FieldLogger
	Now        func() time.Time
}

// Wire bundles the endpoint's stores and relay clients.
type Wire struct {
	Keys     *store.KeyFileStore
	Sessions *store.SessionFileStore
	Trust    *store.TrustFileStore
	Tokens   *relay.TokenClient
	HTTP     *http.Client
	RelayURL string

	passphrase string
	log        logrus.FieldLogger
	now        func() time.Time
}

// NewWire constructs the endpoint dependency graph from cfg.
func NewWire(cfg ClientConfig) (*Wire, error) {
	if cfg.Home == "" {
		return nil, errors.New("home directory required")
	}
	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return nil, err
	}
	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	tc, err := relay.NewTokenClient(cfg.RelayURL, httpClient)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Wire{
		Keys:       store.NewKeyFileStore(cfg.Home),
		Sessions:   store.NewSessionFileStore(cfg.Home),
		Trust:      store.NewTrustFileStore(cfg.Home),
		Tokens:     tc,
		HTTP:       httpClient,
		RelayURL:   cfg.RelayURL,
		passphrase: cfg.Passphrase,
		log:        cfg.Logger,
		now:        cfg.Now,
	}, nil
}

// Device loads (or on first use creates) the long-term key pair and
// describes this endpoint.
func (w *Wire) Device(id, name string, role domain.Role, version string) (client.Device, error) {
	if id == "" {
		return client.Device{}, errors.New("device id required")
	}
	if !role.Valid() {
		return client.Device{}, fmt.Errorf("role %q: want %s or %s", role, domain.RoleInitiator, domain.RoleTarget)
	}
	kp, created, err := w.Keys.LoadOrCreate(w.passphrase)
	if err != nil {
		return client.Device{}, err
	}
	if created {
		w.log.WithField("device_id", id).Info("generated device key pair")
	}
	if name == "" {
		name = id
	}
	return client.Device{
		ID:       id,
		Name:     name,
		Role:     role,
		Private:  kp.Private,
		Public:   kp.Public,
		Version:  version,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
	}, nil
}

// Login exchanges an identity assertion for a session token and stores it.
func (w *Wire) Login(ctx context.Context, assertion string) (store.Session, error) {
	resp, err := w.Tokens.Issue(ctx, assertion)
	if err != nil {
		return store.Session{}, err
	}
	return w.save(resp)
}

// Token returns the stored session token, refreshing it first when it
// expires within client.DefaultRefreshThreshold.
func (w *Wire) Token(ctx context.Context) (string, error) {
	sess, ok, err := w.Sessions.LoadSession()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotLoggedIn
	}
	if !auth.ExpiresWithin(sess.Token, client.DefaultRefreshThreshold, w.now()) {
		return sess.Token, nil
	}
	resp, err := w.Tokens.Refresh(ctx, sess.Token)
	if err != nil {
		return "", fmt.Errorf("refresh session: %w", err)
	}
	fresh, err := w.save(resp)
	if err != nil {
		return "", err
	}
	w.log.Debug("session token refreshed")
	return fresh.Token, nil
}

// Dial opens a transport to the relay.
func (w *Wire) Dial(ctx context.Context) (client.Transport, error) {
	return relay.Dial(ctx, w.RelayURL, nil)
}

// Connect dials the relay and registers dev with the stored token.
func (w *Wire) Connect(ctx context.Context, dev client.Device, h client.Handlers) (*client.Session, error) {
	token, err := w.Token(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := w.Dial(ctx)
	if err != nil {
		return nil, err
	}
	return client.Connect(ctx, conn, dev, token, client.SessionOptions{
		Trust:    w.Trust,
		Handlers: h,
		Logger:   w.log,
	})
}

// Supervisor returns a supervisor for dev that persists renewed tokens.
func (w *Wire) Supervisor(dev client.Device, h client.Handlers, onState func(client.State)) (*client.Supervisor, error) {
	sess, ok, err := w.Sessions.LoadSession()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotLoggedIn
	}
	return client.NewSupervisor(client.SupervisorConfig{
		Dial:          w.Dial,
		Device:        dev,
		Tokens:        client.HTTPTokens{Client: w.Tokens},
		Token:         sess.Token,
		Trust:         w.Trust,
		Handlers:      h,
		OnStateChange: onState,
		OnToken:       w.persistToken,
		Logger:        w.log,
		Now:           w.now,
	}), nil
}

func (w *Wire) persistToken(token string) {
	sess, _, err := w.Sessions.LoadSession()
	if err != nil {
		w.log.WithError(err).Warn("read stored session")
	}
	sess.Token = token
	sess.RelayURL = w.RelayURL
	if exp, ok := auth.PeekExpiry(token); ok {
		sess.ExpiresAt = exp
	}
	if err := w.Sessions.SaveSession(sess); err != nil {
		w.log.WithError(err).Warn("persist renewed token")
	}
}

func (w *Wire) save(resp relay.TokenResponse) (store.Session, error) {
	sess := store.Session{
		Token:     resp.Token,
		Subject:   resp.Subject,
		ExpiresAt: w.now().Add(time.Duration(resp.ExpiresIn) * time.Second),
		RelayURL:  w.RelayURL,
	}
	if err := w.Sessions.SaveSession(sess); err != nil {
		return store.Session{}, err
	}
	return sess, nil
}
