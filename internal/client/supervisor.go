package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"utter/internal/auth"
	"utter/internal/domain"
)

// State is the supervisor's connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateBackingOff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackingOff:
		return "backing_off"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const (
	DefaultRefreshThreshold = 5 * time.Minute
	DefaultPingInterval     = 5 * time.Second
	DefaultPongWait         = 5 * time.Second
)

// TokenSource renews session tokens.
type TokenSource interface {
	// Refresh re-signs token at the relay.
	Refresh(ctx context.Context, token string) (string, error)
	// Reissue runs the full identity flow again.
	Reissue(ctx context.Context) (string, error)
}

// Dialer opens a new transport to the relay.
type Dialer func(ctx context.Context) (Transport, error)

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	Dial    Dialer
	Device  Device
	Tokens  TokenSource
	Token   string
	Trust   TrustChecker
	Backoff Backoff

	RefreshThreshold time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration

	Handlers Handlers
	// OnStateChange is called synchronously on every transition.
	OnStateChange func(State)
	// OnToken is called with every renewed token so it can be persisted.
	OnToken func(token string)
	// OnBackoff is called before each wait with the attempt number and delay.
	OnBackoff func(attempt int, delay time.Duration)

	Logger logrus.FieldLogger
	Now    func() time.Time
}

// Supervisor keeps one registered session alive.
type Supervisor struct {
	cfg SupervisorConfig
	log logrus.FieldLogger

	mu      sync.Mutex
	state   State
	session *Session
	token   string
	stale   bool
}

// NewSupervisor fills defaults and returns an idle supervisor.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.RefreshThreshold <= 0 {
		cfg.RefreshThreshold = DefaultRefreshThreshold
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = DefaultPongWait
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Supervisor{
		cfg:   cfg,
		log:   cfg.Logger.WithFields(logrus.Fields{"component": "supervisor", "device_id": cfg.Device.ID}),
		token: cfg.Token,
	}
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Session returns the live session, or nil while disconnected.
func (s *Supervisor) Session() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Token returns the token currently held.
func (s *Supervisor) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	changed := s.state != st
	s.state = st
	s.mu.Unlock()
	if changed && s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(st)
	}
}

// Run connects and reconnects until ctx is done. The attempt counter resets
// only after the relay acknowledges a registration.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.setState(StateIdle)
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.setState(StateConnecting)
		sess, err := s.connect(ctx)
		if err == nil {
			attempt = 0
			s.mu.Lock()
			s.session = sess
			s.mu.Unlock()
			s.setState(StateConnected)

			go sess.KeepAlive(ctx, s.cfg.PingInterval, s.cfg.PongWait)
			select {
			case <-sess.Done():
				err = sess.Err()
			case <-ctx.Done():
				sess.Close()
			}

			s.mu.Lock()
			s.session = nil
			s.mu.Unlock()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, domain.ErrAuthentication) {
			s.mu.Lock()
			s.stale = true
			s.mu.Unlock()
		}

		delay := s.cfg.Backoff.Delay(attempt)
		s.log.WithError(err).WithFields(logrus.Fields{"attempt": attempt, "delay": delay}).Warn("relay connection lost")
		s.setState(StateBackingOff)
		if s.cfg.OnBackoff != nil {
			s.cfg.OnBackoff(attempt, delay)
		}
		attempt++

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Supervisor) connect(ctx context.Context) (*Session, error) {
	token, err := s.ensureToken(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := s.cfg.Dial(ctx)
	if err != nil {
		return nil, err
	}
	return Connect(ctx, conn, s.cfg.Device, token, SessionOptions{
		Trust:    s.cfg.Trust,
		Handlers: s.cfg.Handlers,
		Logger:   s.cfg.Logger,
	})
}

// ensureToken refreshes a token that is close to expiry or was refused,
// falling back to a full reissue when refresh fails.
func (s *Supervisor) ensureToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	token, stale := s.token, s.stale
	s.mu.Unlock()

	if !stale && token != "" && !auth.ExpiresWithin(token, s.cfg.RefreshThreshold, s.cfg.Now()) {
		return token, nil
	}
	if s.cfg.Tokens == nil {
		if token == "" {
			return "", errors.New("no session token")
		}
		return token, nil
	}

	var fresh string
	var err error
	if token != "" {
		fresh, err = s.cfg.Tokens.Refresh(ctx, token)
		if err != nil {
			s.log.WithError(err).Info("token refresh failed, re-authenticating")
		}
	}
	if token == "" || err != nil {
		fresh, err = s.cfg.Tokens.Reissue(ctx)
		if err != nil {
			return "", fmt.Errorf("reissue token: %w", err)
		}
	}

	s.mu.Lock()
	s.token, s.stale = fresh, false
	s.mu.Unlock()
	if s.cfg.OnToken != nil {
		s.cfg.OnToken(fresh)
	}
	return fresh, nil
}
