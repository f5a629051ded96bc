package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"utter/internal/auth"
	"utter/internal/domain"
	"utter/internal/registry"
	"utter/internal/relay"
)

// Server is a fully wired relay hub.
type Server struct {
	Tokens *auth.Service
	Router *relay.Router
	Store  domain.DeviceStore

	handler http.Handler
	log     *logrus.Logger
	rdb     redis.UniversalClient
	ownsRDB bool

	mu  sync.Mutex
	cfg Config
}

// ServerOption customises NewServer.
type ServerOption func(*serverDeps)

type serverDeps struct {
	verifier domain.IdentityVerifier
	rdb      redis.UniversalClient
	now      func() time.Time
}

// WithVerifier replaces the Google tokeninfo verifier.
func WithVerifier(v domain.IdentityVerifier) ServerOption {
	return func(d *serverDeps) { d.verifier = v }
}

// WithRedisClient supplies the client for the redis backend instead of
// dialing registry.redis_addr. The server does not close it.
func WithRedisClient(rdb redis.UniversalClient) ServerOption {
	return func(d *serverDeps) { d.rdb = rdb }
}

// WithClock replaces time.Now for token issuance and message timestamps.
func WithClock(now func() time.Time) ServerOption {
	return func(d *serverDeps) { d.now = now }
}

// NewServer builds the registry, token service, router and HTTP handler
// described by cfg.
func NewServer(ctx context.Context, cfg Config, log *logrus.Logger, opts ...ServerOption) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	deps := serverDeps{now: time.Now}
	for _, opt := range opts {
		opt(&deps)
	}

	s := &Server{log: log, cfg: cfg}
	if err := s.openStore(ctx, cfg.Registry, deps.rdb); err != nil {
		return nil, err
	}

	verifier := deps.verifier
	if verifier == nil {
		if cfg.Identity.ClientID == "" {
			log.Warn("identity.client_id not set: /auth will reject every assertion")
			verifier = auth.StaticVerifier{}
		} else {
			verifier = auth.NewGoogleVerifier(cfg.Identity.ClientID, &http.Client{Timeout: 10 * time.Second})
		}
	}
	tokens, err := auth.NewService(auth.Config{
		Secret:       []byte(cfg.Token.Secret),
		TTL:          cfg.Token.TTL,
		RefreshGrace: cfg.Token.RefreshGrace,
	}, verifier, auth.WithClock(deps.now))
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.Tokens = tokens

	if cfg.TestMode.Enabled {
		log.WithField("subject", cfg.TestMode.Subject).Warn("test mode enabled: empty session tokens are accepted")
	}
	s.Router = relay.NewRouter(s.Store, tokens, relay.Options{
		MaxMessageSize: cfg.Server.MaxMessageSize,
		TestMode:       cfg.TestMode.Enabled,
		TestSubject:    cfg.TestMode.Subject,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         log,
		Now:            deps.now,
	})
	s.handler = relay.NewHandler(tokens, s.Router, log)
	return s, nil
}

// openStore selects the registry backend. A redis registry is emptied on
// start since no connection survives a restart.
func (s *Server) openStore(ctx context.Context, cfg RegistryConfig, rdb redis.UniversalClient) error {
	if cfg.Backend != BackendRedis {
		s.Store = registry.NewMemory()
		return nil
	}
	if rdb == nil {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		s.ownsRDB = true
	}
	s.rdb = rdb

	reg := registry.NewRedis(rdb, cfg.Prefix)
	if err := reg.Ping(ctx); err != nil {
		_ = s.Close()
		return err
	}
	if err := reg.Reset(ctx); err != nil {
		_ = s.Close()
		return fmt.Errorf("reset registry: %w", err)
	}
	s.Store = reg
	s.log.WithFields(logrus.Fields{"addr": cfg.RedisAddr, "prefix": cfg.Prefix}).Info("using redis registry")
	return nil
}

// Handler returns the HTTP boundary.
func (s *Server) Handler() http.Handler { return s.handler }

// Config returns the configuration currently in effect.
func (s *Server) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply takes the runtime-adjustable settings from cfg: log level and
// format and the message size ceiling. Anything else is logged as needing
// a restart.
func (s *Server) Apply(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	old := s.cfg
	s.cfg.Log = cfg.Log
	s.cfg.Server.MaxMessageSize = cfg.Server.MaxMessageSize
	s.mu.Unlock()

	if err := applyLogConfig(s.log, cfg.Log); err != nil {
		return err
	}
	if cfg.Server.MaxMessageSize != old.Server.MaxMessageSize {
		s.Router.SetMaxMessageSize(cfg.Server.MaxMessageSize)
		s.log.WithField("max_message_size", cfg.Server.MaxMessageSize).Info("message size limit changed")
	}

	restart := cfg
	restart.Log = old.Log
	restart.Server.MaxMessageSize = old.Server.MaxMessageSize
	if !reflect.DeepEqual(restart, old) {
		s.log.Warn("configuration changed in fields that need a restart; keeping the running values")
	}
	return nil
}

// Reload loads l again and applies the result.
func (s *Server) Reload(l *Loader) error {
	cfg, err := l.Load()
	if err != nil {
		return err
	}
	return s.Apply(cfg)
}

// Serve accepts connections on ln until ctx is done, then stops accepting,
// closes every relay connection and waits up to server.shutdown_timeout
// for in-flight HTTP requests.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.WithField("addr", ln.Addr().String()).Info("relay listening")

	select {
	case err := <-errCh:
		s.Router.Shutdown()
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.Config().Server.ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Router.Shutdown()
	if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return err
}

// ListenAndServe listens on server.host:server.port and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Config().Server.Addr())
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Close releases the redis client if the server dialed it.
func (s *Server) Close() error {
	if s.rdb != nil && s.ownsRDB {
		return s.rdb.Close()
	}
	return nil
}
