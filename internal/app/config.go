package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/sirupsen/logrus"

	"utter/internal/auth"
	"utter/internal/relay"
)

// DefaultEnvPrefix prefixes every environment override.
const DefaultEnvPrefix = "UTTER_"

// Registry backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config is the relay's runtime configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Token    TokenConfig    `koanf:"token"`
	Identity IdentityConfig `koanf:"identity"`
	Registry RegistryConfig `koanf:"registry"`
	Log      LogConfig      `koanf:"log"`
	TestMode TestModeConfig `koanf:"test_mode"`
}

type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	MaxMessageSize  int           `koanf:"max_message_size"`
	AllowedOrigins  []string      `koanf:"allowed_origins"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

type TokenConfig struct {
	Secret       string        `koanf:"secret"`
	TTL          time.Duration `koanf:"ttl"`
	RefreshGrace time.Duration `koanf:"refresh_grace"`
}

// IdentityConfig names the OAuth client whose ID tokens /auth accepts.
type IdentityConfig struct {
	ClientID string `koanf:"client_id"`
}

type RegistryConfig struct {
	Backend       string `koanf:"backend"`
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
	Prefix        string `koanf:"prefix"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TestModeConfig lets unauthenticated registrations through as Subject.
// It is off unless explicitly enabled.
type TestModeConfig struct {
	Enabled bool   `koanf:"enabled"`
	Subject string `koanf:"subject"`
}

// Defaults returns the built-in configuration.
func Defaults() map[string]any {
	return map[string]any{
		"server.host":             "",
		"server.port":             8080,
		"server.max_message_size": relay.DefaultMaxMessageSize,
		"server.allowed_origins":  []string{},
		"server.shutdown_timeout": "10s",
		"token.ttl":               auth.DefaultTokenTTL.String(),
		"token.refresh_grace":     auth.DefaultRefreshGrace.String(),
		"registry.backend":        BackendMemory,
		"registry.redis_addr":     "127.0.0.1:6379",
		"registry.prefix":         "utter",
		"log.level":               "info",
		"log.format":              "text",
		"test_mode.enabled":       false,
		"test_mode.subject":       "test@localhost",
	}
}

// Validate reports the first configuration error.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.MaxMessageSize <= 0 {
		return errors.New("server.max_message_size must be positive")
	}
	if len(c.Token.Secret) < 16 {
		return errors.New("token.secret must be set (at least 16 bytes)")
	}
	if c.Token.TTL <= 0 || c.Token.RefreshGrace < 0 {
		return errors.New("token.ttl must be positive and token.refresh_grace not negative")
	}
	switch c.Registry.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Registry.RedisAddr == "" {
			return errors.New("registry.redis_addr required for the redis backend")
		}
	default:
		return fmt.Errorf("registry.backend %q: want %s or %s", c.Registry.Backend, BackendMemory, BackendRedis)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format %q: want text or json", c.Log.Format)
	}
	return nil
}

// Loader reads Config from its layered sources.
type Loader struct {
	envPrefix string
	filePath  string
	overrides map[string]any
}

// Option configures a Loader.
type Option func(*Loader)

// WithConfigFile adds a YAML file layer.
func WithConfigFile(path string) Option {
	return func(l *Loader) { l.filePath = path }
}

// WithEnvPrefix replaces DefaultEnvPrefix.
func WithEnvPrefix(prefix string) Option {
	return func(l *Loader) { l.envPrefix = prefix }
}

// WithOverrides adds a final layer, typically from command-line flags.
// Keys are dotted paths such as "server.port".
func WithOverrides(m map[string]any) Option {
	return func(l *Loader) { l.overrides = m }
}

// NewLoader returns a Loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// FilePath returns the YAML file layer, if any.
func (l *Loader) FilePath() string { return l.filePath }

// Load reads every layer into a fresh Config and validates it.
// Later layers win: defaults, file, environment, overrides.
func (l *Loader) Load() (Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}
	if l.filePath != "" {
		if err := k.Load(file.Provider(l.filePath), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", l.filePath, err)
		}
	}
	if err := k.Load(env.Provider(l.envPrefix, ".", l.envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}
	if len(l.overrides) > 0 {
		if err := k.Load(confmap.Provider(l.overrides, "."), nil); err != nil {
			return Config{}, fmt.Errorf("load overrides: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envKey maps UTTER_SERVER__MAX_MESSAGE_SIZE to server.max_message_size.
func (l *Loader) envKey(s string) string {
	s = strings.TrimPrefix(s, l.envPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}
