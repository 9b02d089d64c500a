// Package config loads taskrpcd settings from an optional .env file, an
// optional YAML file and the process environment, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// FileEnv names the variable holding the YAML config path.
const FileEnv = "TASKRPC_CONFIG"

// Config is the complete daemon configuration.
type Config struct {
	Listen string `yaml:"listen" env:"TASKRPC_LISTEN"`

	Log     Log     `yaml:"log"`
	Store   Store   `yaml:"store"`
	Auth    Auth    `yaml:"auth"`
	Broker  Broker  `yaml:"broker"`
	Streams Streams `yaml:"streams"`

	// KeywordFallback enables message keyword classification of handler
	// errors that carry no explicit status.
	KeywordFallback bool          `yaml:"keyword_fallback" env:"TASKRPC_KEYWORD_FALLBACK"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"TASKRPC_SHUTDOWN_TIMEOUT"`
}

type Log struct {
	Level  string `yaml:"level" env:"TASKRPC_LOG_LEVEL"`
	Format string `yaml:"format" env:"TASKRPC_LOG_FORMAT"`
}

// Store selects persistence. An empty Path keeps everything in memory.
type Store struct {
	Path string `yaml:"path" env:"TASKRPC_DB_PATH"`
}

type Auth struct {
	// Secret signs tokens issued by the account service. Required, at
	// least 32 bytes.
	Secret   string        `yaml:"secret" env:"TASKRPC_JWT_SECRET"`
	Issuer   string        `yaml:"issuer" env:"TASKRPC_JWT_ISSUER"`
	TokenTTL time.Duration `yaml:"token_ttl" env:"TASKRPC_JWT_TTL"`

	// SkipList names methods that run without a bearer token. Comma
	// separated in the environment.
	SkipList []string `yaml:"skip_list"`
	SkipEnv  string   `yaml:"-" env:"TASKRPC_SKIP_LIST"`

	// Realm is advertised in Bearer challenges.
	Realm string `yaml:"realm" env:"TASKRPC_AUTH_REALM"`
	// Resource is this server's public base URL. With an external issuer
	// it enables the OAuth protected resource metadata document.
	Resource string `yaml:"resource" env:"TASKRPC_PUBLIC_URL"`

	// External accepts tokens from a second authorization server as well.
	External External `yaml:"external"`
}

// External describes an optional OIDC or static JWKS token source.
type External struct {
	Issuer   string `yaml:"issuer" env:"TASKRPC_OIDC_ISSUER"`
	JWKSURL  string `yaml:"jwks_url" env:"TASKRPC_OIDC_JWKS_URL"`
	Audience string `yaml:"audience" env:"TASKRPC_OIDC_AUDIENCE"`
}

// Enabled reports whether an external issuer is configured.
func (e External) Enabled() bool { return e.Issuer != "" }

// Broker selects cross-node event fan-out. An empty RedisAddr keeps events
// in process.
type Broker struct {
	RedisAddr string `yaml:"redis_addr" env:"TASKRPC_REDIS_ADDR"`
	KeyPrefix string `yaml:"key_prefix" env:"TASKRPC_REDIS_PREFIX"`
	Namespace string `yaml:"namespace" env:"TASKRPC_BROKER_NAMESPACE"`
}

type Streams struct {
	// MaxPending bounds each session's outbox. Zero means unbounded.
	MaxPending int           `yaml:"max_pending" env:"TASKRPC_MAX_PENDING"`
	PingPeriod time.Duration `yaml:"ping_period" env:"TASKRPC_WS_PING_PERIOD"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Log:    Log{Level: "info", Format: "text"},
		Auth: Auth{
			Issuer:   "taskrpc",
			TokenTTL: 24 * time.Hour,
			Realm:    "taskrpc",
			SkipList: []string{
				"/auth.AuthService/Register",
				"/auth.AuthService/Login",
			},
		},
		Broker:          Broker{Namespace: "taskrpc"},
		Streams:         Streams{PingPeriod: 30 * time.Second},
		KeywordFallback: true,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load reads .env from the working directory when present, then the YAML
// file named by TASKRPC_CONFIG when set, then environment overrides.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return LoadFile(os.Getenv(FileEnv))
}

// LoadFile is Load without the .env step. An empty path skips the YAML
// layer.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode env: %w", err)
	}
	if cfg.Auth.SkipEnv != "" {
		cfg.Auth.SkipList = splitList(cfg.Auth.SkipEnv)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if len(c.Auth.Secret) < 32 {
		return errors.New("config: auth secret must be at least 32 bytes (TASKRPC_JWT_SECRET)")
	}
	if c.Auth.TokenTTL <= 0 {
		return errors.New("config: auth token_ttl must be positive")
	}
	if c.Auth.External.JWKSURL != "" && !c.Auth.External.Enabled() {
		return errors.New("config: external jwks_url requires an issuer")
	}
	if c.Streams.MaxPending < 0 {
		return errors.New("config: streams max_pending must not be negative")
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}

// SlogLevel parses Level.
func (l Log) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("config: log level: %w", err)
	}
	return lvl, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
