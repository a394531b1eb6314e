package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration of wardend.
type Config struct {
	Env      string         `yaml:"env"`
	Log      LogConfig      `yaml:"log"`
	HTTP     HTTPConfig     `yaml:"http"`
	GRPC     GRPCConfig     `yaml:"grpc"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Session  SessionConfig  `yaml:"session"`
	Identity IdentityConfig `yaml:"identity"`
	Service  ServiceConfig  `yaml:"service"`
	AMQP     AMQPConfig     `yaml:"amqp"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type HTTPConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	RateBurst    int           `yaml:"rate_burst"`
	RatePerSec   int           `yaml:"rate_per_sec"`
	CORSOrigins  []string      `yaml:"cors_origins"`
}

type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

type DatabaseConfig struct {
	// DSN empty selects the in-memory store.
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

type RedisConfig struct {
	// Addr empty selects the in-process LRU cache.
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	LocalEntries int           `yaml:"local_entries"`
}

type SessionConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	CookieName    string        `yaml:"cookie_name"`
	CookieSecure  bool          `yaml:"cookie_secure"`
	Retention     time.Duration `yaml:"retention"`
	PruneSchedule string        `yaml:"prune_schedule"`
	CodeTTL       time.Duration `yaml:"code_ttl"`
}

type IdentityConfig struct {
	// Mode is "token" (introspect the bearer token) or "header" (trust a signed assertion).
	Mode            string        `yaml:"mode"`
	Header          string        `yaml:"header"`
	AssertionSecret string        `yaml:"assertion_secret"`
	AssertionTTL    time.Duration `yaml:"assertion_ttl"`
	// ServiceToken guards introspection and sync when set.
	ServiceToken string `yaml:"service_token"`
}

type ServiceConfig struct {
	TextID    string `yaml:"text_id"`
	Bootstrap bool   `yaml:"bootstrap"`
}

type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type TracingConfig struct {
	SampleRatio float64       `yaml:"sample_ratio"`
	SlowSpan    time.Duration `yaml:"slow_span"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Env: "prod",
		Log: LogConfig{Level: "info"},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			MaxBodyBytes: 1 << 20,
			RateBurst:    40,
			RatePerSec:   20,
		},
		GRPC: GRPCConfig{Addr: ":9090"},
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    10,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			CacheTTL:     10 * time.Minute,
			LocalEntries: 10000,
		},
		Session: SessionConfig{
			TTL:           7 * 24 * time.Hour,
			CookieName:    "warden_session",
			CookieSecure:  true,
			PruneSchedule: "@hourly",
			CodeTTL:       15 * time.Minute,
		},
		Identity: IdentityConfig{
			Mode:         "token",
			Header:       "X-Warden-Identity",
			AssertionTTL: time.Minute,
		},
		Service: ServiceConfig{
			TextID:    "warden",
			Bootstrap: true,
		},
		AMQP: AMQPConfig{Exchange: "warden.events"},
		Tracing: TracingConfig{
			SampleRatio: 0.1,
			SlowSpan:    500 * time.Millisecond,
		},
	}
}

// Load builds a Config from defaults, then the YAML file at path (if any), then WARDEN_*
// environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.Session.TTL <= 0 {
		errs = append(errs, errors.New("session.ttl must be positive"))
	}
	if c.Session.Retention < 0 {
		errs = append(errs, errors.New("session.retention must not be negative"))
	}
	if strings.TrimSpace(c.Service.TextID) == "" {
		errs = append(errs, errors.New("service.text_id is required"))
	}
	switch c.Identity.Mode {
	case "token":
	case "header":
		if c.Identity.AssertionSecret == "" {
			errs = append(errs, errors.New("identity.assertion_secret is required in header mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("identity.mode %q is not supported", c.Identity.Mode))
	}
	if c.HTTP.RateBurst <= 0 || c.HTTP.RatePerSec <= 0 {
		errs = append(errs, errors.New("http rate limits must be positive"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing.sample_ratio must be within [0,1]"))
	}
	return errors.Join(errs...)
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("WARDEN_ENV", &cfg.Env)
	str("WARDEN_LOG_LEVEL", &cfg.Log.Level)
	str("WARDEN_HTTP_ADDR", &cfg.HTTP.Addr)
	str("WARDEN_GRPC_ADDR", &cfg.GRPC.Addr)
	str("WARDEN_PG_DSN", &cfg.Database.DSN)
	flag("WARDEN_PG_MIGRATE", &cfg.Database.Migrate)
	str("WARDEN_REDIS_ADDR", &cfg.Redis.Addr)
	str("WARDEN_REDIS_PASSWORD", &cfg.Redis.Password)
	num("WARDEN_REDIS_DB", &cfg.Redis.DB)
	dur("WARDEN_CACHE_TTL", &cfg.Redis.CacheTTL)
	dur("WARDEN_SESSION_TTL", &cfg.Session.TTL)
	dur("WARDEN_SESSION_RETENTION", &cfg.Session.Retention)
	flag("WARDEN_COOKIE_SECURE", &cfg.Session.CookieSecure)
	str("WARDEN_IDENTITY_MODE", &cfg.Identity.Mode)
	str("WARDEN_ASSERTION_SECRET", &cfg.Identity.AssertionSecret)
	str("WARDEN_SERVICE_TOKEN", &cfg.Identity.ServiceToken)
	str("WARDEN_SERVICE_TEXT_ID", &cfg.Service.TextID)
	flag("WARDEN_BOOTSTRAP", &cfg.Service.Bootstrap)
	str("WARDEN_AMQP_URL", &cfg.AMQP.URL)
	str("WARDEN_AMQP_EXCHANGE", &cfg.AMQP.Exchange)
	if v, ok := lookup("WARDEN_CORS_ORIGINS"); ok {
		cfg.HTTP.CORSOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.HTTP.CORSOrigins = append(cfg.HTTP.CORSOrigins, o)
			}
		}
	}
	return errors.Join(errs...)
}
