// Package config handles application configuration from environment variables
package config

import (
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"go.trai.ch/zerr"
)

const (
	CacheBackendFile   = "file"
	CacheBackendMemory = "memory"
)

// Config holds all application configuration
type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	BaseURL     string `env:"BASE_URL" envDefault:"http://localhost:8080"`
	BasePath    string `env:"BASE_PATH"` // derived from BASE_URL when empty
	AdminPrefix string `env:"ADMIN_PREFIX" envDefault:"/admin"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	CacheDir           string `env:"CACHE_DIR" envDefault:"./var/cache/kibble"`
	CacheBackend       string `env:"CACHE_BACKEND" envDefault:"file"`
	MemoryCacheEntries int    `env:"MEMORY_CACHE_ENTRIES" envDefault:"1024"`

	// Entity source: Postgres wins over the seed directory.
	DatabaseURL       string   `env:"DATABASE_URL"`
	SeedDir           string   `env:"SEED_DIR"`
	HierarchicalTypes []string `env:"HIERARCHICAL_TYPES" envDefault:"page" envSeparator:","`

	RedisAddr         string `env:"REDIS_ADDR"`
	HookSecret        string `env:"HOOK_SECRET"`
	WorkerConcurrency int    `env:"WORKER_CONCURRENCY" envDefault:"4"`

	AllowedTypes      []string      `env:"ALLOWED_TYPES" envDefault:"post,page" envSeparator:","`
	AcceptNegotiation bool          `env:"ACCEPT_NEGOTIATION" envDefault:"true"`
	TokenMultiplier   float64       `env:"TOKEN_MULTIPLIER" envDefault:"1.3"`
	RegenLimit        int           `env:"REGEN_LIMIT" envDefault:"20"`
	RegenWindow       time.Duration `env:"REGEN_WINDOW" envDefault:"60s"`
	ContentSignal     string        `env:"CONTENT_SIGNAL" envDefault:"ai-train=yes, search=yes, ai-input=yes"`
	RemoveNodes       []string      `env:"REMOVE_NODES" envSeparator:","`
	Shortcodes        []string      `env:"SHORTCODES" envSeparator:","`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load reads configuration from the process environment
func Load() (Config, error) {
	return parse(env.Options{})
}

// LoadFrom reads configuration from the given variables only.
func LoadFrom(vars map[string]string) (Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, zerr.Wrap(err, "parse environment")
	}

	if cfg.BasePath == "" {
		if u, err := url.Parse(cfg.BaseURL); err == nil {
			cfg.BasePath = u.Path
		}
	}
	cfg.BasePath = "/" + strings.Trim(cfg.BasePath, "/")
	cfg.AdminPrefix = "/" + strings.Trim(cfg.AdminPrefix, "/")
	cfg.AllowedTypes = trimAll(cfg.AllowedTypes)
	cfg.HierarchicalTypes = trimAll(cfg.HierarchicalTypes)
	cfg.CacheBackend = strings.ToLower(strings.TrimSpace(cfg.CacheBackend))
	return cfg, nil
}

func trimAll(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// HasDatabase returns true if entities come from Postgres
func (c Config) HasDatabase() bool {
	return c.DatabaseURL != ""
}

// HasRedis returns true if the shared limiter and job queue are available
func (c Config) HasRedis() bool {
	return c.RedisAddr != ""
}

// Level returns the zerolog level named by LOG_LEVEL, defaulting to info.
func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate ensures the configuration can serve requests
func (c Config) Validate() error {
	if c.Port == "" {
		return zerr.New("PORT must not be empty")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return zerr.With(zerr.New("BASE_URL must be an absolute URL"), "base_url", c.BaseURL)
	}
	if !c.HasDatabase() && c.SeedDir == "" {
		return zerr.New("no entity source configured - set DATABASE_URL or SEED_DIR")
	}
	switch c.CacheBackend {
	case CacheBackendFile:
		if c.CacheDir == "" {
			return zerr.New("CACHE_DIR must not be empty")
		}
	case CacheBackendMemory:
		if c.MemoryCacheEntries <= 0 {
			return zerr.With(zerr.New("MEMORY_CACHE_ENTRIES must be positive"), "value", c.MemoryCacheEntries)
		}
	default:
		return zerr.With(zerr.New("CACHE_BACKEND must be file or memory"), "value", c.CacheBackend)
	}
	if len(c.AllowedTypes) == 0 {
		return zerr.New("ALLOWED_TYPES must list at least one type")
	}
	if c.RegenLimit <= 0 {
		return zerr.With(zerr.New("REGEN_LIMIT must be positive"), "value", c.RegenLimit)
	}
	if c.RegenWindow <= 0 {
		return zerr.With(zerr.New("REGEN_WINDOW must be positive"), "value", c.RegenWindow.String())
	}
	if c.TokenMultiplier <= 0 {
		return zerr.With(zerr.New("TOKEN_MULTIPLIER must be positive"), "value", c.TokenMultiplier)
	}
	return nil
}
