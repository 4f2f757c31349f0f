// Package config loads RARI_* environment variables via an
// envdecode+godotenv+yaml layering, with environment taking precedence
// over file-based configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Mode is the RARI_MODE deployment mode.
type Mode string

const (
	Development Mode = "development"
	Production  Mode = "production"
)

// ServerConfig controls the HTTP listener and public origin.
type ServerConfig struct {
	Host     string `yaml:"host" env:"RARI_HOST"`
	Port     int    `yaml:"port" env:"RARI_PORT"`
	Origin   string `yaml:"origin" env:"RARI_ORIGIN"`
	ViteHost string `yaml:"vite_host" env:"RARI_VITE_HOST"`
	VitePort int    `yaml:"vite_port" env:"RARI_VITE_PORT"`
}

// PathsConfig controls on-disk layout roots (spec §6's On-disk layout).
type PathsConfig struct {
	PublicDir string `yaml:"public_dir" env:"RARI_PUBLIC_DIR"`
	DistDir   string `yaml:"dist_dir" env:"RARI_DIST_DIR"`
}

// EngineConfig controls the JS Engine Host (C2).
type EngineConfig struct {
	ScriptTimeoutMS int `yaml:"script_execution_timeout_ms" env:"RARI_SCRIPT_EXECUTION_TIMEOUT_MS"`
}

// ReloadConfig controls the Reload Coordinator (C9).
type ReloadConfig struct {
	Disabled bool `yaml:"disable_hmr_reload" env:"DISABLE_HMR_RELOAD"`
}

// CacheConfig controls the Response Cache (C7).
type CacheConfig struct {
	MaxEntries int  `yaml:"max_entries" env:"RARI_CACHE_MAX_ENTRIES"`
	DefaultTTL int  `yaml:"default_ttl" env:"RARI_CACHE_DEFAULT_TTL"`
	Enabled    bool `yaml:"enabled" env:"RARI_CACHE_ENABLED"`
}

// RateLimitConfig controls the HTTP rate-limit middleware.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"RARI_RATE_LIMIT_RPS"`
	Burst             int     `yaml:"burst" env:"RARI_RATE_LIMIT_BURST"`
}

// LoggingConfig controls the ambient logging stack.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"RARI_LOG_LEVEL"`
	Format string `yaml:"format" env:"RARI_LOG_FORMAT"`
}

// Config is the top-level RARI configuration.
type Config struct {
	Mode      Mode            `yaml:"mode" env:"RARI_MODE"`
	Server    ServerConfig    `yaml:"server"`
	Paths     PathsConfig     `yaml:"paths"`
	Engine    EngineConfig    `yaml:"engine"`
	Reload    ReloadConfig    `yaml:"reload"`
	Cache     CacheConfig     `yaml:"cache"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// New returns a configuration populated with defaults, matching the
// defaults spec.md's components document (3000ms script timeout, cache
// ttl 60s / 1000 entries, etc.).
func New() *Config {
	return &Config{
		Mode: Development,
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 3000,
		},
		Paths: PathsConfig{
			PublicDir: "public",
			DistDir:   "dist",
		},
		Engine: EngineConfig{
			ScriptTimeoutMS: 3000,
		},
		Cache: CacheConfig{
			MaxEntries: 1000,
			DefaultTTL: 60,
			Enabled:    true,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// IsDevelopment reports whether the process is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Mode != Production
}

// Load loads configuration from .env, an optional YAML file, then the
// environment (environment wins).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	configFile := strings.TrimSpace(os.Getenv("RARI_CONFIG_FILE"))
	if configFile == "" {
		configFile = "rari.config.yaml"
	}
	if err := loadFromFile(configFile, cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode environment: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile reads configuration from an explicit YAML path.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate enforces spec §6's "missing/malformed → startup error" rule.
func (c *Config) Validate() error {
	if c.Mode != Development && c.Mode != Production {
		return fmt.Errorf("invalid RARI_MODE %q: must be development or production", c.Mode)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid RARI_PORT %d", c.Server.Port)
	}
	if c.Engine.ScriptTimeoutMS <= 0 {
		return fmt.Errorf("invalid RARI_SCRIPT_EXECUTION_TIMEOUT_MS %d", c.Engine.ScriptTimeoutMS)
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("invalid RARI_CACHE_MAX_ENTRIES %d", c.Cache.MaxEntries)
	}
	return nil
}

// ScriptTimeout returns the engine script execution timeout as a Duration.
func (c *Config) ScriptTimeout() time.Duration {
	return time.Duration(c.Engine.ScriptTimeoutMS) * time.Millisecond
}

// CacheDefaultTTL returns the cache default TTL as a Duration.
func (c *Config) CacheDefaultTTL() time.Duration {
	return time.Duration(c.Cache.DefaultTTL) * time.Second
}
