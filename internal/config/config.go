package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds the environment driven configuration for the server.
type Config struct {
	ListenAddr      string        `env:"LISTEN_ADDR" envDefault:":8000"`
	PublicHost      string        `env:"PUBLIC_HOST" envDefault:"localhost:8000"`
	PublicScheme    string        `env:"PUBLIC_SCHEME" envDefault:"https"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	// Store
	StoreDSN       string        `env:"STORE_DSN" envDefault:"imgshrink.db"`
	StoreCacheSize int           `env:"STORE_CACHE_SIZE" envDefault:"256"`
	StoreCacheTTL  time.Duration `env:"STORE_CACHE_TTL" envDefault:"1m"`

	// Sweep
	SweepInterval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"1h"`
	SweepConcurrency int           `env:"SWEEP_CONCURRENCY" envDefault:"1"`
	Retention        time.Duration `env:"RETENTION" envDefault:"8760h"`

	// Transcoding
	TranscodeWorkers    int   `env:"TRANSCODE_WORKERS" envDefault:"0"`
	MaxUploadBytes      int64 `env:"MAX_UPLOAD_BYTES" envDefault:"33554432"`
	OptimizeAfterUpload bool  `env:"OPTIMIZE_AFTER_UPLOAD" envDefault:"true"`

	// Uploads
	SpoolPath  string   `env:"SPOOL_PATH"`
	IDLength   int      `env:"ID_LENGTH" envDefault:"5"`
	IDDenylist []string `env:"ID_DENYLIST" envSeparator:","`

	// Lease
	RedisURL string        `env:"REDIS_URL"`
	LeaseTTL time.Duration `env:"LEASE_TTL" envDefault:"2m"`

	// AdminToken guards the direct optimization endpoint. The endpoint is
	// not served when it is empty.
	AdminToken string `env:"ADMIN_TOKEN"`
}

// Load parses environment variables into Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}

	cfg.PublicHost = strings.TrimRight(strings.TrimSpace(cfg.PublicHost), "/")
	cfg.StoreDSN = strings.TrimSpace(cfg.StoreDSN)
	if cfg.SpoolPath == "" {
		cfg.SpoolPath = filepath.Join(os.TempDir(), "imgshrink-spool")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.StoreDSN == "" {
		return fmt.Errorf("STORE_DSN must not be empty")
	}
	if c.IDLength < 1 {
		return fmt.Errorf("ID_LENGTH must be positive, got %d", c.IDLength)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	if c.Retention <= 0 {
		return fmt.Errorf("RETENTION must be positive, got %s", c.Retention)
	}
	if c.SweepConcurrency < 1 {
		return fmt.Errorf("SWEEP_CONCURRENCY must be at least 1, got %d", c.SweepConcurrency)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes)
	}
	return nil
}

// PublicURL returns the absolute URL of path on the public host.
func (c *Config) PublicURL(path string) string {
	return c.PublicScheme + "://" + c.PublicHost + "/" + strings.TrimLeft(path, "/")
}

// UsesPostgres reports whether StoreDSN selects the PostgreSQL backend.
func (c *Config) UsesPostgres() bool {
	return strings.HasPrefix(c.StoreDSN, "postgres://") || strings.HasPrefix(c.StoreDSN, "postgresql://")
}

// SlogLevel maps LogLevel to a slog.Level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
