package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// envPrefix is prepended to every variable name, e.g. ANVIL_LISTEN_ADDR.
const envPrefix = "ANVIL"

// maxTimeoutMS is the hard ceiling for MaxTimeoutMS (one hour).
const maxTimeoutMS = 60 * 60 * 1000

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8080"`
	DBPath     string `envconfig:"DB_PATH" default:"anvil.db"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`

	// PoolMin defaults to one less than the CPU count, at least one.
	PoolMin int `envconfig:"POOL_MIN"`
	// PoolMax defaults to twice PoolMin.
	PoolMax int `envconfig:"POOL_MAX"`
	// Concurrency defaults to PoolMax.
	Concurrency      int `envconfig:"CONCURRENCY"`
	RecycleAfterJobs int `envconfig:"RECYCLE_AFTER_JOBS" default:"100"`
	TimeoutMS        int `envconfig:"TIMEOUT_MS" default:"5000"`
	WorkerGraceMS    int `envconfig:"WORKER_GRACE_MS" default:"1000"`

	// MaxTimeoutMS caps the timeout a request may ask for.
	MaxTimeoutMS int `envconfig:"MAX_TIMEOUT_MS" default:"300000"`
	// MaxQueue bounds executions waiting for a slot; zero means unbounded.
	MaxQueue int `envconfig:"MAX_QUEUE" default:"1000"`

	Isolation string `envconfig:"ISOLATION" default:"thread"`
	WorkerBin string `envconfig:"WORKER_BIN" default:"anvil-worker"`

	HTTPAllowHosts []string `envconfig:"HTTP_ALLOW_HOSTS"`
	HTTPTimeoutMS  int      `envconfig:"HTTP_TIMEOUT_MS" default:"10000"`

	RateLimitRPS   float64 `envconfig:"RATE_LIMIT_RPS" default:"100"`
	RateLimitBurst int     `envconfig:"RATE_LIMIT_BURST" default:"200"`
}

// Load reads .env files, then the environment. Variables already set in the
// environment win over .env entries. With no files given, ./.env is read if
// it exists.
func Load(envFiles ...string) (Config, error) {
	if err := godotenv.Load(envFiles...); err != nil {
		if len(envFiles) > 0 || !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file: %w", err)
		}
	}

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("process environment: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.PoolMin <= 0 {
		c.PoolMin = max(runtime.NumCPU()-1, 1)
	}
	if c.PoolMax <= 0 {
		c.PoolMax = 2 * c.PoolMin
	}
	if c.Concurrency <= 0 {
		c.Concurrency = c.PoolMax
	}
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	switch {
	case c.PoolMax < c.PoolMin:
		return fmt.Errorf("pool max %d is below pool min %d", c.PoolMax, c.PoolMin)
	case c.TimeoutMS <= 0:
		return fmt.Errorf("timeout must be positive, got %dms", c.TimeoutMS)
	case c.MaxTimeoutMS < c.TimeoutMS || c.MaxTimeoutMS > maxTimeoutMS:
		return fmt.Errorf("max timeout must be between %dms and %dms, got %dms", c.TimeoutMS, maxTimeoutMS, c.MaxTimeoutMS)
	case c.MaxQueue < 0:
		return fmt.Errorf("max queue must not be negative, got %d", c.MaxQueue)
	case c.RecycleAfterJobs < 0:
		return fmt.Errorf("recycle threshold must not be negative, got %d", c.RecycleAfterJobs)
	case c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0:
		return fmt.Errorf("rate limit must be positive, got %v/s burst %d", c.RateLimitRPS, c.RateLimitBurst)
	}
	return nil
}

// Timeout returns the default script deadline.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// WorkerGrace returns how long a sandbox runs past its deadline before
// interrupting itself.
func (c Config) WorkerGrace() time.Duration {
	return time.Duration(c.WorkerGraceMS) * time.Millisecond
}

// HTTPTimeout returns the timeout for http.* host calls.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutMS) * time.Millisecond
}

// Level returns the configured log level.
func (c Config) Level() slog.Level {
	return parseLogLevel(c.LogLevel)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
