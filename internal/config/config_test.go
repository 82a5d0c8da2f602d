package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

var allVars = []string{
	"LISTEN_ADDR", "DB_PATH", "LOG_LEVEL", "POOL_MIN", "POOL_MAX", "CONCURRENCY",
	"RECYCLE_AFTER_JOBS", "TIMEOUT_MS", "WORKER_GRACE_MS", "ISOLATION", "WORKER_BIN",
	"HTTP_ALLOW_HOSTS", "HTTP_TIMEOUT_MS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"MAX_TIMEOUT_MS", "MAX_QUEUE",
}

// clearEnv unsets every ANVIL_ variable for the duration of the test and
// moves into an empty directory so no ./.env is picked up. Values set later,
// including by godotenv, are reverted by the t.Setenv cleanup.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, v := range allVars {
		key := envPrefix + "_" + v
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	t.Chdir(t.TempDir())
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":8080")
	}
	if cfg.DBPath != "anvil.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "anvil.db")
	}
	if cfg.Level() != slog.LevelInfo {
		t.Errorf("Level() = %v, want %v", cfg.Level(), slog.LevelInfo)
	}
	wantMin := max(runtime.NumCPU()-1, 1)
	if cfg.PoolMin != wantMin || cfg.PoolMax != 2*wantMin || cfg.Concurrency != 2*wantMin {
		t.Errorf("pool = %d/%d/%d, want %d/%d/%d", cfg.PoolMin, cfg.PoolMax, cfg.Concurrency, wantMin, 2*wantMin, 2*wantMin)
	}
	if cfg.RecycleAfterJobs != 100 || cfg.Timeout() != 5*time.Second {
		t.Errorf("recycle/timeout = %d/%v", cfg.RecycleAfterJobs, cfg.Timeout())
	}
	if cfg.Isolation != "thread" || cfg.WorkerBin != "anvil-worker" {
		t.Errorf("isolation/bin = %q/%q", cfg.Isolation, cfg.WorkerBin)
	}
	if len(cfg.HTTPAllowHosts) != 0 {
		t.Errorf("HTTPAllowHosts = %v, want empty", cfg.HTTPAllowHosts)
	}
	if cfg.HTTPTimeout() != 10*time.Second || cfg.WorkerGrace() != time.Second {
		t.Errorf("http timeout/grace = %v/%v", cfg.HTTPTimeout(), cfg.WorkerGrace())
	}
	if cfg.RateLimitRPS != 100 || cfg.RateLimitBurst != 200 {
		t.Errorf("rate limit = %v/%d", cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	if cfg.MaxTimeoutMS != 300000 || cfg.MaxQueue != 1000 {
		t.Errorf("max timeout/queue = %d/%d", cfg.MaxTimeoutMS, cfg.MaxQueue)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("ANVIL_LISTEN_ADDR", ":9090")
	t.Setenv("ANVIL_DB_PATH", "/tmp/test.db")
	t.Setenv("ANVIL_LOG_LEVEL", "debug")
	t.Setenv("ANVIL_POOL_MIN", "2")
	t.Setenv("ANVIL_POOL_MAX", "6")
	t.Setenv("ANVIL_CONCURRENCY", "4")
	t.Setenv("ANVIL_ISOLATION", "process")
	t.Setenv("ANVIL_HTTP_ALLOW_HOSTS", "api.example.com,.internal.test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":9090" || cfg.DBPath != "/tmp/test.db" {
		t.Errorf("addr/db = %q/%q", cfg.ListenAddr, cfg.DBPath)
	}
	if cfg.Level() != slog.LevelDebug {
		t.Errorf("Level() = %v, want %v", cfg.Level(), slog.LevelDebug)
	}
	if cfg.PoolMin != 2 || cfg.PoolMax != 6 || cfg.Concurrency != 4 {
		t.Errorf("pool = %d/%d/%d, want 2/6/4", cfg.PoolMin, cfg.PoolMax, cfg.Concurrency)
	}
	if cfg.Isolation != "process" {
		t.Errorf("Isolation = %q", cfg.Isolation)
	}
	if len(cfg.HTTPAllowHosts) != 2 || cfg.HTTPAllowHosts[1] != ".internal.test" {
		t.Errorf("HTTPAllowHosts = %v", cfg.HTTPAllowHosts)
	}
}

func TestLoadEnvFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("ANVIL_TIMEOUT_MS=250\nANVIL_LISTEN_ADDR=:7000\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ANVIL_LISTEN_ADDR", ":7001")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.TimeoutMS != 250 {
		t.Errorf("TimeoutMS = %d, want 250 from file", cfg.TimeoutMS)
	}
	if cfg.ListenAddr != ":7001" {
		t.Errorf("ListenAddr = %q, want environment to win", cfg.ListenAddr)
	}
}

func TestLoadMissingEnvFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Error("expected error for an explicit missing env file")
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := map[string]map[string]string{
		"pool min above max":        {"ANVIL_POOL_MIN": "4", "ANVIL_POOL_MAX": "2"},
		"timeout not a number":      {"ANVIL_TIMEOUT_MS": "nope"},
		"max timeout below timeout": {"ANVIL_TIMEOUT_MS": "5000", "ANVIL_MAX_TIMEOUT_MS": "1000"},
		"max timeout over an hour":  {"ANVIL_MAX_TIMEOUT_MS": "3600001"},
		"negative max queue":        {"ANVIL_MAX_QUEUE": "-1"},
	}
	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %v", env)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
}
