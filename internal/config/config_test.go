package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskrelay/internal/config"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("TASKRELAY_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("home = %q, want %q", cfg.HomeDir, home)
	}
	if cfg.BindAddr != config.DefaultBindAddr || cfg.Transport != config.TransportHTTP {
		t.Fatalf("unexpected bind/transport %q/%q", cfg.BindAddr, cfg.Transport)
	}
	if cfg.DBPath != filepath.Join(home, "taskrelay.db") {
		t.Fatalf("db path = %q", cfg.DBPath)
	}
	if cfg.RequestTimeout() != 30*time.Second || cfg.MaxBodyBytes != 1<<20 {
		t.Fatalf("timeout/body = %s/%d", cfg.RequestTimeout(), cfg.MaxBodyBytes)
	}
	if cfg.RateWindow() != time.Minute || cfg.RateLimit.MaxRequests != 120 {
		t.Fatalf("rate limit = %s/%d", cfg.RateWindow(), cfg.RateLimit.MaxRequests)
	}
	if cfg.StaleThreshold() != 15*time.Minute || cfg.RegistryCleanupInterval() != 5*time.Minute {
		t.Fatalf("registry = %s/%s", cfg.StaleThreshold(), cfg.RegistryCleanupInterval())
	}
	if cfg.Delegation.LocalAgentID != "local" || cfg.TaskTimeout() != 0 {
		t.Fatalf("delegation = %+v", cfg.Delegation)
	}
	if len(cfg.Warnings) != 1 || !strings.Contains(cfg.Warnings[0], "allow_origins") {
		t.Fatalf("expected an empty allow-list warning, got %v", cfg.Warnings)
	}
}

func TestLoad_FileValues(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, `
bind_addr: 127.0.0.1:9999
transport: STDIO
allow_origins: ["https://a", "  "]
request_timeout_seconds: 9000
rate_limit:
  max_requests: 5
  redis_addr: 127.0.0.1:6379
registry:
  stale_threshold_seconds: 60
delegation:
  task_timeout_seconds: 120
auth:
  tokens: [abc]
`)
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:9999" || cfg.Transport != config.TransportStdio {
		t.Fatalf("bind/transport = %q/%q", cfg.BindAddr, cfg.Transport)
	}
	if len(cfg.AllowOrigins) != 1 || cfg.AllowOrigins[0] != "https://a" {
		t.Fatalf("origins = %v", cfg.AllowOrigins)
	}
	if cfg.RequestTimeoutSeconds != config.MaxRequestTimeout {
		t.Fatalf("request timeout not clamped: %d", cfg.RequestTimeoutSeconds)
	}
	if cfg.RateLimit.MaxRequests != 5 || cfg.RateLimit.WindowSeconds != 60 || cfg.RateLimit.KeyPrefix != config.DefaultRedisKeyPrefix {
		t.Fatalf("rate limit = %+v", cfg.RateLimit)
	}
	if cfg.StaleThreshold() != time.Minute || cfg.TaskTimeout() != 2*time.Minute {
		t.Fatalf("stale/task timeout = %s/%s", cfg.StaleThreshold(), cfg.TaskTimeout())
	}
	if len(cfg.Warnings) != 0 {
		t.Fatalf("unexpected warnings %v", cfg.Warnings)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "bind_addr: 127.0.0.1:1\nauth:\n  tokens: [from-file]\n")
	t.Setenv("TASKRELAY_BIND_ADDR", "0.0.0.0:2")
	t.Setenv("TASKRELAY_ALLOW_ORIGINS", "https://a, https://b")
	t.Setenv("TASKRELAY_AUTH_TOKEN", "from-env")
	t.Setenv("TASKRELAY_REDIS_ADDR", "redis:6379")
	t.Setenv("TASKRELAY_REQUEST_TIMEOUT_SECONDS", "5")
	t.Setenv("TASKRELAY_DB_PATH", filepath.Join(home, "other.db"))

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:2" {
		t.Fatalf("bind = %q", cfg.BindAddr)
	}
	if len(cfg.AllowOrigins) != 2 || cfg.AllowOrigins[1] != "https://b" {
		t.Fatalf("origins = %v", cfg.AllowOrigins)
	}
	if cfg.Auth.Tokens[0] != "from-env" || len(cfg.Auth.Tokens) != 2 {
		t.Fatalf("tokens = %v", cfg.Auth.Tokens)
	}
	if cfg.RateLimit.RedisAddr != "redis:6379" || cfg.RequestTimeoutSeconds != 5 {
		t.Fatalf("redis/timeout = %q/%d", cfg.RateLimit.RedisAddr, cfg.RequestTimeoutSeconds)
	}
	if cfg.DBPath != filepath.Join(home, "other.db") {
		t.Fatalf("db = %q", cfg.DBPath)
	}
}

func TestLoad_RejectsUnknownTransport(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "transport: carrier-pigeon\n")
	if _, err := config.LoadFrom(home); err == nil {
		t.Fatal("expected an error for an unknown transport")
	}
}

func TestLoad_RejectsMalformedYAML(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "bind_addr: [unterminated\n")
	if _, err := config.LoadFrom(home); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestEnsureAuthToken_GeneratesOnce(t *testing.T) {
	home := t.TempDir()
	first, err := config.EnsureAuthToken(home)
	if err != nil {
		t.Fatalf("ensure token: %v", err)
	}
	if first == "" {
		t.Fatal("empty token")
	}
	info, err := os.Stat(config.AuthTokenPath(home))
	if err != nil {
		t.Fatalf("stat token: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("token file mode = %v", info.Mode().Perm())
	}
	second, err := config.EnsureAuthToken(home)
	if err != nil {
		t.Fatalf("ensure token again: %v", err)
	}
	if second != first {
		t.Fatalf("token changed: %q -> %q", first, second)
	}
}

func TestResolveAuthTokens(t *testing.T) {
	cfg := config.Config{HomeDir: t.TempDir()}
	if err := config.ResolveAuthTokens(&cfg); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(cfg.Auth.Tokens) != 1 {
		t.Fatalf("tokens = %v", cfg.Auth.Tokens)
	}

	jwtOnly := config.Config{HomeDir: t.TempDir(), Auth: config.AuthConfig{JWTSecret: "s"}}
	if err := config.ResolveAuthTokens(&jwtOnly); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(jwtOnly.Auth.Tokens) != 0 {
		t.Fatalf("jwt-only config should not get a bootstrap token: %v", jwtOnly.Auth.Tokens)
	}
}

func TestFingerprint_IgnoresReloadableFields(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "allow_origins: [https://a]\n")
	a, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	writeConfig(t, home, "allow_origins: [https://b]\n")
	b, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("origin change should not alter the fingerprint")
	}
	writeConfig(t, home, "bind_addr: 127.0.0.1:1\n")
	c, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if a.Fingerprint() == c.Fingerprint() {
		t.Fatal("bind change should alter the fingerprint")
	}
}
