package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	TransportHTTP  = "http"
	TransportStdio = "stdio"
)

const (
	DefaultBindAddr       = "127.0.0.1:18790"
	DefaultRequestTimeout = 30
	MaxRequestTimeout     = 300
	DefaultMaxBodyBytes   = 1 << 20
	DefaultLocalAgentID   = "local"
	DefaultRedisKeyPrefix = "taskrelay:rl:"
)

type RateLimitConfig struct {
	WindowSeconds          int    `yaml:"window_seconds"`
	MaxRequests            int    `yaml:"max_requests"`
	CleanupIntervalSeconds int    `yaml:"cleanup_interval_seconds"`
	RedisAddr              string `yaml:"redis_addr"`
	RedisPassword          string `yaml:"redis_password"`
	RedisDB                int    `yaml:"redis_db"`
	KeyPrefix              string `yaml:"key_prefix"`
}

type RegistryConfig struct {
	CleanupIntervalSeconds int `yaml:"cleanup_interval_seconds"`
	StaleThresholdSeconds  int `yaml:"stale_threshold_seconds"`
}

type DelegationConfig struct {
	LocalAgentID string `yaml:"local_agent_id"`
	// TaskTimeoutSeconds bounds how long a WORKING task may go without a
	// result before the reconciler fails it. 0 disables reconciliation.
	TaskTimeoutSeconds       int `yaml:"task_timeout_seconds"`
	ReconcileIntervalSeconds int `yaml:"reconcile_interval_seconds"`
}

type AuthConfig struct {
	Tokens    []string `yaml:"tokens"`
	JWTSecret string   `yaml:"jwt_secret"`
	JWTIssuer string   `yaml:"jwt_issuer"`
}

type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	PublicURL string `yaml:"public_url"`
	LogLevel  string `yaml:"log_level"`
	Transport string `yaml:"transport"`
	DBPath    string `yaml:"db_path"`

	// AllowOrigins is the browser Origin allow-list for HTTP and websocket
	// tool calls. Empty rejects every non-stdio call.
	AllowOrigins []string `yaml:"allow_origins"`

	RequestTimeoutSeconds int   `yaml:"request_timeout_seconds"`
	MaxBodyBytes          int64 `yaml:"max_body_bytes"`

	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Registry   RegistryConfig   `yaml:"registry"`
	Delegation DelegationConfig `yaml:"delegation"`
	Auth       AuthConfig       `yaml:"auth"`
	OTel       OTelConfig       `yaml:"otel"`

	// Warnings collects non-fatal problems found while loading.
	Warnings []string `yaml:"-"`
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c Config) RateWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowSeconds) * time.Second
}

func (c Config) RateCleanupInterval() time.Duration {
	return time.Duration(c.RateLimit.CleanupIntervalSeconds) * time.Second
}

func (c Config) RegistryCleanupInterval() time.Duration {
	return time.Duration(c.Registry.CleanupIntervalSeconds) * time.Second
}

func (c Config) StaleThreshold() time.Duration {
	return time.Duration(c.Registry.StaleThresholdSeconds) * time.Second
}

func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.Delegation.TaskTimeoutSeconds) * time.Second
}

func (c Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Delegation.ReconcileIntervalSeconds) * time.Second
}

// Fingerprint identifies the settings that require a restart to change.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|transport=%s|db=%s|redis=%s|log=%s",
		c.BindAddr, c.Transport, c.DBPath, c.RateLimit.RedisAddr, c.LogLevel)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func HomeDir() string {
	if override := os.Getenv("TASKRELAY_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskrelay")
}

func defaultConfig(homeDir string) Config {
	return Config{
		HomeDir:               homeDir,
		BindAddr:              DefaultBindAddr,
		LogLevel:              "info",
		Transport:             TransportHTTP,
		DBPath:                filepath.Join(homeDir, "taskrelay.db"),
		RequestTimeoutSeconds: DefaultRequestTimeout,
		MaxBodyBytes:          DefaultMaxBodyBytes,
		RateLimit: RateLimitConfig{
			WindowSeconds:          60,
			MaxRequests:            120,
			CleanupIntervalSeconds: 60,
			KeyPrefix:              DefaultRedisKeyPrefix,
		},
		Registry: RegistryConfig{
			CleanupIntervalSeconds: 300,
			StaleThresholdSeconds:  900,
		},
		Delegation: DelegationConfig{
			LocalAgentID:             DefaultLocalAgentID,
			ReconcileIntervalSeconds: 60,
		},
		OTel: OTelConfig{
			Exporter:    "otlp-http",
			ServiceName: "taskrelay",
			SampleRate:  1,
		},
	}
}

// Load reads <home>/config.yaml, applies TASKRELAY_* overrides and fills
// defaults. A missing file is not an error.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig(homeDir)
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskrelay home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(homeDir))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	cfg.HomeDir = homeDir

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.BindAddr) == "" {
		cfg.BindAddr = DefaultBindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	if cfg.Transport == "" {
		cfg.Transport = TransportHTTP
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "taskrelay.db")
	}
	switch {
	case cfg.RequestTimeoutSeconds <= 0:
		cfg.RequestTimeoutSeconds = DefaultRequestTimeout
	case cfg.RequestTimeoutSeconds > MaxRequestTimeout:
		cfg.RequestTimeoutSeconds = MaxRequestTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	rl := &cfg.RateLimit
	if rl.WindowSeconds <= 0 {
		rl.WindowSeconds = 60
	}
	if rl.MaxRequests <= 0 {
		rl.MaxRequests = 120
	}
	if rl.CleanupIntervalSeconds <= 0 {
		rl.CleanupIntervalSeconds = 60
	}
	if rl.KeyPrefix == "" {
		rl.KeyPrefix = DefaultRedisKeyPrefix
	}

	if cfg.Registry.CleanupIntervalSeconds <= 0 {
		cfg.Registry.CleanupIntervalSeconds = 300
	}
	if cfg.Registry.StaleThresholdSeconds <= 0 {
		cfg.Registry.StaleThresholdSeconds = 900
	}

	if strings.TrimSpace(cfg.Delegation.LocalAgentID) == "" {
		cfg.Delegation.LocalAgentID = DefaultLocalAgentID
	}
	if cfg.Delegation.TaskTimeoutSeconds < 0 {
		cfg.Delegation.TaskTimeoutSeconds = 0
	}
	if cfg.Delegation.ReconcileIntervalSeconds <= 0 {
		cfg.Delegation.ReconcileIntervalSeconds = 60
	}

	origins := cfg.AllowOrigins[:0:0]
	for _, o := range cfg.AllowOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	cfg.AllowOrigins = origins

	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = "taskrelay"
	}
	if cfg.OTel.SampleRate <= 0 || cfg.OTel.SampleRate > 1 {
		cfg.OTel.SampleRate = 1
	}
}

func validate(cfg *Config) error {
	switch cfg.Transport {
	case TransportHTTP, TransportStdio:
	default:
		return fmt.Errorf("transport must be %q or %q, got %q", TransportStdio, TransportHTTP, cfg.Transport)
	}
	if cfg.Transport == TransportHTTP && len(cfg.AllowOrigins) == 0 {
		cfg.Warnings = append(cfg.Warnings, "allow_origins is empty: every HTTP and websocket tool call will be rejected")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKRELAY_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TASKRELAY_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKRELAY_TRANSPORT"); raw != "" {
		cfg.Transport = raw
	}
	if raw := os.Getenv("TASKRELAY_ALLOW_ORIGINS"); raw != "" {
		cfg.AllowOrigins = strings.Split(raw, ",")
	}
	if raw := os.Getenv("TASKRELAY_AUTH_TOKEN"); raw != "" {
		cfg.Auth.Tokens = append([]string{raw}, cfg.Auth.Tokens...)
	}
	if raw := os.Getenv("TASKRELAY_REDIS_ADDR"); raw != "" {
		cfg.RateLimit.RedisAddr = raw
	}
	if raw := os.Getenv("TASKRELAY_REQUEST_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RequestTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TASKRELAY_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
}

// AuthTokenPath is where the bootstrap token lives.
func AuthTokenPath(homeDir string) string {
	return filepath.Join(homeDir, "auth.token")
}

// EnsureAuthToken returns the token stored in <home>/auth.token, creating
// it with a random value on first use.
func EnsureAuthToken(homeDir string) (string, error) {
	path := AuthTokenPath(homeDir)
	data, err := os.ReadFile(path)
	if err == nil {
		if tok := strings.TrimSpace(string(data)); tok != "" {
			return tok, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read auth token: %w", err)
	}

	tok := uuid.NewString()
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return "", fmt.Errorf("create taskrelay home: %w", err)
	}
	if err := os.WriteFile(path, []byte(tok+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write auth token: %w", err)
	}
	return tok, nil
}

// ResolveAuthTokens fills cfg.Auth.Tokens from auth.token when no token is
// configured and no signing secret is set.
func ResolveAuthTokens(cfg *Config) error {
	if len(cfg.Auth.Tokens) > 0 || cfg.Auth.JWTSecret != "" {
		return nil
	}
	tok, err := EnsureAuthToken(cfg.HomeDir)
	if err != nil {
		return err
	}
	cfg.Auth.Tokens = []string{tok}
	return nil
}
