// Package doctor runs local diagnostics for the taskrelay command.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/basket/taskrelay/internal/config"
	"github.com/basket/taskrelay/internal/persistence"
	"github.com/basket/taskrelay/internal/ratelimit"
)

const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

type check func(context.Context, *config.Config) CheckResult

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}
	for _, c := range []check{checkConfig, checkPermissions, checkDatabase, checkOrigins, checkAuth, checkRedis, checkListener} {
		d.Results = append(d.Results, c(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if _, err := os.Stat(config.ConfigPath(cfg.HomeDir)); errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing, using defaults", Detail: cfg.HomeDir}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s (%s)", cfg.HomeDir, cfg.Fingerprint())}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err), Detail: cfg.DBPath}
	}
	defer store.Close()

	v, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: fmt.Sprintf("Schema version %d", v), Detail: cfg.DBPath}
}

func checkOrigins(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Origins", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.Transport == config.TransportStdio {
		return CheckResult{Name: "Origins", Status: StatusSkip, Message: "stdio transport does not check Origin"}
	}
	if len(cfg.AllowOrigins) == 0 {
		return CheckResult{
			Name:    "Origins",
			Status:  StatusWarn,
			Message: "allow_origins is empty: HTTP tool calls will be rejected",
			Detail:  "Add the browser origins that may call taskrelay to allow_origins",
		}
	}
	return CheckResult{Name: "Origins", Status: StatusPass, Message: fmt.Sprintf("%d allowed origin(s)", len(cfg.AllowOrigins)), Detail: strings.Join(cfg.AllowOrigins, ", ")}
}

func checkAuth(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Auth", Status: StatusSkip, Message: "Config missing"}
	}
	switch {
	case len(cfg.Auth.Tokens) > 0 && cfg.Auth.JWTSecret != "":
		return CheckResult{Name: "Auth", Status: StatusPass, Message: "Static tokens and signed tokens accepted"}
	case len(cfg.Auth.Tokens) > 0:
		return CheckResult{Name: "Auth", Status: StatusPass, Message: fmt.Sprintf("%d static token(s) configured", len(cfg.Auth.Tokens))}
	case cfg.Auth.JWTSecret != "":
		return CheckResult{Name: "Auth", Status: StatusPass, Message: "Signed tokens accepted"}
	}
	if _, err := os.Stat(config.AuthTokenPath(cfg.HomeDir)); err == nil {
		return CheckResult{Name: "Auth", Status: StatusPass, Message: "Using auth.token"}
	}
	return CheckResult{Name: "Auth", Status: StatusWarn, Message: "No token yet; auth.token is generated on first serve"}
}

func checkRedis(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.RateLimit.RedisAddr == "" {
		return CheckResult{Name: "Redis", Status: StatusSkip, Message: "Rate limiting is in-process"}
	}
	client, err := ratelimit.Connect(ctx, ratelimit.RedisOptions{
		Addr:     cfg.RateLimit.RedisAddr,
		Password: cfg.RateLimit.RedisPassword,
		DB:       cfg.RateLimit.RedisDB,
	})
	if err != nil {
		return CheckResult{
			Name:    "Redis",
			Status:  StatusWarn,
			Message: fmt.Sprintf("Unreachable, the in-process limiter will be used: %v", err),
			Detail:  cfg.RateLimit.RedisAddr,
		}
	}
	_ = client.Close()
	return CheckResult{Name: "Redis", Status: StatusPass, Message: "Connected", Detail: cfg.RateLimit.RedisAddr}
}

func checkListener(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Transport == config.TransportStdio {
		return CheckResult{Name: "Listener", Status: StatusSkip, Message: "No HTTP listener"}
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return CheckResult{Name: "Listener", Status: StatusWarn, Message: fmt.Sprintf("%s is in use (is taskrelay already running?)", cfg.BindAddr)}
		}
		return CheckResult{Name: "Listener", Status: StatusFail, Message: fmt.Sprintf("Cannot bind %s: %v", cfg.BindAddr, err)}
	}
	_ = ln.Close()
	return CheckResult{Name: "Listener", Status: StatusPass, Message: fmt.Sprintf("%s is available", cfg.BindAddr)}
}
