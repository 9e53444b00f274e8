package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/taskrelay/internal/audit"
	"github.com/basket/taskrelay/internal/config"
	"github.com/basket/taskrelay/internal/doctor"
	"github.com/basket/taskrelay/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1.0-dev"

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: taskrelay <command> [flags]

COMMANDS:
  serve [-transport stdio|http]   Run the coordination service (default)
  status                          Query /healthz of a running service
  doctor [-json]                  Run diagnostic checks
  token                           Print the bootstrap auth token
  version                         Print the version

ENVIRONMENT VARIABLES:
  TASKRELAY_HOME                  Data directory (default: ~/.taskrelay)
  TASKRELAY_TRANSPORT             stdio or http
  TASKRELAY_BIND_ADDR             HTTP listen address
  TASKRELAY_ALLOW_ORIGINS         Comma-separated Origin allow-list
  TASKRELAY_AUTH_TOKEN            Additional accepted bearer token
  TASKRELAY_REDIS_ADDR            Share rate limits through redis
`)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = strings.ToLower(strings.TrimSpace(args[0])), args[1:]
	}
	switch cmd {
	case "serve":
		return runServe(ctx, args, stdin, stdout, stderr)
	case "status":
		return runStatusCommand(ctx, args, stdout, stderr)
	case "doctor":
		return runDoctorCommand(ctx, args, stdout, stderr)
	case "token":
		return runTokenCommand(args, stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, Version)
		return 0
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		printUsage(stderr)
		return 2
	}
}

func runServe(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	transport := fs.String("transport", "", "override the configured transport (stdio or http)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		return fatalStartup(ctx, nil, stderr, "E_CONFIG_LOAD", err)
	}
	if *transport != "" {
		switch t := strings.ToLower(*transport); t {
		case config.TransportStdio, config.TransportHTTP:
			cfg.Transport = t
		default:
			fmt.Fprintf(stderr, "transport must be stdio or http, got %q\n", *transport)
			return 2
		}
	}
	if err := config.ResolveAuthTokens(&cfg); err != nil {
		return fatalStartup(ctx, nil, stderr, "E_AUTH_TOKEN_WRITE", err)
	}

	// Audit comes up before the logger so logger failures are audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		return fatalStartup(ctx, nil, stderr, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, telemetry.ConsoleFor(cfg.Transport))
	if err != nil {
		return fatalStartup(ctx, nil, stderr, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "transport", cfg.Transport, "fingerprint", cfg.Fingerprint())
	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "warning", w)
	}

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return fatalStartup(ctx, logger, stderr, reasonCode(err), err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Close(shutdownCtx)
		logger.Info("shutdown complete")
	}()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for ev := range watcher.Events() {
				if ev.Err != nil {
					continue
				}
				a.applyReload(ev.Config)
			}
		}()
	}

	a.scheduler.Start(ctx)
	logger.Info("startup phase", "phase", "scheduler_started", "jobs", len(a.scheduler.Entries()))

	if cfg.Transport == config.TransportStdio {
		logger.Info("startup phase", "phase", "serving", "transport", "stdio")
		if err := a.server.ServeStdio(ctx, stdin, stdout); err != nil {
			logger.Error("stdio transport error", "error", err)
			return 1
		}
		return 0
	}

	logger.Info("startup phase", "phase", "serving", "transport", "http", "addr", cfg.BindAddr)
	if err := a.server.Serve(ctx, cfg.BindAddr); err != nil {
		return fatalStartup(ctx, logger, stderr, "E_LISTENER_BIND", err)
	}
	return 0
}

func runDoctorCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	var cfgPtr *config.Config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config load: %v\n", err)
	} else {
		cfgPtr = &cfg
	}
	diag := doctor.Run(ctx, cfgPtr, Version)

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(stderr, "encode: %v\n", err)
			return 1
		}
	} else {
		fmt.Fprintf(stdout, "taskrelay doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
		fmt.Fprintf(stdout, "System: %s/%s (%s)\n---\n", diag.System.OS, diag.System.Arch, diag.System.Go)
		for _, res := range diag.Results {
			fmt.Fprintf(stdout, "[%s] %-12s %s\n", res.Status, res.Name, res.Message)
			if res.Detail != "" {
				fmt.Fprintf(stdout, "       %s\n", res.Detail)
			}
		}
	}
	if diag.Failed() {
		return 1
	}
	return 0
}

func runTokenCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) != 0 {
		fmt.Fprintln(stderr, "usage: taskrelay token")
		return 2
	}
	tok, err := config.EnsureAuthToken(config.HomeDir())
	if err != nil {
		fmt.Fprintf(stderr, "token: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, tok)
	return 0
}

func fatalStartup(ctx context.Context, logger *slog.Logger, stderr io.Writer, code string, err error) int {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(ctx, "fatal", "runtime.startup", code, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", code, "error", message)
	} else {
		fmt.Fprintf(stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano), code, message)
	}
	return 1
}
