package config_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/basket/taskrelay/internal/config"
)

func TestWatcher_ReloadsOnChange(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "allow_origins: [https://a]\n")

	w := config.NewWatcher(home, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	updated := []byte("allow_origins: [https://b]\n")
	if err := os.WriteFile(config.ConfigPath(home), updated, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	// Rewrite until the watcher reports, in case it was not ready yet.
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case ev := <-w.Events():
			if ev.Err != nil {
				t.Fatalf("reload error: %v", ev.Err)
			}
			if len(ev.Config.AllowOrigins) != 1 || ev.Config.AllowOrigins[0] != "https://b" {
				t.Fatalf("reloaded origins = %v", ev.Config.AllowOrigins)
			}
			return
		case <-tick.C:
			_ = os.WriteFile(config.ConfigPath(home), updated, 0o644)
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		}
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	home := t.TempDir()
	w := config.NewWatcher(home, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	if err := os.WriteFile(config.AuthTokenPath(home), []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected reload %+v", ev)
	case <-time.After(400 * time.Millisecond):
	}
}
