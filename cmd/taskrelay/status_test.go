package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestRunStatusCommand_ExtraArgs(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := runStatusCommand(context.Background(), []string{"extra"}, &out, &errOut); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunStatusCommand_HealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"healthy": true})
	}))
	defer ts.Close()
	setTestConfig(t, ts.Listener.Addr().String())

	var out, errOut bytes.Buffer
	if code := runStatusCommand(context.Background(), nil, &out, &errOut); code != 0 {
		t.Fatalf("got exit code %d, want 0: %s", code, errOut.String())
	}
	if !bytes.Contains(out.Bytes(), []byte(`"healthy":true`)) {
		t.Fatalf("stdout = %q", out.String())
	}
}

func TestRunStatusCommand_UnhealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"healthy":false}`))
	}))
	defer ts.Close()
	setTestConfig(t, ts.Listener.Addr().String())

	var out, errOut bytes.Buffer
	if code := runStatusCommand(context.Background(), nil, &out, &errOut); code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}

func TestRunStatusCommand_ConnectionRefused(t *testing.T) {
	setTestConfig(t, "127.0.0.1:1")
	var out, errOut bytes.Buffer
	if code := runStatusCommand(context.Background(), nil, &out, &errOut); code != 1 {
		t.Fatalf("got exit code %d, want 1 for connection refused", code)
	}
}

func TestHealthURL(t *testing.T) {
	cases := map[string]string{
		"":                     "http://127.0.0.1:18790/healthz",
		"0.0.0.0:8080":         "http://127.0.0.1:8080/healthz",
		"[::1]:9000":           "http://[::1]:9000/healthz",
		"https://relay.local/": "https://relay.local/healthz",
		"127.0.0.1:18790":      "http://127.0.0.1:18790/healthz",
	}
	for in, want := range cases {
		if got := healthURL(in); got != want {
			t.Errorf("healthURL(%q) = %q, want %q", in, got, want)
		}
	}
}

// setTestConfig writes a minimal config.yaml to a temp dir and sets TASKRELAY_HOME.
func setTestConfig(t *testing.T, addr string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("TASKRELAY_HOME", home)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(`bind_addr: "`+addr+`"`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}
