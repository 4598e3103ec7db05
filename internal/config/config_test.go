package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "longterm.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()
	for _, path := range []string{"", writeConfig(t, "")} {
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load(%q) error: %v", path, err)
		}
		if cfg.Backend != "redis://localhost:6379/0" || cfg.Sink.Kind != "log" || cfg.HTTP.Addr != ":8080" {
			t.Fatalf("Load(%q) = %+v", path, cfg)
		}
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
backend: sqlite:///var/lib/longterm/tasks.db
atomic_writes: true
redis:
  max_connections: 4
  socket_timeout: 2s
  socket_connect_timeout: 500ms
sqlite:
  busy_timeout: 5s
sink:
  kind: webhook
  url: http://broker.internal/submit
  headers:
    Authorization: Bearer t0ken
  rate_per_sec: 20
  burst: 5
sweep:
  schedule: "*/5 * * * *"
  lock_file: /run/longterm.lock
log:
  level: debug
  console: false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	opts := cfg.StoreOptions()
	if !opts.AtomicWrites || opts.MaxConnections != 4 || opts.SocketTimeout != 2*time.Second ||
		opts.ConnectTimeout != 500*time.Millisecond || opts.BusyTimeout != 5*time.Second {
		t.Fatalf("StoreOptions = %+v", opts)
	}
	if cfg.Sink.Headers["Authorization"] != "Bearer t0ken" || cfg.Sink.Burst != 5 {
		t.Fatalf("sink = %+v", cfg.Sink)
	}
	if cfg.Sink.TimeoutDuration() != 30*time.Second {
		t.Fatalf("sink timeout = %v, want default 30s", cfg.Sink.TimeoutDuration())
	}
	if cfg.Sweep.LockFile != "/run/longterm.lock" || cfg.Log.Level != "debug" || cfg.Log.Console {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "unknown field", body: "backnd: memory://\n", want: "backnd"},
		{name: "backend without scheme", body: "backend: localhost\n", want: "backend"},
		{name: "bad duration", body: "redis:\n  socket_timeout: soon\n", want: "redis.socket_timeout"},
		{name: "negative duration", body: "sqlite:\n  busy_timeout: -1s\n", want: "sqlite.busy_timeout"},
		{name: "webhook without url", body: "sink:\n  kind: webhook\n", want: "sink.url"},
		{name: "command without path", body: "sink:\n  kind: command\n", want: "sink.command"},
		{name: "unknown sink", body: "sink:\n  kind: carrier-pigeon\n", want: "sink.kind"},
		{name: "bad schedule", body: "sweep:\n  schedule: sometimes\n", want: "sweep.schedule"},
		{name: "bad level", body: "log:\n  level: loud\n", want: "log.level"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); !os.IsNotExist(err) {
		t.Fatalf("Load error = %v, want not-exist", err)
	}
}
