// Package config loads the YAML configuration shared by the sweep and serve
// commands.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	yaml "go.yaml.in/yaml/v3"

	"longterm/internal/scheduler"
	"longterm/internal/store"
)

type Config struct {
	// Backend is the store URL, e.g. "redis://localhost:6379/0".
	Backend      string       `yaml:"backend"`
	AtomicWrites bool         `yaml:"atomic_writes"`
	Redis        RedisConfig  `yaml:"redis"`
	SQLite       SQLiteConfig `yaml:"sqlite"`
	Sink         SinkConfig   `yaml:"sink"`
	Sweep        SweepConfig  `yaml:"sweep"`
	HTTP         HTTPConfig   `yaml:"http"`
	Log          LogConfig    `yaml:"log"`
}

type RedisConfig struct {
	MaxConnections       int    `yaml:"max_connections"`
	SocketTimeout        string `yaml:"socket_timeout"`
	SocketConnectTimeout string `yaml:"socket_connect_timeout"`
}

type SQLiteConfig struct {
	BusyTimeout string `yaml:"busy_timeout"`
}

// SinkConfig picks where due tasks are submitted. Kind is one of "log",
// "webhook" or "command".
type SinkConfig struct {
	Kind    string            `yaml:"kind"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout string            `yaml:"timeout"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`

	RatePerSec float64 `yaml:"rate_per_sec"`
	Burst      int     `yaml:"burst"`
}

type SweepConfig struct {
	Schedule string `yaml:"schedule"`
	LockFile string `yaml:"lock_file"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

func Default() Config {
	return Config{
		Backend: "redis://localhost:6379/0",
		Sink:    SinkConfig{Kind: "log", Timeout: "30s"},
		Sweep:   SweepConfig{Schedule: scheduler.DefaultSchedule},
		HTTP:    HTTPConfig{Addr: ":8080"},
		Log:     LogConfig{Level: "info", Console: true},
	}
}

// Load reads path over the defaults and validates the result. An empty path
// yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if !strings.Contains(c.Backend, "://") {
		errs = append(errs, fmt.Errorf("backend: want scheme://details, got %q", c.Backend))
	}
	if c.Redis.MaxConnections < 0 {
		errs = append(errs, errors.New("redis.max_connections: must be >= 0"))
	}
	for path, raw := range map[string]string{
		"redis.socket_timeout":         c.Redis.SocketTimeout,
		"redis.socket_connect_timeout": c.Redis.SocketConnectTimeout,
		"sqlite.busy_timeout":          c.SQLite.BusyTimeout,
		"sink.timeout":                 c.Sink.Timeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	switch c.Sink.Kind {
	case "log":
	case "webhook":
		if c.Sink.URL == "" {
			errs = append(errs, errors.New("sink.url: required for webhook sink"))
		}
	case "command":
		if c.Sink.Command == "" {
			errs = append(errs, errors.New("sink.command: required for command sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("sink.kind: unknown kind %q", c.Sink.Kind))
	}
	if c.Sink.RatePerSec < 0 || c.Sink.Burst < 0 {
		errs = append(errs, errors.New("sink.rate_per_sec, sink.burst: must be >= 0"))
	}
	if err := scheduler.ValidateSchedule(c.Sweep.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("sweep.schedule: %w", err))
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// StoreOptions converts the backend settings. Call it on a validated Config.
func (c Config) StoreOptions() store.Options {
	return store.Options{
		AtomicWrites:   c.AtomicWrites,
		MaxConnections: c.Redis.MaxConnections,
		SocketTimeout:  mustDuration(c.Redis.SocketTimeout),
		ConnectTimeout: mustDuration(c.Redis.SocketConnectTimeout),
		BusyTimeout:    mustDuration(c.SQLite.BusyTimeout),
	}
}

func (c SinkConfig) TimeoutDuration() time.Duration { return mustDuration(c.Timeout) }

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func mustDuration(raw string) time.Duration {
	d, _ := ParseDurationField("", raw)
	return d
}
