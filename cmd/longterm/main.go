package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"longterm/internal/api"
	"longterm/internal/config"
	"longterm/internal/domain"
	"longterm/internal/scheduler"
	"longterm/internal/sink"
)

const usage = `usage: longterm [-config file] [-backend url] [-log-level level] <command> [flags]

commands:
  sweep   dispatch every task that is due, then exit
  serve   run the HTTP API and sweep on the configured schedule
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	fs := flag.NewFlagSet("longterm", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	var (
		configPath = fs.String("config", "", "YAML config file")
		backend    = fs.String("backend", "", "store URL, overrides the config file")
		level      = fs.String("log-level", "", "log level, overrides the config file")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err == nil && (*backend != "" || *level != "") {
		if *backend != "" {
			cfg.Backend = *backend
		}
		if *level != "" {
			cfg.Log.Level = *level
		}
		err = cfg.Validate()
	}
	if err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return 1
	}
	setupLogging(cfg.Log)

	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}
	switch cmd, rest := fs.Arg(0), fs.Args()[1:]; cmd {
	case "sweep":
		return runSweep(cfg, rest)
	case "serve":
		return runServe(cfg, rest)
	default:
		fmt.Fprintf(fs.Output(), "unknown command %q\n\n", cmd)
		fs.Usage()
		return 2
	}
}

func setupLogging(c config.LogConfig) {
	if lvl, err := zerolog.ParseLevel(c.Level); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}
	if c.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

func buildSink(c config.SinkConfig) sink.Sink {
	var s sink.Sink
	switch c.Kind {
	case "webhook":
		s = sink.Webhook{URL: c.URL, Headers: c.Headers, Timeout: c.TimeoutDuration()}
	case "command":
		s = sink.Command{Path: c.Command, Args: c.Args}
	default:
		s = sink.Log{}
	}
	return sink.Throttle(s, c.RatePerSec, c.Burst)
}

func newScheduler(cfg config.Config) *scheduler.Scheduler {
	return scheduler.New(
		scheduler.Config{URL: cfg.Backend, Options: cfg.StoreOptions()},
		nil,
		buildSink(cfg.Sink),
	)
}

func runSweep(cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	var (
		timestamp = fs.String("timestamp", "now", `dispatch tasks due at or before this time ("now" or a timestamp; no offset means local time)`)
		lockFile  = fs.String("lockfile", cfg.Sweep.LockFile, "skip the sweep if this lock file is held")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	now, err := domain.ParseDueTime(*timestamp, time.Local, time.Now)
	if err != nil {
		log.Error().Err(err).Msg("invalid -timestamp")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	sched := newScheduler(cfg)
	defer sched.Close()

	_, err = scheduler.Sweep(ctx, sched, now, *lockFile)
	switch {
	case errors.Is(err, domain.ErrAlreadyRunning):
		log.Info().Str("lock_file", *lockFile).Msg("another sweep is running, exiting")
		return 0
	case err != nil:
		log.Error().Err(err).Str("backend", cfg.Backend).Msg("sweep failed")
		return 1
	}
	return 0
}

func runServe(cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	var (
		addr  = fs.String("addr", cfg.HTTP.Addr, "HTTP bind address")
		debug = fs.Bool("debug", false, "expose /debug/pprof")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	sched := newScheduler(cfg)
	defer sched.Close()
	runner, err := scheduler.NewRunner(sched, cfg.Sweep.Schedule, cfg.Sweep.LockFile)
	if err != nil {
		log.Error().Err(err).Msg("sweep runner")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runnerDone := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(runnerDone)
	}()

	srv := &http.Server{
		Addr:              *addr,
		Handler:           api.NewServer(sched, api.Options{LockFile: cfg.Sweep.LockFile, Debug: *debug}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", *addr).Str("backend", cfg.Backend).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn().Err(err).Msg("sd_notify ready")
	}

	code := 0
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		log.Error().Err(err).Msg("http server")
		code = 1
		stop()
	}

	log.Info().Msg("shutting down")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	<-runnerDone
	return code
}
