package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"longterm/internal/domain"
	"longterm/internal/lock"
)

// DefaultSchedule is how often serve mode sweeps when no schedule is set.
const DefaultSchedule = "@every 1m"

// Sweep runs one ExecutePending pass at now. With a lock file the pass only
// runs if no other process holds it; otherwise the error wraps
// domain.ErrAlreadyRunning.
func Sweep(ctx context.Context, s *Scheduler, now time.Time, lockFile string) (Report, error) {
	if lockFile == "" {
		return s.ExecutePending(ctx, now)
	}
	var rep Report
	err := lock.With(lockFile, func() error {
		var err error
		rep, err = s.ExecutePending(ctx, now)
		return err
	})
	return rep, err
}

// Runner sweeps on a cron schedule until its context ends.
type Runner struct {
	sched    *Scheduler
	cron     *cron.Cron
	spec     string
	schedule cron.Schedule
	lockFile string
}

func NewRunner(s *Scheduler, spec, lockFile string) (*Runner, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: sweep schedule %q: %v", domain.ErrInvalidArgument, spec, err)
	}
	logger := cronLogger{}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	return &Runner{sched: s, cron: c, spec: spec, schedule: schedule, lockFile: lockFile}, nil
}

// Run blocks until ctx is done, then waits for a sweep in progress to finish.
// Call it once.
func (r *Runner) Run(ctx context.Context) {
	r.cron.Schedule(r.schedule, cron.FuncJob(func() { r.tick(ctx) }))
	r.cron.Start()
	log.Info().
		Str("schedule", r.spec).
		Str("lock_file", r.lockFile).
		Time("next_run", r.schedule.Next(time.Now())).
		Msg("sweep runner started")

	<-ctx.Done()
	<-r.cron.Stop().Done()
	log.Info().Msg("sweep runner stopped")
}

func (r *Runner) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	_, err := Sweep(ctx, r.sched, time.Now(), r.lockFile)
	switch {
	case errors.Is(err, domain.ErrAlreadyRunning):
		log.Info().Str("lock_file", r.lockFile).Msg("another sweep is running, skipping")
	case err != nil:
		log.Error().Err(err).Msg("sweep failed")
	}
}

// ValidateSchedule checks a cron expression or descriptor such as "@every 5m".
func ValidateSchedule(spec string) error {
	_, err := cron.ParseStandard(spec)
	return err
}

// cronLogger sends robfig/cron's own messages to zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
