// Package scheduler owns the store for one backend configuration and runs
// sweeps that hand due entries to a sink and then remove them.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"longterm/internal/codec"
	"longterm/internal/domain"
	"longterm/internal/sink"
	"longterm/internal/store"
)

type Config struct {
	// URL selects the backend, e.g. "redis://localhost:6379/0".
	URL     string
	Options store.Options
}

// Report summarizes one sweep.
type Report struct {
	Due         int // entries yielded by the time index
	Dispatched  int
	Removed     int
	AlreadyGone int // dispatched, but another caller removed the entry first
	Failed      int // left in the store: undecodable or refused by the sink
}

// Stats are running totals since the Scheduler was created.
type Stats struct {
	Sweeps     uint64
	Dispatched uint64
	Failed     uint64
}

// Item is a pending entry as listed by Pending. Err is set when the payload
// could not be decoded.
type Item struct {
	domain.Entry
	Err error
}

type Scheduler struct {
	cfg      Config
	registry *store.Registry
	sink     sink.Sink

	mu    sync.Mutex
	store store.Store

	sweeps     atomic.Uint64
	dispatched atomic.Uint64
	failed     atomic.Uint64
}

// New returns a Scheduler for cfg. The backend is opened on first use, not
// here. A nil registry means the built-in backends; a nil sink only logs.
func New(cfg Config, registry *store.Registry, s sink.Sink) *Scheduler {
	if registry == nil {
		registry = store.NewRegistry()
	}
	if s == nil {
		s = sink.Log{}
	}
	return &Scheduler{cfg: cfg, registry: registry, sink: s}
}

func (s *Scheduler) backend(ctx context.Context) (store.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store != nil {
		return s.store, nil
	}
	st, err := s.registry.Open(ctx, s.cfg.URL, s.cfg.Options)
	if err != nil {
		return nil, fmt.Errorf("open backend: %w", err)
	}
	s.store = st
	return st, nil
}

// Close releases the backend if it was opened. A later call opens it again.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store == nil {
		return nil
	}
	err := s.store.Close()
	s.store = nil
	return err
}

// Store records p to run at due under id. There are no retries.
func (s *Scheduler) Store(ctx context.Context, due time.Time, id string, p codec.Payload) error {
	st, err := s.backend(ctx)
	if err != nil {
		return err
	}
	return st.Set(ctx, due, id, p)
}

// Defer stores p for later when due is set and submits it right away when due
// is the zero time. An empty id is replaced with a generated one, which is
// returned either way.
func (s *Scheduler) Defer(ctx context.Context, due time.Time, id string, p codec.Payload) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if due.IsZero() {
		return id, s.sink.Submit(ctx, id, p)
	}
	if err := s.Store(ctx, due, id, p); err != nil {
		return "", err
	}
	log.Debug().Str("task_id", id).Time("due_at", due).Msg("task deferred")
	return id, nil
}

func (s *Scheduler) Get(ctx context.Context, id string) (codec.Payload, error) {
	st, err := s.backend(ctx)
	if err != nil {
		return codec.Payload{}, err
	}
	return st.Get(ctx, id)
}

// Pending lists the entries due at or before the given time.
func (s *Scheduler) Pending(ctx context.Context, before time.Time) ([]Item, error) {
	st, err := s.backend(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := st.GetOlderThan(ctx, before)
	if err != nil {
		return nil, err
	}
	var out []Item
	for e, err := range entries {
		out = append(out, Item{Entry: e, Err: err})
	}
	return out, nil
}

// Revoke removes id. It reports false, without error, when id was not stored.
func (s *Scheduler) Revoke(ctx context.Context, id string) (bool, error) {
	st, err := s.backend(ctx)
	if err != nil {
		return false, err
	}
	if err := st.Delete(ctx, id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ExecutePending submits every entry due at or before now and removes each
// one the sink accepted. Failures are logged per entry and never end the pass;
// the only error returned is a failure to query the due entries. Once the
// query succeeds the pass runs to the end even if ctx is cancelled.
func (s *Scheduler) ExecutePending(ctx context.Context, now time.Time) (Report, error) {
	var rep Report
	if err := ctx.Err(); err != nil {
		return rep, err
	}
	ctx = context.WithoutCancel(ctx)

	st, err := s.backend(ctx)
	if err != nil {
		return rep, err
	}
	entries, err := st.GetOlderThan(ctx, now)
	if err != nil {
		return rep, fmt.Errorf("query due tasks: %w", err)
	}
	s.sweeps.Add(1)
	log.Info().Time("now", now).Str("backend", s.cfg.URL).Msg("sweep started")

	for e, err := range entries {
		rep.Due++
		if err != nil {
			rep.Failed++
			log.Error().Err(err).Str("task_id", e.ID).Time("due_at", e.DueAt).Msg("cannot decode task, left in store")
			continue
		}
		if err := s.sink.Submit(ctx, e.ID, e.Payload); err != nil {
			rep.Failed++
			log.Error().Err(err).Str("task_id", e.ID).Time("due_at", e.DueAt).Msg("submit failed, will retry next sweep")
			continue
		}
		rep.Dispatched++
		removed, err := s.Revoke(ctx, e.ID)
		switch {
		case err != nil:
			log.Error().Err(err).Str("task_id", e.ID).Msg("task dispatched but not removed")
		case !removed:
			rep.AlreadyGone++
			log.Info().Str("task_id", e.ID).Msg("task already handled elsewhere")
		default:
			rep.Removed++
			log.Info().Str("task_id", e.ID).Time("due_at", e.DueAt).Msg("task dispatched and removed")
		}
	}

	s.dispatched.Add(uint64(rep.Dispatched))
	s.failed.Add(uint64(rep.Failed))
	log.Info().
		Int("due", rep.Due).
		Int("dispatched", rep.Dispatched).
		Int("already_gone", rep.AlreadyGone).
		Int("failed", rep.Failed).
		Msg("sweep finished")
	return rep, nil
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		Sweeps:     s.sweeps.Load(),
		Dispatched: s.dispatched.Load(),
		Failed:     s.failed.Load(),
	}
}
