// Package store persists deferred task entries together with a time index
// that answers "everything due by t" queries.
//
// Every backend satisfies the same contract; conformance_test.go runs one
// suite against all of them.
package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strings"
	"sync"
	"time"

	"longterm/internal/codec"
	"longterm/internal/domain"
)

type Store interface {
	// Set stores p under id, due at dueAt. An existing entry with the same id
	// is replaced and its time index membership moved.
	Set(ctx context.Context, dueAt time.Time, id string, p codec.Payload) error
	// Get returns domain.ErrNotFound if id is absent.
	Get(ctx context.Context, id string) (codec.Payload, error)
	// Delete removes id from the table and the time index. It returns
	// domain.ErrNotFound if id is absent.
	Delete(ctx context.Context, id string) error
	// GetOlderThan snapshots the ids due at or before the given time and
	// yields them in ascending due order, fetching payloads lazily. Entries
	// deleted after the snapshot are skipped. An entry whose payload cannot
	// be decoded is yielded with a non-nil error wrapping
	// domain.ErrDecodeFailure.
	GetOlderThan(ctx context.Context, before time.Time) (iter.Seq2[domain.Entry, error], error)
	Close() error
}

// Options carries backend tuning. Backends ignore fields that do not apply.
type Options struct {
	// AtomicWrites makes the redis backend write value and index in one
	// MULTI/EXEC. SQL backends are always atomic.
	AtomicWrites bool

	MaxConnections int
	SocketTimeout  time.Duration
	ConnectTimeout time.Duration
	BusyTimeout    time.Duration
}

// Factory builds a Store for a URL whose scheme it was registered under.
type Factory func(ctx context.Context, url string, opts Options) (Store, error)

// Registry maps URL schemes to backend factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a Registry with the built-in backends registered.
func NewRegistry() *Registry {
	r := &Registry{factories: map[string]Factory{}}
	r.Register("memory", openMemory)
	r.Register("redis", openRedis)
	r.Register("rediss", openRedis)
	r.Register("sqlite", openSQLite)
	r.Register("postgres", openPostgres)
	r.Register("postgresql", openPostgres)
	return r
}

// Register adds or replaces the factory for scheme.
func (r *Registry) Register(scheme string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(scheme)] = f
}

// Schemes lists the registered schemes in sorted order.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for s := range r.factories {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Open selects a backend by the scheme of url ("scheme://details").
func (r *Registry) Open(ctx context.Context, url string, opts Options) (Store, error) {
	scheme, _, ok := strings.Cut(url, "://")
	if !ok || scheme == "" {
		return nil, fmt.Errorf("%w: backend must be a URL like scheme://details, got %q", domain.ErrInvalidArgument, url)
	}
	r.mu.RLock()
	f, ok := r.factories[strings.ToLower(scheme)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown backend scheme %q (have %s)", domain.ErrInvalidArgument, scheme, strings.Join(r.Schemes(), ", "))
	}
	return f(ctx, url, opts)
}

func checkSet(dueAt time.Time, id string) error {
	if err := domain.CheckDueTime(dueAt); err != nil {
		return err
	}
	switch id {
	case "":
		return fmt.Errorf("%w: task id is required", domain.ErrInvalidArgument)
	case ByTimeKey:
		return fmt.Errorf("%w: task id %q is reserved for the time index", domain.ErrInvalidArgument, id)
	}
	return nil
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
}

func isNotFound(err error) bool { return errors.Is(err, domain.ErrNotFound) }

// indexed is one time index member captured by a GetOlderThan snapshot.
type indexed struct {
	id  string
	due int64
}

// lazyEntries yields the snapshot, loading each payload with get. Ids that
// vanished since the snapshot are skipped.
func lazyEntries(ctx context.Context, snap []indexed, get func(context.Context, string) (codec.Payload, error)) iter.Seq2[domain.Entry, error] {
	return func(yield func(domain.Entry, error) bool) {
		for _, m := range snap {
			e := domain.Entry{ID: m.id, DueAt: domain.FromIndex(m.due)}
			p, err := get(ctx, m.id)
			if err != nil && isNotFound(err) {
				continue
			}
			e.Payload = p
			if !yield(e, err) {
				return
			}
		}
	}
}
