package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"longterm/internal/codec"
	"longterm/internal/domain"
	"longterm/internal/lock"
	"longterm/internal/sink"
	"longterm/internal/store"
)

func TestSweepHonorsLockFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec := &recorder{}
	s := newTest(t, &fakeStore{Store: store.NewMemory()}, rec)
	_ = s.Store(ctx, at(9), "a", args(1))
	path := filepath.Join(t.TempDir(), "sweep.lock")

	held, err := lock.Acquire(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Sweep(ctx, s, noon, path); !errors.Is(err, domain.ErrAlreadyRunning) {
		t.Fatalf("Sweep while locked = %v, want ErrAlreadyRunning", err)
	}
	if len(rec.submitted()) != 0 {
		t.Fatal("locked sweep dispatched")
	}
	_ = held.Release()

	rep, err := Sweep(ctx, s, noon, path)
	if err != nil || rep.Removed != 1 {
		t.Fatalf("Sweep = %+v, %v", rep, err)
	}
}

func TestNewRunnerRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	s := New(Config{URL: "memory://"}, nil, nil)
	if _, err := NewRunner(s, "every tuesday", ""); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("NewRunner = %v, want ErrInvalidArgument", err)
	}
	if _, err := NewRunner(s, "", ""); err != nil {
		t.Fatalf("default schedule: %v", err)
	}
}

func TestRunnerSweepsOnSchedule(t *testing.T) {
	t.Parallel()
	got := make(chan string, 1)
	sk := sink.Func(func(_ context.Context, id string, _ codec.Payload) error {
		select {
		case got <- id:
		default:
		}
		return nil
	})
	s := newTest(t, &fakeStore{Store: store.NewMemory()}, sk)
	if err := s.Store(context.Background(), time.Now().Add(-time.Minute), "due", args(1)); err != nil {
		t.Fatal(err)
	}
	r, err := NewRunner(s, "@every 1s", filepath.Join(t.TempDir(), "sweep.lock"))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	select {
	case id := <-got:
		if id != "due" {
			t.Fatalf("dispatched %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not sweep")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestValidateSchedule(t *testing.T) {
	t.Parallel()
	for _, spec := range []string{"0 * * * *", "*/5 * * * *", "@every 30s", DefaultSchedule} {
		if err := ValidateSchedule(spec); err != nil {
			t.Errorf("ValidateSchedule(%q) = %v", spec, err)
		}
	}
	if err := ValidateSchedule("61 * * * *"); err == nil {
		t.Fatal("expected invalid minute to fail")
	}
}
