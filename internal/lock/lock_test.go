//go:build unix

package lock

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"longterm/internal/domain"
)

func TestAcquireIsExclusive(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sweep.lock")

	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("lock file = %q, want pid", data)
	}

	if _, err := Acquire(path); !errors.Is(err, domain.ErrAlreadyRunning) {
		t.Fatalf("second Acquire = %v, want ErrAlreadyRunning", err)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	l2, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	_ = l2.Release()
}

func TestWithReleasesOnError(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sweep.lock")
	boom := errors.New("boom")

	err := With(path, func() error {
		if err := With(path, func() error { return nil }); !errors.Is(err, domain.ErrAlreadyRunning) {
			t.Errorf("nested With = %v, want ErrAlreadyRunning", err)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("With = %v, want boom", err)
	}
	if err := With(path, func() error { return nil }); err != nil {
		t.Fatalf("lock not released after error: %v", err)
	}
}

func TestWithReleasesOnPanic(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sweep.lock")

	func() {
		defer func() { _ = recover() }()
		_ = With(path, func() error { panic("crash") })
	}()

	if err := With(path, func() error { return nil }); err != nil {
		t.Fatalf("lock not released after panic: %v", err)
	}
}
