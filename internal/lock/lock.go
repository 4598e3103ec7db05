//go:build unix

// Package lock guards a sweep with an advisory file lock so overlapping runs
// on one host skip instead of double-dispatching.
package lock

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"longterm/internal/domain"
)

// Lock is a held lock file. The holder's pid is written into it.
type Lock struct {
	f    *os.File
	path string
}

// Acquire takes the lock without blocking. If another holder has it the
// error wraps domain.ErrAlreadyRunning.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s is locked", domain.ErrAlreadyRunning, path)
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	l := &Lock{f: f, path: path}
	if err := l.rewrite(fmt.Sprintf("%d\n", os.Getpid())); err != nil {
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

// Release clears the pid and closes the file, which drops the lock.
func (l *Lock) Release() error {
	err := l.rewrite("")
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (l *Lock) Path() string { return l.path }

func (l *Lock) rewrite(content string) error {
	if err := l.f.Truncate(0); err != nil {
		return err
	}
	if _, err := l.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := l.f.WriteString(content); err != nil {
		return err
	}
	return l.f.Sync()
}

// With runs fn while holding the lock at path. The lock is released on every
// exit from fn, including a panic.
func With(path string, fn func() error) (err error) {
	l, err := Acquire(path)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := l.Release(); err == nil {
			err = rerr
		}
	}()
	return fn()
}
