//go:build !unix

package lock

import "errors"

var errUnsupported = errors.New("lock files are not supported on this platform")

type Lock struct{}

func Acquire(string) (*Lock, error) { return nil, errUnsupported }

func (*Lock) Release() error { return errUnsupported }

func (*Lock) Path() string { return "" }

func With(string, func() error) error { return errUnsupported }
