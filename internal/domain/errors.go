package domain

import (
	"errors"

	"longterm/internal/codec"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("task not found")
	ErrDecodeFailure   = codec.ErrDecode
	ErrPartialWrite    = errors.New("partial write: value and time index disagree")
	ErrAlreadyRunning  = errors.New("another process is already running")
)
