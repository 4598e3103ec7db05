package domain

import (
	"time"

	"longterm/internal/codec"
)

// Entry is one deferred unit of work.
type Entry struct {
	ID      string
	DueAt   time.Time
	Payload codec.Payload
}
