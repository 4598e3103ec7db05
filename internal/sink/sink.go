// Package sink hands due payloads to the system that actually runs them.
package sink

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"longterm/internal/codec"
)

// Sink submits one payload for immediate execution. A nil error means the
// payload was accepted; the entry is then removed from the store.
type Sink interface {
	Submit(ctx context.Context, id string, p codec.Payload) error
}

// Func adapts a plain function to Sink.
type Func func(ctx context.Context, id string, p codec.Payload) error

func (f Func) Submit(ctx context.Context, id string, p codec.Payload) error { return f(ctx, id, p) }

// Log only records the payload. Used for dry runs.
type Log struct{}

func (Log) Submit(_ context.Context, id string, p codec.Payload) error {
	log.Info().Str("task_id", id).Str("payload", p.String()).Msg("dry run: would dispatch")
	return nil
}

type throttled struct {
	next    Sink
	limiter *rate.Limiter
}

// Throttle limits submissions to perSec per second with the given burst.
// perSec <= 0 returns next unchanged.
func Throttle(next Sink, perSec float64, burst int) Sink {
	if perSec <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &throttled{next: next, limiter: rate.NewLimiter(rate.Limit(perSec), burst)}
}

func (t *throttled) Submit(ctx context.Context, id string, p codec.Payload) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("throttle: %w", err)
	}
	return t.next.Submit(ctx, id, p)
}
