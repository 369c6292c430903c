package client

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// Backoff controls DialRetry. Attempts below 1 mean a single attempt.
type Backoff struct {
	Attempts     int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

func DefaultBackoff() Backoff {
	return Backoff{
		Attempts:     5,
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
}

// delay returns the wait before attempt n (1-based). The first attempt waits InitialDelay.
func (b Backoff) delay(n int, rng *rand.Rand) time.Duration {
	if n <= 1 || b.InitialDelay <= 0 {
		return b.InitialDelay
	}
	mult := b.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	d := float64(b.InitialDelay) * math.Pow(mult, float64(n-1))
	if b.MaxDelay > 0 && d > float64(b.MaxDelay) {
		d = float64(b.MaxDelay)
	}
	if b.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		d *= f
	}
	return time.Duration(d)
}

// DialRetry dials addr until it succeeds, attempts run out, or ctx ends.
func DialRetry(ctx context.Context, addr string, opts Options, b Backoff) (*Client, error) {
	attempts := max(b.Attempts, 1)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var lastErr error
	for n := 1; n <= attempts; n++ {
		c, err := Dial(ctx, addr, opts)
		if err == nil {
			return c, nil
		}
		lastErr = err
		if n == attempts || ctx.Err() != nil {
			break
		}
		wait := b.delay(n, rng)
		log.Debug().Str("addr", addr).Int("attempt", n).Dur("wait", wait).Err(err).Msg("client dial failed, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Join(lastErr, ctx.Err())
		case <-timer.C:
		}
	}
	return nil, lastErr
}
