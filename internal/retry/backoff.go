package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Backoff is the pause between two attempts on one device.
type Backoff struct {
	Delay time.Duration
	// Multiplier grows the delay per attempt. Values below 1 mean 1.
	Multiplier float64
	// MaxDelay caps growth. Zero means uncapped.
	MaxDelay time.Duration
	// Jitter is the fraction, in [0,1], by which a delay may move either
	// way.
	Jitter float64
}

// Fixed pauses delay before every retry.
func Fixed(delay time.Duration) Backoff {
	return Backoff{Delay: delay, Multiplier: 1}
}

// Next returns the pause after failed attempt n (1-based). rng may be nil
// when Jitter is zero.
func (b Backoff) Next(n int, rng *rand.Rand) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if n < 1 {
		n = 1
	}
	d := float64(b.Delay)
	if b.Multiplier > 1 {
		d *= math.Pow(b.Multiplier, float64(n-1))
	}
	if b.MaxDelay > 0 {
		d = math.Min(d, float64(b.MaxDelay))
	}
	if j := math.Min(b.Jitter, 1); j > 0 && rng != nil {
		d *= 1 + j*(2*rng.Float64()-1)
	}
	return time.Duration(d)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
