package core

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// BackoffConfig bounds relogin and reconnect attempts.
type BackoffConfig struct {
	Base          time.Duration
	Cap           time.Duration
	MaxRetries    uint64
	JitterPercent uint64
}

// Backoff is a bounded exponential schedule. Attempts counts failures
// recorded through Next.
type Backoff struct {
	cfg      BackoffConfig
	b        retry.Backoff
	attempts uint64
}

func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.Base <= 0 {
		cfg.Base = time.Second
	}
	if cfg.Cap < cfg.Base {
		cfg.Cap = cfg.Base
	}
	b := &Backoff{cfg: cfg}
	b.Reset()
	return b
}

// Next returns the wait before the next attempt. ok is false once
// MaxRetries failures have been recorded.
func (b *Backoff) Next() (wait time.Duration, ok bool) {
	b.attempts++
	d, stop := b.b.Next()
	if stop {
		return 0, false
	}
	return d, true
}

func (b *Backoff) Attempts() uint64 { return b.attempts }

func (b *Backoff) Exhausted() bool { return b.attempts > b.cfg.MaxRetries }

// Reset rebuilds the schedule; go-retry backoffs are stateful and not rewindable.
func (b *Backoff) Reset() {
	var r retry.Backoff = retry.NewExponential(b.cfg.Base)
	r = retry.WithCappedDuration(b.cfg.Cap, r)
	if b.cfg.JitterPercent > 0 {
		r = retry.WithJitterPercent(b.cfg.JitterPercent, r)
	}
	r = retry.WithMaxRetries(b.cfg.MaxRetries, r)
	b.b = r
	b.attempts = 0
}
