package transport

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Default reconnection schedule.
const (
	DefaultBase        = 1 * time.Second
	DefaultCap         = 30 * time.Second
	DefaultMaxAttempts = 10
)

// Policy describes the reconnection schedule: delay n is min(Base*2^n, Cap),
// and at most MaxAttempts retries follow one another without a successful
// connect.
type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultPolicy returns the 1s/30s/10 schedule.
func DefaultPolicy() Policy {
	return Policy{Base: DefaultBase, Cap: DefaultCap, MaxAttempts: DefaultMaxAttempts}
}

// NewBackOff builds a fresh schedule. NextBackOff returns backoff.Stop once the
// retry budget is spent.
func (p Policy) NewBackOff() backoff.BackOff {
	if p.Base <= 0 {
		p.Base = DefaultBase
	}
	if p.Cap < p.Base {
		p.Cap = p.Base
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.Base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.Cap,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(max(p.MaxAttempts, 0)))
}

// Delay returns the wait before retry number attempt (zero based).
func (p Policy) Delay(attempt int) time.Duration {
	b := Policy{Base: p.Base, Cap: p.Cap, MaxAttempts: attempt + 1}.NewBackOff()
	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
