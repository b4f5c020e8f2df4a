package queue

import "time"

// Policy controls retries.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

// DefaultPolicy: 1s doubling, capped at 60s, frozen after 8 attempts.
var DefaultPolicy = Policy{
	MaxAttempts: 8,
	Base:        time.Second,
	Max:         60 * time.Second,
}

// Backoff returns min(Max, Base * 2^(attempts-1)) for attempts >= 1.
func (p Policy) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := p.Base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// Exhausted reports whether an item with attempts must freeze.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
