package stream

import "time"

// Backoff yields exponentially growing delays capped at Max.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64

	cur time.Duration
}

// DefaultBackoff is used while a stream file is missing.
func DefaultBackoff() Backoff {
	return Backoff{Initial: 200 * time.Millisecond, Max: 2 * time.Second, Multiplier: 2}
}

// Next returns the delay to wait before the next attempt.
func (b *Backoff) Next() time.Duration {
	if b.cur <= 0 {
		b.cur = b.Initial
		if b.cur <= 0 {
			b.cur = 100 * time.Millisecond
		}
		return b.cur
	}
	m := b.Multiplier
	if m < 1 {
		m = 2
	}
	next := time.Duration(float64(b.cur) * m)
	if b.Max > 0 && next > b.Max {
		next = b.Max
	}
	b.cur = next
	return next
}

// Reset starts the sequence over.
func (b *Backoff) Reset() { b.cur = 0 }
