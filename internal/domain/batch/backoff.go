package batch

import "time"

// Backoff computes exponential delays between retry attempts.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoff starts at one second, doubles, and caps at thirty seconds.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    time.Second,
		Max:        30 * time.Second,
		Multiplier: 2,
	}
}

func (b Backoff) normalized() Backoff {
	if b.Initial <= 0 {
		b.Initial = time.Second
	}
	if b.Max <= 0 {
		b.Max = 30 * time.Second
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Multiplier < 1 {
		b.Multiplier = 2
	}
	return b
}

// Delay returns the wait before the given attempt (1-based). The first attempt never waits.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	b = b.normalized()
	delay := float64(b.Initial)
	for i := 2; i < attempt; i++ {
		delay *= b.Multiplier
		if delay >= float64(b.Max) {
			return b.Max
		}
	}
	return min(time.Duration(delay), b.Max)
}
