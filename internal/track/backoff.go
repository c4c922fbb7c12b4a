package track

import "time"

// Backoff computes the delay before the next loop tick after consecutive
// failures. Kept as a plain value so tests never wait on real timers.
type Backoff struct {
	Multiplier float64
	Max        time.Duration
}

func defaultBackoff() Backoff {
	return Backoff{Multiplier: 2, Max: 30 * time.Second}
}

// Delay returns base * Multiplier^attempt, capped at Max. Attempts below
// one are treated as one.
func (b Backoff) Delay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base)
	for i := 0; i < attempt; i++ {
		d *= b.Multiplier
		if time.Duration(d) >= b.Max {
			return b.Max
		}
	}
	if time.Duration(d) > b.Max {
		return b.Max
	}
	return time.Duration(d)
}
