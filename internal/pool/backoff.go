package pool

import "time"

// exponential doubles the delay each attempt: min(initial * 2^(attempt-1), max).
type exponential struct {
	initial time.Duration
	max     time.Duration
}

func (e exponential) delay(attempt int) time.Duration {
	d := e.initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if e.max > 0 && d >= e.max {
			return e.max
		}
	}
	if e.max > 0 && d > e.max {
		return e.max
	}
	return d
}
