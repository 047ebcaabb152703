package webhook

import (
	"time"
)

// BackoffSchedule computes retry delays as a pure function of the attempt
// number, so the schedule is unit-testable and survives process restarts
// (the resulting next_attempt_at is persisted, not the schedule state).
type BackoffSchedule struct {
	Base time.Duration
	Max  time.Duration
}

// Next returns the delay before the given attempt number is retried.
// jitter must be in [0, 1); the delay is base * 2^attempt scaled into
// [0.5x, 1.0x] of the exponential value, capped at Max. Randomizing the
// wait keeps a burst of failures from retrying in lockstep.
func (s BackoffSchedule) Next(attempt int, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if jitter < 0 {
		jitter = 0
	}
	if jitter >= 1 {
		jitter = 0.999999
	}

	d := s.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= s.Max || d < 0 { // overflow guard
			d = s.Max
			break
		}
	}
	if d > s.Max {
		d = s.Max
	}

	scaled := time.Duration(float64(d) * (0.5 + jitter*0.5))
	if scaled > s.Max {
		scaled = s.Max
	}
	return scaled
}
