package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestBackoff_Exact(t *testing.T) {
	s := BackoffSchedule{Base: 30 * time.Second, Max: time.Hour}

	// jitter 1.0 is clamped just below; use 0.999999 -> effectively full value
	assert.Equal(t, 15*time.Second, s.Next(0, 0))
	assert.Equal(t, 30*time.Second, s.Next(1, 0))
	assert.Equal(t, time.Minute, s.Next(2, 0))
	assert.Equal(t, 2*time.Minute, s.Next(3, 0))
}

func TestBackoff_Capped(t *testing.T) {
	s := BackoffSchedule{Base: 30 * time.Second, Max: time.Hour}

	for attempt := 0; attempt < 64; attempt++ {
		d := s.Next(attempt, 0.999)
		assert.LessOrEqual(t, d, time.Hour, "attempt %d", attempt)
		assert.Greater(t, d, time.Duration(0), "attempt %d", attempt)
	}
}

func TestBackoff_NegativeAttemptTreatedAsZero(t *testing.T) {
	s := BackoffSchedule{Base: 30 * time.Second, Max: time.Hour}
	assert.Equal(t, s.Next(0, 0.25), s.Next(-3, 0.25))
}

// TestProperty_BackoffBounds checks the delay is always within
// [0.5 * exp, min(exp, Max)] and never explodes on large attempt counts.
func TestProperty_BackoffBounds(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		base := time.Duration(rapid.Int64Range(int64(time.Millisecond), int64(time.Minute)).Draw(rt, "base"))
		max := time.Duration(rapid.Int64Range(int64(base), int64(24*time.Hour)).Draw(rt, "max"))
		attempt := rapid.IntRange(0, 128).Draw(rt, "attempt")
		jitter := rapid.Float64Range(0, 0.9999).Draw(rt, "jitter")

		s := BackoffSchedule{Base: base, Max: max}
		d := s.Next(attempt, jitter)

		if d > max {
			rt.Fatalf("delay %v exceeds cap %v", d, max)
		}
		if d < base/2 {
			rt.Fatalf("delay %v below half the base %v", d, base)
		}
	})
}

// TestProperty_BackoffGrowsWithAttempts checks the un-jittered schedule is
// non-decreasing in the attempt number, which is what makes persisted
// next_attempt_at values strictly increase between attempts.
func TestProperty_BackoffGrowsWithAttempts(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		base := time.Duration(rapid.Int64Range(int64(time.Second), int64(time.Minute)).Draw(rt, "base"))
		s := BackoffSchedule{Base: base, Max: 12 * time.Hour}

		a := rapid.IntRange(0, 30).Draw(rt, "a")
		b := rapid.IntRange(0, 30).Draw(rt, "b")
		if a > b {
			a, b = b, a
		}
		if s.Next(a, 0) > s.Next(b, 0) {
			rt.Fatalf("backoff shrank: attempt %d -> %v, attempt %d -> %v",
				a, s.Next(a, 0), b, s.Next(b, 0))
		}
	})
}
