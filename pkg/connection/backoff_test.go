package connection

import (
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	t.Run("DefaultSequence", func(t *testing.T) {
		b := NewBackoff()

		// Expected sequence (without jitter): 50ms, 100ms, 200ms,
		// 400ms, 800ms, 1s, 1s...
		expected := BackoffSequence()
		expected = append(expected, MaxBackoff)

		for i, exp := range expected {
			// Get the base (current) value before adding jitter
			base := b.Current()
			_ = b.Next() // Advance

			if base != exp {
				t.Errorf("Attempt %d: base = %v, want %v", i, base, exp)
			}
		}
	})

	t.Run("Jitter", func(t *testing.T) {
		b := NewBackoff()

		// Collect multiple samples to verify jitter is being applied
		samples := make([]time.Duration, 10)
		for i := range samples {
			samples[i] = b.Peek()
		}

		// All samples should be between 50ms and 62.5ms (with jitter)
		max := time.Duration(float64(InitialBackoff) * (1 + JitterFactor))
		for i, s := range samples {
			if s < InitialBackoff || s > max+time.Millisecond {
				t.Errorf("Sample %d: %v out of expected range [%v, %v]", i, s, InitialBackoff, max)
			}
		}

		// At least some samples should be different (jitter should vary)
		allSame := true
		for i := 1; i < len(samples); i++ {
			if samples[i] != samples[0] {
				allSame = false
				break
			}
		}
		if allSame {
			t.Error("All jittered samples are identical - jitter may not be working")
		}
	})

	t.Run("JitterDisabled", func(t *testing.T) {
		b := NewBackoffWithConfig(BackoffConfig{Jitter: -1})

		for i := 0; i < 5; i++ {
			if got := b.Peek(); got != InitialBackoff {
				t.Errorf("Peek() = %v with jitter disabled, want %v", got, InitialBackoff)
			}
		}
	})

	t.Run("ZeroConfigKeepsDefaultJitter", func(t *testing.T) {
		// The zero config selects the package defaults, jitter
		// included: connections pass their Backoff config through
		// unmodified and still need jittered retries.
		b := NewBackoffWithConfig(BackoffConfig{})

		varied := false
		first := b.Peek()
		for i := 0; i < 20; i++ {
			if b.Peek() != first {
				varied = true
				break
			}
		}
		if !varied {
			t.Error("Zero config produced no jitter variation")
		}
	})

	t.Run("Reset", func(t *testing.T) {
		b := NewBackoff()

		// Advance a few times
		for i := 0; i < 5; i++ {
			b.Next()
		}

		if b.Current() <= InitialBackoff {
			t.Error("Backoff should have increased")
		}

		// Reset
		b.Reset()

		if b.Current() != InitialBackoff {
			t.Errorf("Current() = %v after reset, want %v", b.Current(), InitialBackoff)
		}
		if b.Attempts() != 0 {
			t.Errorf("Attempts() = %d after reset, want 0", b.Attempts())
		}
	})

	t.Run("Attempts", func(t *testing.T) {
		b := NewBackoff()

		if b.Attempts() != 0 {
			t.Errorf("Initial Attempts() = %d, want 0", b.Attempts())
		}

		for i := 1; i <= 5; i++ {
			b.Next()
			if b.Attempts() != i {
				t.Errorf("After %d calls, Attempts() = %d", i, b.Attempts())
			}
		}
	})

	t.Run("CustomConfig", func(t *testing.T) {
		b := NewBackoffWithConfig(BackoffConfig{
			Initial:    100 * time.Millisecond,
			Max:        500 * time.Millisecond,
			Multiplier: 2.0,
			Jitter:     -1, // Deterministic
		})

		expected := []time.Duration{
			100 * time.Millisecond,
			200 * time.Millisecond,
			400 * time.Millisecond,
			500 * time.Millisecond, // Max
			500 * time.Millisecond,
		}

		for i, exp := range expected {
			if got := b.Next(); got != exp {
				t.Errorf("Next() #%d = %v, want %v", i+1, got, exp)
			}
		}
	})

	t.Run("MaxCap", func(t *testing.T) {
		b := NewBackoffWithConfig(BackoffConfig{Jitter: -1})

		var last time.Duration
		for i := 0; i < 10; i++ {
			last = b.Next()
		}
		if last != MaxBackoff {
			t.Errorf("Backoff after 10 attempts = %v, want capped at %v", last, MaxBackoff)
		}
	})
}
