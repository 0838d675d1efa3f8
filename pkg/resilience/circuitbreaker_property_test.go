package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// For any threshold and any sequence of outcomes, the circuit is open exactly when
// the last maxFailures calls that reached the backend all failed, and an open
// circuit never calls the backend before its timeout.
func TestProperty_BreakerStateMachine(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("opens after maxFailures consecutive failures", prop.ForAll(
		func(maxFailures int, outcomes []bool) bool {
			b := NewBreaker(Config{MaxFailures: maxFailures, OpenTimeout: time.Hour, Clock: newFakeClock().Now})
			streak := 0
			for _, fail := range outcomes {
				called := false
				err := b.Execute(func() error {
					called = true
					if fail {
						return errBackend
					}
					return nil
				})
				if streak >= maxFailures {
					if called || !errors.Is(err, ErrOpen) {
						return false
					}
					continue
				}
				if !called {
					return false
				}
				if fail {
					streak++
				} else {
					streak = 0
				}
				if (b.State() == StateOpen) != (streak >= maxFailures) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 10),
		gen.SliceOf(gen.Bool()),
	))

	properties.Property("a probe after the timeout always reaches the backend", prop.ForAll(
		func(maxFailures int, timeoutMs int, probeFails bool) bool {
			clock := newFakeClock()
			timeout := time.Duration(timeoutMs) * time.Millisecond
			b := NewBreaker(Config{MaxFailures: maxFailures, OpenTimeout: timeout, Clock: clock.Now})
			for i := 0; i < maxFailures; i++ {
				_ = b.Execute(failing)
			}
			clock.Advance(timeout)

			called := false
			_ = b.Execute(func() error {
				called = true
				if probeFails {
					return errBackend
				}
				return nil
			})
			want := StateClosed
			if probeFails {
				want = StateOpen
			}
			return called && b.State() == want
		},
		gen.IntRange(1, 10),
		gen.IntRange(1, 500),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
