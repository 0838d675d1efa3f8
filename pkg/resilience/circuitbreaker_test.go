package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var errBackend = errors.New("backend unavailable")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func failing() error    { return errBackend }
func succeeding() error { return nil }

func TestBreaker_Defaults(t *testing.T) {
	b := NewBreaker(Config{})
	if b.maxFailures != DefaultMaxFailures || b.openTimeout != DefaultOpenTimeout {
		t.Fatalf("unexpected defaults: %d %s", b.maxFailures, b.openTimeout)
	}
	if b.State() != StateClosed || b.Failures() != 0 {
		t.Fatalf("expected closed breaker without failures, got %s/%d", b.State(), b.Failures())
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(Config{MaxFailures: 3, OpenTimeout: time.Minute, Clock: newFakeClock().Now})

	for i := 0; i < 3; i++ {
		if err := b.Execute(failing); !errors.Is(err, errBackend) {
			t.Fatalf("call %d: expected backend error, got %v", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	called := false
	err := b.Execute(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrOpen) || called {
		t.Fatalf("expected ErrOpen without calling fn, got %v (called=%v)", err, called)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(Config{MaxFailures: 2})
	_ = b.Execute(failing)
	_ = b.Execute(succeeding)
	_ = b.Execute(failing)
	if b.State() != StateClosed || b.Failures() != 1 {
		t.Fatalf("expected closed with 1 failure, got %s/%d", b.State(), b.Failures())
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	tests := []struct {
		name  string
		probe func() error
		want  State
	}{
		{name: "success closes", probe: succeeding, want: StateClosed},
		{name: "failure reopens", probe: failing, want: StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			b := NewBreaker(Config{MaxFailures: 1, OpenTimeout: 10 * time.Second, Clock: clock.Now})
			_ = b.Execute(failing)

			clock.Advance(9 * time.Second)
			if err := b.Execute(succeeding); !errors.Is(err, ErrOpen) {
				t.Fatalf("expected ErrOpen before timeout, got %v", err)
			}

			clock.Advance(time.Second)
			_ = b.Execute(tt.probe)
			if b.State() != tt.want {
				t.Fatalf("expected %s after probe, got %s", tt.want, b.State())
			}
		})
	}
}

func TestBreaker_IsFailureFiltersErrors(t *testing.T) {
	errExpected := errors.New("not found")
	b := NewBreaker(Config{
		MaxFailures: 1,
		IsFailure:   func(err error) bool { return !errors.Is(err, errExpected) },
	})
	for i := 0; i < 5; i++ {
		if err := b.Execute(func() error { return errExpected }); !errors.Is(err, errExpected) {
			t.Fatalf("expected the function error to be returned, got %v", err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("expected ignored errors to keep the circuit closed, got %s", b.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	b := NewBreaker(Config{MaxFailures: 1})
	_ = b.Execute(failing)
	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("expected closed after reset, got %s", b.State())
	}
	if err := b.Execute(succeeding); err != nil {
		t.Fatalf("expected call to pass after reset, got %v", err)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(42):     "unknown",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(state), got, want)
		}
	}
}
