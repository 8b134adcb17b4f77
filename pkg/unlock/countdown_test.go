package unlock

import (
	"context"
	"testing"
	"time"

	"github.com/jeremyhahn/go-pingate/pkg/credential"
)

// scriptedGate returns a fixed sequence of lockout states.
type scriptedGate struct {
	PINGate
	states chan credential.LockoutState
}

func (s *scriptedGate) State(ctx context.Context) (credential.LockoutState, error) {
	select {
	case st := <-s.states:
		return st, nil
	default:
		return credential.LockoutState{}, nil
	}
}

func (s *scriptedGate) RemainingAttempts(ctx context.Context) (uint, error) {
	return credential.DefaultMaxAttempts, nil
}

func collect(t *testing.T, ch <-chan time.Duration) []time.Duration {
	t.Helper()
	var got []time.Duration
	timeout := time.After(2 * time.Second)
	for {
		select {
		case d, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, d)
		case <-timeout:
			t.Fatal("countdown did not close")
		}
	}
}

func TestCountdownTicksUntilUnlocked(t *testing.T) {
	states := make(chan credential.LockoutState, 3)
	states <- credential.LockoutState{Locked: true, Remaining: 3 * time.Second}
	states <- credential.LockoutState{Locked: true, Remaining: 2 * time.Second}
	states <- credential.LockoutState{Locked: true, Remaining: time.Second}
	gate := &scriptedGate{states: states}

	c := newController(t, gate, Config{Policy: PolicyCooldown})
	got := collect(t, c.Countdown(context.Background(), time.Millisecond))

	want := []time.Duration{3 * time.Second, 2 * time.Second, time.Second}
	if len(got) != len(want) {
		t.Fatalf("ticks = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ticks = %v, want %v", got, want)
		}
	}
}

func TestCountdownClosesImmediatelyWhenUnlocked(t *testing.T) {
	g, _ := newGate(t, "1234")
	c := newController(t, g, Config{Policy: PolicyCooldown})
	if got := collect(t, c.Countdown(context.Background(), time.Millisecond)); len(got) != 0 {
		t.Fatalf("ticks = %v, want none", got)
	}
}

func TestCountdownFollowsRealGate(t *testing.T) {
	ctx := context.Background()
	g, clock := newGate(t, "1234")
	for i := 0; i < credential.DefaultMaxAttempts; i++ {
		_, _ = g.Verify(ctx, "0000")
	}

	c := newController(t, g, Config{Policy: PolicyCooldown})
	ch := c.Countdown(ctx, time.Millisecond)

	first := <-ch
	if first != 30*time.Second {
		t.Fatalf("first tick = %v", first)
	}
	clock.Advance(31 * time.Second)
	for range ch {
	}
	if c.View().AttemptsRemaining != credential.DefaultMaxAttempts {
		t.Fatalf("attempts not refreshed after unlock: %+v", c.View())
	}
}

func TestCountdownCancel(t *testing.T) {
	states := make(chan credential.LockoutState, 100)
	for i := 0; i < 100; i++ {
		states <- credential.LockoutState{Locked: true, Remaining: time.Minute}
	}
	c := newController(t, &scriptedGate{states: states}, Config{Policy: PolicyCooldown})

	ctx, cancel := context.WithCancel(context.Background())
	ch := c.Countdown(ctx, time.Hour)
	<-ch
	cancel()
	collect(t, ch)
}
