package unlock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jeremyhahn/go-pingate/pkg/biometric"
	"github.com/jeremyhahn/go-pingate/pkg/credential"
	"github.com/jeremyhahn/go-pingate/pkg/secretstore"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeBiometric struct {
	outcome biometric.Outcome
	err     error
	calls   int
}

func (f *fakeBiometric) Authenticate(ctx context.Context, p biometric.Prompt) (<-chan biometric.Outcome, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan biometric.Outcome, 1)
	ch <- f.outcome
	close(ch)
	return ch, nil
}

// failingGate wraps a real gate and fails Verify and Set on demand.
type failingGate struct {
	*credential.Gate
	verifyErr error
	setErr    error
	sets      int
}

func (f *failingGate) Verify(ctx context.Context, pin string) (credential.Outcome, error) {
	if f.verifyErr != nil {
		return credential.Outcome{}, f.verifyErr
	}
	return f.Gate.Verify(ctx, pin)
}

func (f *failingGate) Set(ctx context.Context, pin string) error {
	f.sets++
	if f.setErr != nil {
		return f.setErr
	}
	return f.Gate.Set(ctx, pin)
}

func newGate(t *testing.T, pin string) (*credential.Gate, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	g, err := credential.NewGate(secretstore.NewMemory(), credential.Config{}, credential.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	if pin != "" {
		if err := g.Set(context.Background(), pin); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	return g, clock
}

func newController(t *testing.T, gate PINGate, cfg Config, opts ...Option) *Controller {
	t.Helper()
	c, err := NewController(gate, cfg, opts...)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return c
}

func enter(c *Controller, digits string) {
	for _, d := range digits {
		c.Press(d)
	}
}

func submit(t *testing.T, c *Controller, digits string) Event {
	t.Helper()
	enter(c, digits)
	return c.Submit(context.Background())
}

func TestNewControllerValidates(t *testing.T) {
	g, _ := newGate(t, "")
	if _, err := NewController(nil, Config{}); err == nil {
		t.Fatal("expected error for nil gate")
	}
	if _, err := NewController(g, Config{Mode: Mode(9)}); err == nil {
		t.Fatal("expected error for invalid mode")
	}
	if _, err := NewController(g, Config{Policy: LockoutPolicy(9)}); err == nil {
		t.Fatal("expected error for invalid policy")
	}
}

func TestParseLockoutPolicy(t *testing.T) {
	tests := map[string]LockoutPolicy{"": PolicyForceLogout, "force_logout": PolicyForceLogout, "cooldown": PolicyCooldown}
	for in, want := range tests {
		got, err := ParseLockoutPolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParseLockoutPolicy(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLockoutPolicy("panic"); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}

func TestDigitEntry(t *testing.T) {
	g, _ := newGate(t, "1234")
	c := newController(t, g, Config{})

	if c.Press('a') {
		t.Fatal("non-digit accepted")
	}
	enter(c, "1234567")
	if got := c.View().Entered; got != credential.MaxPinLength {
		t.Fatalf("entered = %d, want %d", got, credential.MaxPinLength)
	}
	c.Backspace()
	c.Backspace()
	if got := c.View().Entered; got != 4 {
		t.Fatalf("entered after backspace = %d", got)
	}
	for i := 0; i < 10; i++ {
		c.Backspace()
	}
	if got := c.View().Entered; got != 0 {
		t.Fatalf("entered after clearing = %d", got)
	}
}

func TestSubmitIncomplete(t *testing.T) {
	g, _ := newGate(t, "1234")
	c := newController(t, g, Config{})

	ev := submit(t, c, "123")
	if ev.Kind != EventIncomplete {
		t.Fatalf("event = %v, want incomplete", ev.Kind)
	}
	if c.View().Entered != 3 {
		t.Fatal("incomplete submit discarded the buffer")
	}
	if n, _ := g.RemainingAttempts(context.Background()); n != credential.DefaultMaxAttempts {
		t.Fatalf("incomplete submit consumed an attempt: %d left", n)
	}
}

func TestUnlockFlow(t *testing.T) {
	g, _ := newGate(t, "1234")
	c := newController(t, g, Config{})

	ev := submit(t, c, "0000")
	if ev.Kind != EventRejected || !ev.Shake || ev.AttemptsRemaining != 4 {
		t.Fatalf("wrong pin event = %+v", ev)
	}
	v := c.View()
	if !v.ErrorShown || v.AttemptsRemaining != 4 || v.Entered != 0 {
		t.Fatalf("view after rejection = %+v", v)
	}

	c.Press('1')
	if c.View().ErrorShown {
		t.Fatal("digit press did not clear the error")
	}
	enter(c, "234")
	if ev := c.Submit(context.Background()); ev.Kind != EventUnlocked {
		t.Fatalf("correct pin event = %+v", ev)
	}
	if c.View().AttemptsRemaining != credential.DefaultMaxAttempts {
		t.Fatalf("attempts not restored: %+v", c.View())
	}
}

func TestBackspaceClearsError(t *testing.T) {
	g, _ := newGate(t, "1234")
	c := newController(t, g, Config{})
	submit(t, c, "9999")
	c.Backspace()
	if c.View().ErrorShown {
		t.Fatal("backspace did not clear the error")
	}
}

func TestLockoutForcesLogoutByDefault(t *testing.T) {
	g, _ := newGate(t, "1234")
	c := newController(t, g, Config{})

	var ev Event
	for i := 0; i < credential.DefaultMaxAttempts; i++ {
		ev = submit(t, c, "0000")
	}
	if ev.Kind != EventForceLogout {
		t.Fatalf("fifth failure event = %+v, want force logout", ev)
	}
	if ev.Remaining != credential.DefaultLockoutDuration {
		t.Fatalf("remaining = %v", ev.Remaining)
	}
}

func TestLockoutCooldownPolicy(t *testing.T) {
	g, clock := newGate(t, "1234")
	c := newController(t, g, Config{Policy: PolicyCooldown})

	for i := 0; i < credential.DefaultMaxAttempts-1; i++ {
		submit(t, c, "0000")
	}
	ev := submit(t, c, "0000")
	if ev.Kind != EventLockedOut || ev.Remaining != 30*time.Second {
		t.Fatalf("fifth failure event = %+v", ev)
	}

	clock.Advance(10 * time.Second)
	ev = submit(t, c, "1234")
	if ev.Kind != EventLockedOut || ev.Remaining != 20*time.Second {
		t.Fatalf("locked submit = %+v", ev)
	}

	clock.Advance(20 * time.Second)
	if ev := submit(t, c, "1234"); ev.Kind != EventUnlocked {
		t.Fatalf("submit after cooldown = %+v", ev)
	}
}

func TestSetupRequired(t *testing.T) {
	g, _ := newGate(t, "")
	c := newController(t, g, Config{})

	ev := submit(t, c, "1234")
	if ev.Kind != EventSetupRequired || !errors.Is(ev.Err, credential.ErrNoCredential) {
		t.Fatalf("event = %+v", ev)
	}
}

func TestGateErrorSurfaces(t *testing.T) {
	g, _ := newGate(t, "1234")
	boom := errors.New("disk gone")
	fg := &failingGate{Gate: g, verifyErr: boom}
	c := newController(t, fg, Config{})

	ev := submit(t, c, "1234")
	if ev.Kind != EventError || !errors.Is(ev.Err, boom) {
		t.Fatalf("event = %+v", ev)
	}
	if !c.View().ErrorShown {
		t.Fatal("error not shown")
	}
}

func TestChangePINFlow(t *testing.T) {
	ctx := context.Background()
	g, _ := newGate(t, "1234")
	c := newController(t, g, Config{Mode: ModeChangePIN})

	ev := submit(t, c, "1234")
	if ev.Kind != EventNextPhase || ev.Phase != PhaseNew {
		t.Fatalf("old pin event = %+v", ev)
	}
	ev = submit(t, c, "567890")
	if ev.Kind != EventNextPhase || ev.Phase != PhaseConfirm {
		t.Fatalf("new pin event = %+v", ev)
	}
	ev = submit(t, c, "567890")
	if ev.Kind != EventPINChanged || ev.Phase != PhaseCurrent {
		t.Fatalf("confirm event = %+v", ev)
	}

	if out, _ := g.Verify(ctx, "567890"); out.Status != credential.StatusAccepted {
		t.Fatalf("new pin not in force: %+v", out)
	}
	if out, _ := g.Verify(ctx, "1234"); out.Status != credential.StatusRejected {
		t.Fatalf("old pin still accepted: %+v", out)
	}
}

func TestChangePINWrongOldPinKeepsCredential(t *testing.T) {
	ctx := context.Background()
	g, _ := newGate(t, "1234")
	fg := &failingGate{Gate: g}
	c := newController(t, fg, Config{Mode: ModeChangePIN})

	ev := submit(t, c, "4321")
	if ev.Kind != EventRejected || ev.Phase != PhaseCurrent {
		t.Fatalf("wrong old pin event = %+v", ev)
	}
	if fg.sets != 0 {
		t.Fatal("Set called after failed verification")
	}
	if out, _ := g.Verify(ctx, "1234"); out.Status != credential.StatusAccepted {
		t.Fatalf("old credential disturbed: %+v", out)
	}
}

func TestChangePINConfirmMismatch(t *testing.T) {
	g, _ := newGate(t, "1234")
	fg := &failingGate{Gate: g}
	c := newController(t, fg, Config{Mode: ModeChangePIN})

	submit(t, c, "1234")
	submit(t, c, "1111")
	ev := submit(t, c, "2222")
	if ev.Kind != EventConfirmMismatch || ev.Phase != PhaseNew || !ev.Shake {
		t.Fatalf("mismatch event = %+v", ev)
	}
	if fg.sets != 0 {
		t.Fatal("Set called on mismatch")
	}

	// Flow resumes at new-PIN entry.
	submit(t, c, "3333")
	if ev := submit(t, c, "3333"); ev.Kind != EventPINChanged {
		t.Fatalf("retry event = %+v", ev)
	}
}

func TestChangePINSetFailure(t *testing.T) {
	g, _ := newGate(t, "1234")
	boom := errors.New("readonly")
	fg := &failingGate{Gate: g, setErr: boom}
	c := newController(t, fg, Config{Mode: ModeChangePIN})

	submit(t, c, "1234")
	submit(t, c, "5555")
	ev := submit(t, c, "5555")
	if ev.Kind != EventError || !errors.Is(ev.Err, boom) || ev.Phase != PhaseNew {
		t.Fatalf("set failure event = %+v", ev)
	}
}

func TestChangePINLockout(t *testing.T) {
	g, _ := newGate(t, "1234")
	c := newController(t, g, Config{Mode: ModeChangePIN})

	var ev Event
	for i := 0; i < credential.DefaultMaxAttempts; i++ {
		ev = submit(t, c, "0000")
	}
	if ev.Kind != EventForceLogout {
		t.Fatalf("event = %+v, want force logout", ev)
	}
}

func TestSetupFlow(t *testing.T) {
	ctx := context.Background()
	g, _ := newGate(t, "")
	c := newController(t, g, Config{Mode: ModeSetup})

	if c.View().Phase != PhaseNew {
		t.Fatalf("setup starts at %v", c.View().Phase)
	}
	if ev := submit(t, c, "2468"); ev.Kind != EventNextPhase || ev.Phase != PhaseConfirm {
		t.Fatalf("enter event = %+v", ev)
	}
	if ev := submit(t, c, "2468"); ev.Kind != EventPINSet || ev.Phase != PhaseNew {
		t.Fatalf("confirm event = %+v", ev)
	}
	ok, err := g.IsSet(ctx)
	if err != nil || !ok {
		t.Fatalf("IsSet = %v, %v", ok, err)
	}
}

func TestSetupRefusesExistingCredential(t *testing.T) {
	ctx := context.Background()
	g, _ := newGate(t, "1234")
	c := newController(t, g, Config{Mode: ModeSetup})

	submit(t, c, "9999")
	ev := submit(t, c, "9999")
	if ev.Kind != EventError || !errors.Is(ev.Err, credential.ErrAlreadySet) {
		t.Fatalf("confirm event = %+v, want ErrAlreadySet", ev)
	}
	if ev.Phase != PhaseNew {
		t.Fatalf("phase = %v, want new", ev.Phase)
	}
	if out, err := g.Verify(ctx, "9999"); err != nil || out.Status != credential.StatusRejected {
		t.Fatalf("replacement pin: %s %v", out.Status, err)
	}
	if out, err := g.Verify(ctx, "1234"); err != nil || out.Status != credential.StatusAccepted {
		t.Fatalf("original pin: %s %v", out.Status, err)
	}
}

func TestInitialAttemptsFollowGateConfig(t *testing.T) {
	g, err := credential.NewGate(secretstore.NewMemory(), credential.Config{MaxAttempts: 3})
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	c := newController(t, g, Config{})
	if got := c.View().AttemptsRemaining; got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
}

func TestReset(t *testing.T) {
	g, _ := newGate(t, "")
	c := newController(t, g, Config{Mode: ModeSetup})
	submit(t, c, "2468")
	enter(c, "12")
	c.Reset()
	v := c.View()
	if v.Phase != PhaseNew || v.Entered != 0 {
		t.Fatalf("view after reset = %+v", v)
	}
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()
	g, _ := newGate(t, "1234")
	_, _ = g.Verify(ctx, "0000")
	_, _ = g.Verify(ctx, "0000")

	c := newController(t, g, Config{})
	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := c.View().AttemptsRemaining; got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
}

func TestAuthenticateBiometric(t *testing.T) {
	tests := []struct {
		name string
		bio  *fakeBiometric
		mode Mode
		want EventKind
	}{
		{name: "success", bio: &fakeBiometric{outcome: biometric.Success()}, want: EventUnlocked},
		{name: "user error", bio: &fakeBiometric{outcome: biometric.UserError("canceled")}, want: EventBiometricFallback},
		{name: "sensor fail", bio: &fakeBiometric{outcome: biometric.SensorFail()}, want: EventBiometricFallback},
		{name: "unavailable", bio: &fakeBiometric{err: biometric.ErrUnavailable}, want: EventBiometricUnavailable},
		{name: "no pin", bio: &fakeBiometric{err: biometric.ErrNoPINFallback}, want: EventBiometricUnavailable},
		{name: "other error", bio: &fakeBiometric{err: errors.New("boom")}, want: EventError},
		{name: "wrong mode", bio: &fakeBiometric{outcome: biometric.Success()}, mode: ModeChangePIN, want: EventBiometricUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := newGate(t, "1234")
			c := newController(t, g, Config{Mode: tt.mode}, WithBiometric(tt.bio))
			ev := c.AuthenticateBiometric(context.Background())
			if ev.Kind != tt.want {
				t.Fatalf("event = %+v, want %v", ev, tt.want)
			}
		})
	}
}

func TestBiometricFailureDoesNotConsumeAttempts(t *testing.T) {
	ctx := context.Background()
	g, _ := newGate(t, "1234")
	c := newController(t, g, Config{}, WithBiometric(&fakeBiometric{outcome: biometric.SensorFail()}))
	for i := 0; i < 10; i++ {
		c.AuthenticateBiometric(ctx)
	}
	if n, _ := g.RemainingAttempts(ctx); n != credential.DefaultMaxAttempts {
		t.Fatalf("biometric failures consumed attempts: %d left", n)
	}
}

func TestAuthenticateBiometricWithoutSensor(t *testing.T) {
	g, _ := newGate(t, "1234")
	c := newController(t, g, Config{})
	if ev := c.AuthenticateBiometric(context.Background()); ev.Kind != EventBiometricUnavailable {
		t.Fatalf("event = %+v", ev)
	}
}

func TestEventKindString(t *testing.T) {
	if EventForceLogout.String() != "force_logout" {
		t.Fatalf("got %q", EventForceLogout.String())
	}
	if EventKind(99).String() != "unknown" {
		t.Fatal("out of range kind not reported unknown")
	}
}
