package unlock

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeremyhahn/go-pingate/pkg/biometric"
	"github.com/jeremyhahn/go-pingate/pkg/credential"
)

// Mode selects the flow a Controller drives.
type Mode int

const (
	// ModeUnlock verifies the PIN.
	ModeUnlock Mode = iota
	// ModeChangePIN verifies the old PIN, then takes and confirms a new one.
	ModeChangePIN
	// ModeSetup takes and confirms the first PIN. It refuses to replace a
	// credential already in force.
	ModeSetup
)

func (m Mode) String() string {
	switch m {
	case ModeUnlock:
		return "unlock"
	case ModeChangePIN:
		return "change_pin"
	case ModeSetup:
		return "setup"
	default:
		return "unknown"
	}
}

// Phase is the step of the current flow awaiting input.
type Phase int

const (
	// PhaseCurrent expects the PIN in force (unlock, or the old PIN).
	PhaseCurrent Phase = iota
	// PhaseNew expects a new PIN.
	PhaseNew
	// PhaseConfirm expects the new PIN again.
	PhaseConfirm
)

func (p Phase) String() string {
	switch p {
	case PhaseCurrent:
		return "current"
	case PhaseNew:
		return "new"
	case PhaseConfirm:
		return "confirm"
	default:
		return "unknown"
	}
}

// LockoutPolicy decides how a lockout is surfaced.
type LockoutPolicy int

const (
	// PolicyForceLogout escalates a lockout to session termination.
	PolicyForceLogout LockoutPolicy = iota
	// PolicyCooldown reports the remaining cooldown and lets the user retry.
	PolicyCooldown
)

// ParseLockoutPolicy maps "force_logout" or "cooldown" to a policy.
func ParseLockoutPolicy(s string) (LockoutPolicy, error) {
	switch s {
	case "", "force_logout":
		return PolicyForceLogout, nil
	case "cooldown":
		return PolicyCooldown, nil
	default:
		return PolicyForceLogout, fmt.Errorf("unlock: unknown lockout policy %q", s)
	}
}

func (p LockoutPolicy) String() string {
	if p == PolicyCooldown {
		return "cooldown"
	}
	return "force_logout"
}

// PINGate is the subset of *credential.Gate the controller uses.
type PINGate interface {
	Verify(ctx context.Context, pin string) (credential.Outcome, error)
	Set(ctx context.Context, pin string) error
	Enroll(ctx context.Context, pin string) error
	State(ctx context.Context) (credential.LockoutState, error)
	RemainingAttempts(ctx context.Context) (uint, error)
}

// Biometric is the subset of *biometric.Gate the controller uses.
type Biometric interface {
	Authenticate(ctx context.Context, p biometric.Prompt) (<-chan biometric.Outcome, error)
}

// Config configures a Controller.
type Config struct {
	Mode   Mode
	Policy LockoutPolicy
	// Prompt is shown by AuthenticateBiometric.
	Prompt biometric.Prompt
}

func (c Config) validate() error {
	if c.Mode < ModeUnlock || c.Mode > ModeSetup {
		return fmt.Errorf("unlock: invalid mode %d", c.Mode)
	}
	if c.Policy < PolicyForceLogout || c.Policy > PolicyCooldown {
		return fmt.Errorf("unlock: invalid lockout policy %d", c.Policy)
	}
	return nil
}

// Option customizes a Controller.
type Option func(*Controller)

// WithBiometric enables AuthenticateBiometric.
func WithBiometric(b Biometric) Option {
	return func(c *Controller) {
		c.bio = b
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// View is a snapshot of the controller for rendering.
type View struct {
	Mode              Mode
	Phase             Phase
	Entered           int
	ErrorShown        bool
	AttemptsRemaining uint
}

// Controller mediates keypad input and the credential gate.
// It is safe for concurrent use.
type Controller struct {
	cfg    Config
	gate   PINGate
	bio    Biometric
	logger *zap.Logger

	mu         sync.Mutex
	buf        [credential.MaxPinLength]byte
	n          int
	pending    [credential.MaxPinLength]byte
	pendingN   int
	phase      Phase
	errorShown bool
	remaining  uint
	max        uint
}

// NewController constructs a Controller over gate.
func NewController(gate PINGate, cfg Config, opts ...Option) (*Controller, error) {
	if gate == nil {
		return nil, errors.New("unlock: gate is nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:    cfg,
		gate:   gate,
		logger: zap.NewNop(),
		max:    credential.DefaultMaxAttempts,
	}
	if cg, ok := gate.(interface{ Config() credential.Config }); ok && cg.Config().MaxAttempts > 0 {
		c.max = cg.Config().MaxAttempts
	}
	c.remaining = c.max
	for _, opt := range opts {
		opt(c)
	}
	c.phase = c.firstPhase()
	return c, nil
}

func (c *Controller) firstPhase() Phase {
	if c.cfg.Mode == ModeSetup {
		return PhaseNew
	}
	return PhaseCurrent
}

// Refresh loads the remaining attempt count shown by View.
func (c *Controller) Refresh(ctx context.Context) error {
	n, err := c.gate.RemainingAttempts(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.remaining = n
	c.mu.Unlock()
	return nil
}

// Press appends a digit. It reports false when the rune is not 0-9 or the
// buffer is full. Any displayed error is cleared.
func (c *Controller) Press(d rune) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.errorShown = false
	if d < '0' || d > '9' || c.n >= len(c.buf) {
		return false
	}
	c.buf[c.n] = byte(d)
	c.n++
	return true
}

// Backspace removes the last digit and clears any displayed error.
func (c *Controller) Backspace() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.errorShown = false
	if c.n > 0 {
		c.n--
		c.buf[c.n] = 0
	}
}

// Reset discards input and returns the flow to its first phase.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

func (c *Controller) resetLocked() {
	c.clearBuffer()
	c.clearPending()
	c.phase = c.firstPhase()
	c.errorShown = false
}

// View returns a snapshot for rendering.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return View{
		Mode:              c.cfg.Mode,
		Phase:             c.phase,
		Entered:           c.n,
		ErrorShown:        c.errorShown,
		AttemptsRemaining: c.remaining,
	}
}

// Submit hands the entered digits to the current phase. The buffer is
// zeroed afterwards unless fewer than four digits were entered.
func (c *Controller) Submit(ctx context.Context) Event {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.n < credential.MinPinLength {
		return Event{Kind: EventIncomplete, Phase: c.phase}
	}
	pin := string(c.buf[:c.n])
	c.clearBuffer()

	var ev Event
	switch c.phase {
	case PhaseCurrent:
		ev = c.submitCurrent(ctx, pin)
	case PhaseNew:
		copy(c.pending[:], pin)
		c.pendingN = len(pin)
		c.phase = PhaseConfirm
		ev = Event{Kind: EventNextPhase}
	case PhaseConfirm:
		ev = c.submitConfirm(ctx, pin)
	}
	ev.Phase = c.phase
	c.errorShown = ev.Shake || ev.Kind == EventError || ev.Kind == EventConfirmMismatch

	c.logger.Debug("pin submitted",
		zap.Stringer("mode", c.cfg.Mode),
		zap.Stringer("event", ev.Kind),
	)
	return ev
}

func (c *Controller) submitCurrent(ctx context.Context, pin string) Event {
	out, err := c.gate.Verify(ctx, pin)
	if err != nil {
		return c.gateError(err)
	}

	switch out.Status {
	case credential.StatusAccepted:
		c.remaining = c.max
		if n, err := c.gate.RemainingAttempts(ctx); err == nil {
			c.remaining = n
		}
		if c.cfg.Mode == ModeChangePIN {
			c.phase = PhaseNew
			return Event{Kind: EventNextPhase}
		}
		return Event{Kind: EventUnlocked}
	case credential.StatusRejected:
		c.remaining = out.AttemptsRemaining
		return Event{Kind: EventRejected, Shake: true, AttemptsRemaining: out.AttemptsRemaining}
	default:
		c.remaining = 0
		return c.lockout(out.Remaining)
	}
}

func (c *Controller) submitConfirm(ctx context.Context, pin string) Event {
	match := len(pin) == c.pendingN &&
		subtle.ConstantTimeCompare([]byte(pin), c.pending[:c.pendingN]) == 1
	if !match {
		c.clearPending()
		c.phase = PhaseNew
		return Event{Kind: EventConfirmMismatch, Shake: true}
	}

	var err error
	if c.cfg.Mode == ModeSetup {
		err = c.gate.Enroll(ctx, pin)
	} else {
		err = c.gate.Set(ctx, pin)
	}
	c.clearPending()
	if err != nil {
		c.phase = PhaseNew
		return c.gateError(err)
	}

	kind := EventPINSet
	if c.cfg.Mode == ModeChangePIN {
		kind = EventPINChanged
	}
	c.phase = c.firstPhase()
	return Event{Kind: kind}
}

func (c *Controller) lockout(remaining time.Duration) Event {
	if c.cfg.Policy == PolicyCooldown {
		return Event{Kind: EventLockedOut, Remaining: remaining}
	}
	c.logger.Warn("lockout escalated to logout")
	c.resetLocked()
	return Event{Kind: EventForceLogout, Remaining: remaining}
}

func (c *Controller) gateError(err error) Event {
	if errors.Is(err, credential.ErrNoCredential) || errors.Is(err, credential.ErrCorruptRecord) {
		return Event{Kind: EventSetupRequired, Err: err}
	}
	c.logger.Error("credential gate failed", zap.Error(err))
	return Event{Kind: EventError, Err: err}
}

// AuthenticateBiometric runs the biometric prompt in unlock mode and waits
// for its outcome. Any non-success falls back to PIN entry.
func (c *Controller) AuthenticateBiometric(ctx context.Context) Event {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.bio == nil || c.cfg.Mode != ModeUnlock {
		return Event{Kind: EventBiometricUnavailable}
	}

	done, err := c.bio.Authenticate(ctx, c.cfg.Prompt)
	if err != nil {
		if errors.Is(err, biometric.ErrUnavailable) || errors.Is(err, biometric.ErrNoPINFallback) ||
			errors.Is(err, biometric.ErrInProgress) {
			return Event{Kind: EventBiometricUnavailable, Err: err}
		}
		return Event{Kind: EventError, Err: err}
	}

	out, ok := <-done
	if !ok {
		out = biometric.UserError("canceled")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if out.Status == biometric.StatusSuccess {
		c.clearBuffer()
		c.errorShown = false
		return Event{Kind: EventUnlocked, Phase: c.phase}
	}
	return Event{Kind: EventBiometricFallback, Message: out.Message, Phase: c.phase}
}

func (c *Controller) clearBuffer() {
	for i := range c.buf {
		c.buf[i] = 0
	}
	c.n = 0
}

func (c *Controller) clearPending() {
	for i := range c.pending {
		c.pending[i] = 0
	}
	c.pendingN = 0
}
