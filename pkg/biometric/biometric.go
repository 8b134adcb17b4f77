package biometric

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	// ErrUnavailable indicates no usable strong biometric is enrolled.
	ErrUnavailable = errors.New("biometric: unavailable")
	// ErrNoPINFallback indicates no PIN credential is set, so biometric
	// unlock may not be offered.
	ErrNoPINFallback = errors.New("biometric: no PIN credential set")
	// ErrInProgress indicates a prompt is already showing.
	ErrInProgress = errors.New("biometric: authentication already in progress")
	// ErrNilGate indicates a nil gate was used.
	ErrNilGate = errors.New("biometric: gate is nil")

	errSystemSensorUnavailable = errors.New("biometric: system sensor unavailable; configure a sensor")
)

// AvailabilityStatus classifies the platform biometric state.
type AvailabilityStatus int

const (
	// Unavailable indicates biometric unlock cannot be offered.
	Unavailable AvailabilityStatus = iota
	// Available indicates a strong biometric is enrolled and usable.
	Available
)

// Reason explains an Unavailable state.
type Reason string

const (
	ReasonNone                   Reason = ""
	ReasonNoHardware             Reason = "no_hardware"
	ReasonHardwareUnavailable    Reason = "hardware_unavailable"
	ReasonNotEnrolled            Reason = "not_enrolled"
	ReasonSecurityUpdateRequired Reason = "security_update_required"
	ReasonUnsupported            Reason = "unsupported"
)

// Availability is the result of a capability query.
type Availability struct {
	Status AvailabilityStatus
	Reason Reason
}

// IsAvailable reports whether Status is Available.
func (a Availability) IsAvailable() bool {
	return a.Status == Available
}

// Status is the result class of an authentication.
type Status int

const (
	// StatusSuccess indicates the biometric matched.
	StatusSuccess Status = iota
	// StatusUserError covers cancellation and system errors such as a
	// sensor lockout after repeated failures.
	StatusUserError
	// StatusSensorFail indicates the presented biometric did not match.
	StatusSensorFail
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusUserError:
		return "user_error"
	case StatusSensorFail:
		return "sensor_fail"
	default:
		return "unknown"
	}
}

// Outcome is the single result of an authentication.
type Outcome struct {
	Status Status
	// Message is set for StatusUserError.
	Message string
}

// Success returns a success outcome.
func Success() Outcome { return Outcome{Status: StatusSuccess} }

// UserError returns a user error outcome carrying msg.
func UserError(msg string) Outcome { return Outcome{Status: StatusUserError, Message: msg} }

// SensorFail returns a sensor failure outcome.
func SensorFail() Outcome { return Outcome{Status: StatusSensorFail} }

// Prompt carries the text shown by the platform dialog.
type Prompt struct {
	Title       string
	Subtitle    string
	CancelLabel string
}

// Sensor is the platform biometric subsystem.
type Sensor interface {
	// Availability queries enrollment. It has no side effects.
	Availability(ctx context.Context) Availability
	// Prompt shows the platform dialog and blocks until it resolves.
	Prompt(ctx context.Context, p Prompt) Outcome
}

// CredentialChecker reports whether a PIN credential is set.
// *credential.Gate satisfies it.
type CredentialChecker interface {
	IsSet(ctx context.Context) (bool, error)
}

var systemSensor Sensor

// SetSystemSensor installs the default sensor used when callers pass nil to
// NewGate.
func SetSystemSensor(s Sensor) {
	systemSensor = s
}

// HasSystemSensor reports whether a system sensor is installed.
func HasSystemSensor() bool {
	return systemSensor != nil
}

// Option customizes a Gate.
type Option func(*Gate)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// Gate guards biometric unlock behind an enrolled PIN.
type Gate struct {
	sensor Sensor
	creds  CredentialChecker
	logger *zap.Logger

	active atomic.Bool
}

// NewGate constructs a Gate. If sensor is nil the system sensor is used.
func NewGate(sensor Sensor, creds CredentialChecker, opts ...Option) (*Gate, error) {
	if creds == nil {
		return nil, errors.New("biometric: credential checker is nil")
	}
	if sensor == nil {
		if systemSensor == nil {
			return nil, errSystemSensorUnavailable
		}
		sensor = systemSensor
	}
	g := &Gate{sensor: sensor, creds: creds, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Availability queries the sensor.
func (g *Gate) Availability(ctx context.Context) Availability {
	if g == nil {
		return Availability{Status: Unavailable, Reason: ReasonUnsupported}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return g.sensor.Availability(ctx)
}

// Authenticate starts a prompt. Preconditions are checked synchronously:
// the sensor must be available and a PIN credential must be set. The
// returned channel delivers exactly one Outcome and is then closed.
// Cancelling ctx resolves the prompt as UserError("canceled"); further
// prompts return ErrInProgress until the sensor's own Prompt returns.
func (g *Gate) Authenticate(ctx context.Context, p Prompt) (<-chan Outcome, error) {
	if g == nil {
		return nil, ErrNilGate
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if avail := g.sensor.Availability(ctx); !avail.IsAvailable() {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, avail.Reason)
	}
	set, err := g.creds.IsSet(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoPINFallback, err)
	}
	if !set {
		return nil, ErrNoPINFallback
	}
	if !g.active.CompareAndSwap(false, true) {
		return nil, ErrInProgress
	}

	done := make(chan Outcome, 1)
	go func() {
		out := g.prompt(ctx, p)
		g.logger.Info("biometric resolved", zap.Stringer("status", out.Status))
		done <- out
		close(done)
	}()
	return done, nil
}

func (g *Gate) prompt(ctx context.Context, p Prompt) Outcome {
	// The sensor may ignore ctx; its result is dropped if we return first.
	// The gate stays active until the sensor itself returns.
	result := make(chan Outcome, 1)
	go func() {
		out := g.sensor.Prompt(ctx, p)
		g.active.Store(false)
		result <- out
	}()

	select {
	case out := <-result:
		return out
	case <-ctx.Done():
		return UserError("canceled")
	}
}
