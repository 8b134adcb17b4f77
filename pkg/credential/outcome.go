package credential

import "time"

// Status is the result class of a verification.
type Status int

const (
	// StatusRejected indicates the PIN did not match.
	StatusRejected Status = iota
	// StatusAccepted indicates the PIN matched.
	StatusAccepted
	// StatusLockedOut indicates verification is suspended until the
	// lockout deadline.
	StatusLockedOut
)

// String returns the lowercase name of the status.
func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	case StatusLockedOut:
		return "locked_out"
	default:
		return "unknown"
	}
}

// Outcome is the result of Gate.Verify.
type Outcome struct {
	Status Status
	// AttemptsRemaining is set for StatusRejected.
	AttemptsRemaining uint
	// Remaining is the time left on the lockout for StatusLockedOut.
	Remaining time.Duration
}

// RemainingSeconds returns Remaining rounded up to whole seconds.
func (o Outcome) RemainingSeconds() uint {
	return ceilSeconds(o.Remaining)
}

// LockoutState is the derived lockout state of the credential record.
type LockoutState struct {
	Locked    bool
	Remaining time.Duration
	Deadline  time.Time
}

// RemainingSeconds returns Remaining rounded up to whole seconds.
func (s LockoutState) RemainingSeconds() uint {
	return ceilSeconds(s.Remaining)
}

func ceilSeconds(d time.Duration) uint {
	if d <= 0 {
		return 0
	}
	return uint((d + time.Second - 1) / time.Second)
}

func accepted() Outcome {
	return Outcome{Status: StatusAccepted}
}

func rejected(remaining uint) Outcome {
	return Outcome{Status: StatusRejected, AttemptsRemaining: remaining}
}

func lockedOut(remaining time.Duration) Outcome {
	return Outcome{Status: StatusLockedOut, Remaining: remaining}
}
