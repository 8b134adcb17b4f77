package unlock

import "time"

// EventKind classifies the result of a controller action.
type EventKind int

const (
	// EventNone indicates nothing changed.
	EventNone EventKind = iota
	// EventIncomplete indicates fewer than four digits were entered.
	EventIncomplete
	// EventUnlocked indicates the PIN or biometric was accepted.
	EventUnlocked
	// EventRejected indicates a wrong PIN; AttemptsRemaining is set.
	EventRejected
	// EventLockedOut indicates a cooldown under PolicyCooldown; Remaining is set.
	EventLockedOut
	// EventForceLogout indicates the session must be terminated.
	EventForceLogout
	// EventSetupRequired indicates there is no usable credential.
	EventSetupRequired
	// EventError indicates a storage or configuration failure; Err is set.
	EventError
	// EventNextPhase indicates the flow advanced and expects another PIN.
	EventNextPhase
	// EventConfirmMismatch indicates the confirmation differed from the new PIN.
	EventConfirmMismatch
	// EventPINChanged indicates a successful change-PIN flow.
	EventPINChanged
	// EventPINSet indicates a successful setup flow.
	EventPINSet
	// EventBiometricFallback indicates the biometric prompt did not unlock
	// and the keypad should be shown.
	EventBiometricFallback
	// EventBiometricUnavailable indicates biometric unlock cannot be offered.
	EventBiometricUnavailable
)

var eventNames = [...]string{
	EventNone:                 "none",
	EventIncomplete:           "incomplete",
	EventUnlocked:             "unlocked",
	EventRejected:             "rejected",
	EventLockedOut:            "locked_out",
	EventForceLogout:          "force_logout",
	EventSetupRequired:        "setup_required",
	EventError:                "error",
	EventNextPhase:            "next_phase",
	EventConfirmMismatch:      "confirm_mismatch",
	EventPINChanged:           "pin_changed",
	EventPINSet:               "pin_set",
	EventBiometricFallback:    "biometric_fallback",
	EventBiometricUnavailable: "biometric_unavailable",
}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventNames) {
		return "unknown"
	}
	return eventNames[k]
}

// Event tells the UI how to react to an action.
type Event struct {
	Kind EventKind
	// Shake requests the error shake animation.
	Shake bool
	// AttemptsRemaining is set for EventRejected.
	AttemptsRemaining uint
	// Remaining is set for EventLockedOut and EventForceLogout.
	Remaining time.Duration
	// Phase is the phase now awaiting input.
	Phase Phase
	// Message carries the biometric user error text.
	Message string
	// Err is set for EventError and EventSetupRequired.
	Err error
}
