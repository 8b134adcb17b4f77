// Package unlock drives a PIN keypad on top of a credential gate.
//
// A Controller owns the digit buffer and the multi-step flows (unlock,
// change PIN, first-time setup). It holds no security state of its own:
// every decision comes from the credential gate, and every user action
// returns an Event describing what the UI should show next.
//
// # Lockout Policy
//
// When the gate reports a lockout the controller applies its LockoutPolicy.
// PolicyForceLogout (the default) escalates to EventForceLogout and the host
// is expected to end the session. PolicyCooldown reports EventLockedOut with
// the remaining time; Countdown then ticks until the gate unlocks again.
//
// # Example
//
//	ctrl, err := unlock.NewController(gate, unlock.Config{Mode: unlock.ModeUnlock})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, d := range "1234" {
//	    ctrl.Press(d)
//	}
//	switch ev := ctrl.Submit(ctx); ev.Kind {
//	case unlock.EventUnlocked:
//	    // proceed
//	case unlock.EventRejected:
//	    // shake, show ev.AttemptsRemaining
//	case unlock.EventForceLogout:
//	    // terminate the session
//	}
package unlock
