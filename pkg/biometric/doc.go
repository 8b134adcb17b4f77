// Package biometric adapts a platform biometric sensor into a single-shot
// alternative to PIN entry.
//
// A Gate never replaces the PIN: Authenticate refuses to start unless a
// PIN credential is already set, and every non-success outcome is meant to
// send the user back to PIN entry. Failures here never touch the PIN
// gate's attempt counter.
//
// # Example
//
//	bio, err := biometric.NewGate(sensor, pinGate)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	done, err := bio.Authenticate(ctx, biometric.Prompt{Title: "Unlock"})
//	if err != nil {
//	    // ErrUnavailable or ErrNoPINFallback: show the keypad
//	}
//	switch out := <-done; out.Status {
//	case biometric.StatusSuccess:
//	    // unlocked
//	default:
//	    // fall back to PIN entry; out.Message explains a UserError
//	}
//
// # Platform Sensors
//
// Sensor is implemented by the host application on top of the platform
// biometric API. SetSystemSensor installs a process-wide default used when
// NewGate is given a nil sensor. Unsupported reports no hardware and is
// suitable for platforms without a biometric API.
package biometric
