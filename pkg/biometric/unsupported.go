package biometric

import "context"

// Unsupported is a Sensor for platforms without biometric hardware.
type Unsupported struct{}

// Availability always reports ReasonUnsupported.
func (Unsupported) Availability(context.Context) Availability {
	return Availability{Status: Unavailable, Reason: ReasonUnsupported}
}

// Prompt always fails with a UserError.
func (Unsupported) Prompt(context.Context, Prompt) Outcome {
	return UserError("biometric authentication is not supported on this platform")
}
