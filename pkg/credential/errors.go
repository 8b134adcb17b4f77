package credential

import "errors"

var (
	// ErrInvalidPin indicates the PIN is not 4 to 6 ASCII digits.
	ErrInvalidPin = errors.New("credential: pin must be 4 to 6 digits")

	// ErrNoCredential indicates no PIN has been configured. Callers should
	// route the user to the setup flow.
	ErrNoCredential = errors.New("credential: no credential configured")

	// ErrAlreadySet indicates Enroll found a credential in force. Replacing
	// it requires verifying the current PIN first.
	ErrAlreadySet = errors.New("credential: credential already configured")

	// ErrCorruptRecord indicates the stored record could not be decoded.
	// It is distinct from ErrNoCredential so callers can force re-setup.
	ErrCorruptRecord = errors.New("credential: corrupt credential record")

	// ErrStorageUnavailable indicates the backing store failed.
	ErrStorageUnavailable = errors.New("credential: storage unavailable")

	// ErrInvalidConfig indicates the gate configuration is invalid.
	ErrInvalidConfig = errors.New("credential: invalid configuration")

	// ErrNilGate indicates a nil gate was used.
	ErrNilGate = errors.New("credential: gate is nil")

	// ErrNilStore indicates a gate was constructed without a store.
	ErrNilStore = errors.New("credential: store is nil")
)
