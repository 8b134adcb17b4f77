// Package credential implements a device-local PIN gate.
//
// A Gate stores a single PIN credential in irreversible form, verifies
// entered PINs against it in constant time and enforces a failure lockout
// with a timed cooldown. Persistence is delegated to a Store supplied by the
// host application; the gate never writes the raw PIN anywhere.
//
// # Basic Usage
//
//	gate, err := credential.NewGate(secretstore.NewMemory(), credential.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := gate.Set(ctx, "1234"); err != nil {
//	    log.Fatal(err)
//	}
//
//	outcome, err := gate.Verify(ctx, "1234")
//	switch {
//	case err != nil:
//	    // ErrNoCredential or ErrCorruptRecord: route the user to setup.
//	case outcome.Status == credential.StatusAccepted:
//	    // unlocked
//	case outcome.Status == credential.StatusRejected:
//	    fmt.Printf("%d attempts left\n", outcome.AttemptsRemaining)
//	case outcome.Status == credential.StatusLockedOut:
//	    fmt.Printf("try again in %ds\n", outcome.RemainingSeconds())
//	}
//
// # Lockout
//
// After Config.MaxAttempts consecutive failures (default 5) the gate locks
// for Config.LockoutDuration (default 30 seconds). While locked, Verify
// returns StatusLockedOut without consuming an attempt or reading the stored
// hash. Lockout state is derived from the stored attempt counter and
// deadline; the first query after the deadline clears both.
//
// # Storage
//
// The Store contract is a small key-value interface. Stores that also
// implement BatchWriter get atomic record replacement; stores that implement
// Locker extend the gate's critical section across processes.
//
// # Thread Safety
//
// Gate is safe for concurrent use. Read-modify-write cycles on the attempt
// counter are serialized.
package credential
