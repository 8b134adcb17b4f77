// Package secretstore provides Store implementations for the credential gate.
//
// Memory keeps the record in process memory and is intended for tests and
// ephemeral sessions. File keeps the record on disk sealed with
// XChaCha20-Poly1305 under a key supplied by a keysource.KeySource; any
// modification of the file is detected and reported as
// credential.ErrCorruptRecord.
//
// Database and Redis backed stores live in the sqlstore and redisstore
// subpackages.
//
// # Example
//
//	key, err := keysource.NewPassphrase(keysource.PassphraseConfig{
//	    Passphrase: os.Getenv("APP_PASSPHRASE"),
//	    SaltPath:   "/var/lib/app/pin.salt",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	store, err := secretstore.NewFile(secretstore.FileConfig{Path: "/var/lib/app/pin.sealed"}, key)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	gate, err := credential.NewGate(store, credential.Config{})
package secretstore
