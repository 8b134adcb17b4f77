package credential

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Keys of the persisted credential record.
const (
	KeyHash             = "pin_hash"
	KeySalt             = "pin_salt"
	KeyAttemptCount     = "attempt_count"
	KeyLockoutTimestamp = "lockout_timestamp"
)

const (
	// MinPinLength is the shortest accepted PIN.
	MinPinLength = 4
	// MaxPinLength is the longest accepted PIN.
	MaxPinLength = 6
	// SaltSize is the length in bytes of the per-credential salt.
	SaltSize = 16
)

// ValidatePin reports whether pin is 4 to 6 ASCII digits.
func ValidatePin(pin string) error {
	if len(pin) < MinPinLength || len(pin) > MaxPinLength {
		return ErrInvalidPin
	}
	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return ErrInvalidPin
		}
	}
	return nil
}

// hashPin computes SHA256(salt || pin).
func hashPin(salt []byte, pin string) []byte {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(pin))
	return h.Sum(nil)
}

// counters is the lockout half of the record. It is read before the secret
// half so a locked gate never touches the stored hash.
type counters struct {
	attempts uint
	deadline time.Time
}

func (c counters) locked(now time.Time) bool {
	return !c.deadline.IsZero() && now.Before(c.deadline)
}

func (c counters) encode() map[string][]byte {
	var millis int64
	if !c.deadline.IsZero() {
		millis = c.deadline.UnixMilli()
	}
	return map[string][]byte{
		KeyAttemptCount:     []byte(strconv.FormatUint(uint64(c.attempts), 10)),
		KeyLockoutTimestamp: []byte(strconv.FormatInt(millis, 10)),
	}
}

// decodeCounters parses stored counters. Missing keys decode as zero.
func decodeCounters(rawCount []byte, hasCount bool, rawDeadline []byte, hasDeadline bool) (counters, error) {
	var c counters
	if hasCount {
		n, err := strconv.ParseUint(string(rawCount), 10, 32)
		if err != nil {
			return counters{}, fmt.Errorf("%w: attempt_count: %v", ErrCorruptRecord, err)
		}
		c.attempts = uint(n)
	}
	if hasDeadline {
		millis, err := strconv.ParseInt(string(rawDeadline), 10, 64)
		if err != nil || millis < 0 {
			return counters{}, fmt.Errorf("%w: lockout_timestamp: %q", ErrCorruptRecord, rawDeadline)
		}
		if millis > 0 {
			c.deadline = time.UnixMilli(millis)
		}
	}
	return c, nil
}

// secret is the hash half of the record.
type secret struct {
	hash []byte
	salt []byte
}

func (s secret) encode() map[string][]byte {
	return map[string][]byte{
		KeyHash: []byte(base64.StdEncoding.EncodeToString(s.hash)),
		KeySalt: []byte(base64.StdEncoding.EncodeToString(s.salt)),
	}
}

// decodeSecret parses the stored hash and salt. Both absent means no
// credential; exactly one absent or either malformed means corruption.
func decodeSecret(rawHash []byte, hasHash bool, rawSalt []byte, hasSalt bool) (secret, error) {
	if !hasHash && !hasSalt {
		return secret{}, ErrNoCredential
	}
	if !hasHash || !hasSalt {
		return secret{}, fmt.Errorf("%w: incomplete record", ErrCorruptRecord)
	}
	hash, err := base64.StdEncoding.DecodeString(string(rawHash))
	if err != nil {
		return secret{}, fmt.Errorf("%w: pin_hash: %v", ErrCorruptRecord, err)
	}
	if len(hash) != sha256.Size {
		return secret{}, fmt.Errorf("%w: pin_hash has %d bytes", ErrCorruptRecord, len(hash))
	}
	salt, err := base64.StdEncoding.DecodeString(string(rawSalt))
	if err != nil {
		return secret{}, fmt.Errorf("%w: pin_salt: %v", ErrCorruptRecord, err)
	}
	if len(salt) != SaltSize {
		return secret{}, fmt.Errorf("%w: pin_salt has %d bytes", ErrCorruptRecord, len(salt))
	}
	return secret{hash: hash, salt: salt}, nil
}
