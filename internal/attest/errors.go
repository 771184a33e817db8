package attest

import (
	"errors"
	"fmt"
)

// ErrAttestationFailure is wrapped by every verification failure. It signals
// a trust problem and is kept apart from scan errors.
var ErrAttestationFailure = errors.New("attestation failure")

// Verification failures
var (
	ErrRevoked      = fmt.Errorf("%w: executor revoked", ErrAttestationFailure)
	ErrBadSignature = fmt.Errorf("%w: bad signature", ErrAttestationFailure)
	ErrHashMismatch = fmt.Errorf("%w: result hash mismatch", ErrAttestationFailure)
	ErrUnknownKey   = fmt.Errorf("%w: unknown or mismatched key", ErrAttestationFailure)
)

// Registration errors
var (
	// ErrExecutorMismatch is returned when an identity key does not hash to
	// the claimed executor id.
	ErrExecutorMismatch = errors.New("executor id does not match public key")

	// ErrKeyConflict is returned when a different key is already registered
	// for the same executor and version.
	ErrKeyConflict = errors.New("a different key is registered for this version")

	// ErrInvalidKey is returned for public keys of the wrong size.
	ErrInvalidKey = errors.New("invalid ed25519 public key")
)

// IsFailure reports whether err is a verification failure.
func IsFailure(err error) bool {
	return errors.Is(err, ErrAttestationFailure)
}
