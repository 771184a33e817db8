// Package attest signs scan results per execution unit and verifies them.
//
// Each executor holds an ed25519 key. Its ExecutorID is derived from the
// first (identity) public key and survives key rotation, so every signature
// it ever produced stays verifiable against the registered key history.
// Revoking an executor invalidates all of its attestations at once and
// returns exactly the result ids it signed.
package attest
