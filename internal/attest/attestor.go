package attest

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scanrelay/internal/domain"
	"github.com/phrazzld/scanrelay/internal/store"
)

// RevokeResult lists the results invalidated by a revocation.
type RevokeResult struct {
	ExecutorID           string      `json:"executor_id"`
	RevokedAt            time.Time   `json:"revoked_at"`
	InvalidatedResultIDs []uuid.UUID `json:"invalidated_result_ids"`
}

// Attestor is the registry service for executor keys and attestations.
type Attestor struct {
	registry Registry
	logger   *slog.Logger
	now      func() time.Time
}

// NewAttestor creates an Attestor backed by registry.
func NewAttestor(registry Registry, logger *slog.Logger) *Attestor {
	return &Attestor{
		registry: registry,
		logger:   logger.With("component", "attestor"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RegisterExecutor records publicKey as version keyVersion of executorID.
// The version 1 key is the identity key and must hash to executorID; later
// versions require the identity to be registered first.
func (a *Attestor) RegisterExecutor(ctx context.Context, executorID string, publicKey []byte, keyVersion int) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return ErrInvalidKey
	}
	if keyVersion < 1 {
		return fmt.Errorf("%w: key version must be positive", domain.ErrValidation)
	}

	revoked, err := a.IsRevoked(ctx, executorID)
	if err != nil {
		return err
	}
	if revoked {
		return ErrRevoked
	}

	if keyVersion == 1 {
		if ExecutorIDFor(publicKey) != executorID {
			return ErrExecutorMismatch
		}
	} else if _, err := a.registry.Key(ctx, executorID, 1); err != nil {
		if errors.Is(err, store.ErrExecutorNotFound) {
			return ErrUnknownKey
		}
		return err
	}

	err = a.registry.RegisterKey(ctx, domain.ExecutorKey{
		ExecutorID:   executorID,
		KeyVersion:   keyVersion,
		PublicKey:    publicKey,
		RegisteredAt: a.now(),
	})
	if err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "executor key registered",
		"executor_id", executorID,
		"key_version", keyVersion)
	return nil
}

// RegisterSigner registers the identity key of s and, after a rotation, its
// current key. Registering the same keys again is a no-op.
func (a *Attestor) RegisterSigner(ctx context.Context, s *Signer) error {
	if err := a.RegisterExecutor(ctx, s.ExecutorID(), s.IdentityKey(), 1); err != nil {
		return err
	}
	if key := s.Key(); key.KeyVersion > 1 {
		return a.RegisterExecutor(ctx, key.ExecutorID, key.PublicKey, key.KeyVersion)
	}
	return nil
}

// Record indexes an attestation under its executor so that a later
// revocation can enumerate the results it signed.
func (a *Attestor) Record(ctx context.Context, att domain.Attestation) error {
	if err := a.registry.RecordAttestation(ctx, att); err != nil {
		return fmt.Errorf("failed to record attestation: %w", err)
	}
	return nil
}

// Verify checks att against result. publicKey may be nil when the key is
// registered. A false result is always paired with an error; verification
// failures wrap ErrAttestationFailure, anything else is a lookup problem.
func (a *Attestor) Verify(
	ctx context.Context,
	result *domain.ScanResult,
	att domain.Attestation,
	publicKey []byte,
) (bool, error) {
	revoked, err := a.IsRevoked(ctx, att.ExecutorID)
	if err != nil {
		return false, err
	}
	if revoked {
		return false, ErrRevoked
	}

	key, err := a.resolveKey(ctx, att, publicKey)
	if err != nil {
		return false, err
	}

	hash, err := HashResult(result)
	if err != nil {
		return false, err
	}
	if result.JobID != att.JobID || hash != att.ResultHash {
		return false, ErrHashMismatch
	}

	sig, err := base64.StdEncoding.DecodeString(att.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false, ErrBadSignature
	}
	payload, err := signingPayload(att)
	if err != nil {
		return false, err
	}
	if !ed25519.Verify(key, payload, sig) {
		return false, ErrBadSignature
	}
	return true, nil
}

// resolveKey picks the key to verify with: the registered one when present
// (publicKey must then match it), otherwise publicKey if it is the
// executor's identity key.
func (a *Attestor) resolveKey(ctx context.Context, att domain.Attestation, publicKey []byte) (ed25519.PublicKey, error) {
	registered, err := a.registry.Key(ctx, att.ExecutorID, att.KeyVersion)
	switch {
	case err == nil:
		if publicKey != nil && !bytes.Equal(publicKey, registered.PublicKey) {
			return nil, ErrUnknownKey
		}
		return registered.PublicKey, nil
	case !errors.Is(err, store.ErrExecutorNotFound):
		return nil, err
	}

	if len(publicKey) != ed25519.PublicKeySize {
		return nil, ErrUnknownKey
	}
	if att.KeyVersion != 1 || ExecutorIDFor(publicKey) != att.ExecutorID {
		return nil, ErrUnknownKey
	}
	return publicKey, nil
}

// Revoke marks executorID as untrusted and returns every result it signed.
// Revoking twice keeps the original record and returns the same ids.
func (a *Attestor) Revoke(ctx context.Context, executorID, reason string) (RevokeResult, error) {
	if executorID == "" {
		return RevokeResult{}, fmt.Errorf("%w: executor id is required", domain.ErrValidation)
	}

	rec, err := a.registry.Revoke(ctx, domain.RevocationRecord{
		ExecutorID: executorID,
		RevokedAt:  a.now(),
		Reason:     reason,
	})
	if err != nil {
		return RevokeResult{}, fmt.Errorf("failed to revoke executor: %w", err)
	}

	ids, err := a.registry.ResultIDs(ctx, executorID)
	if err != nil {
		return RevokeResult{}, fmt.Errorf("failed to list signed results: %w", err)
	}

	a.logger.WarnContext(ctx, "executor revoked",
		"executor_id", executorID,
		"reason", rec.Reason,
		"invalidated_results", len(ids))
	return RevokeResult{
		ExecutorID:           executorID,
		RevokedAt:            rec.RevokedAt,
		InvalidatedResultIDs: ids,
	}, nil
}

// IsRevoked reports whether executorID has been revoked.
func (a *Attestor) IsRevoked(ctx context.Context, executorID string) (bool, error) {
	rec, err := a.registry.Revocation(ctx, executorID)
	if err != nil {
		return false, fmt.Errorf("failed to look up revocation: %w", err)
	}
	return rec != nil, nil
}
