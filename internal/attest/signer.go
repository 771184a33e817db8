package attest

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/phrazzld/scanrelay/internal/domain"
)

// ExecutorIDFor derives the executor id from its identity public key.
func ExecutorIDFor(identity ed25519.PublicKey) string {
	sum := sha256.Sum256(identity)
	return hex.EncodeToString(sum[:])[:32]
}

// Signer signs results on behalf of one execution unit.
type Signer struct {
	mu         sync.RWMutex
	executorID string
	identity   ed25519.PublicKey
	version    int
	key        ed25519.PrivateKey
	now        func() time.Time
}

// GenerateSigner creates a Signer with a fresh identity key at version 1.
func GenerateSigner() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate executor key: %w", err)
	}
	return newSigner(pub, priv, 1), nil
}

func newSigner(identity ed25519.PublicKey, key ed25519.PrivateKey, version int) *Signer {
	return &Signer{
		executorID: ExecutorIDFor(identity),
		identity:   identity,
		version:    version,
		key:        key,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ExecutorID returns the stable id of the execution unit.
func (s *Signer) ExecutorID() string {
	return s.executorID
}

// KeyVersion returns the version of the current key.
func (s *Signer) KeyVersion() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// PublicKey returns the current public key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key.Public().(ed25519.PublicKey)
}

// IdentityKey returns the version 1 public key the executor id derives from.
func (s *Signer) IdentityKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), s.identity...)
}

// Key returns the registration record of the current key.
func (s *Signer) Key() domain.ExecutorKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.ExecutorKey{
		ExecutorID: s.executorID,
		KeyVersion: s.version,
		PublicKey:  append([]byte(nil), s.key.Public().(ed25519.PublicKey)...),
	}
}

// Sign hashes the canonical form of result and signs it with the current key.
func (s *Signer) Sign(result *domain.ScanResult) (domain.Attestation, error) {
	hash, err := HashResult(result)
	if err != nil {
		return domain.Attestation{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	att := domain.Attestation{
		JobID:      result.JobID,
		ExecutorID: s.executorID,
		ResultHash: hash,
		SignedAt:   s.now().Truncate(time.Microsecond),
		KeyVersion: s.version,
	}
	payload, err := signingPayload(att)
	if err != nil {
		return domain.Attestation{}, fmt.Errorf("failed to build signing payload: %w", err)
	}
	att.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(s.key, payload))
	return att, nil
}

// Rotate replaces the signing key and bumps the key version. The executor id
// does not change.
func (s *Signer) Rotate() error {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate rotated key: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = priv
	s.version++
	return nil
}
