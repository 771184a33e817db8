package attest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

// scrypt cost parameters for the key-encryption key
const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	keystoreVers = 1
)

// ErrWrongPassphrase is returned when a sealed key cannot be opened.
var ErrWrongPassphrase = errors.New("keystore: wrong passphrase or corrupted file")

// keyFile is the on-disk form of a sealed signer.
type keyFile struct {
	Version    int    `json:"version"`
	ExecutorID string `json:"executor_id"`
	KeyVersion int    `json:"key_version"`
	Identity   []byte `json:"identity_public_key"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Sealed     []byte `json:"sealed_private_key"`
}

func deriveKey(passphrase string, salt []byte) (*[32]byte, error) {
	raw, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, err
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}

// SaveSigner seals the signer's current private key with a key derived from
// passphrase and writes it to path with owner-only permissions.
func SaveSigner(path, passphrase string, s *Signer) error {
	s.mu.RLock()
	seed := s.key.Seed()
	kf := keyFile{
		Version:    keystoreVers,
		ExecutorID: s.executorID,
		KeyVersion: s.version,
		Identity:   append([]byte(nil), s.identity...),
	}
	s.mu.RUnlock()

	kf.Salt = make([]byte, 16)
	if _, err := rand.Read(kf.Salt); err != nil {
		return fmt.Errorf("keystore: failed to generate salt: %w", err)
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("keystore: failed to generate nonce: %w", err)
	}
	kf.Nonce = nonce[:]

	key, err := deriveKey(passphrase, kf.Salt)
	if err != nil {
		return fmt.Errorf("keystore: failed to derive key: %w", err)
	}
	kf.Sealed = secretbox.Seal(nil, seed, &nonce, key)

	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("keystore: failed to encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("keystore: failed to create directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("keystore: failed to write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("keystore: failed to replace key file: %w", err)
	}
	return nil
}

// LoadSigner opens a key file written by SaveSigner.
func LoadSigner(path, passphrase string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keystore: failed to read: %w", err)
	}

	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("keystore: failed to decode: %w", err)
	}
	if kf.Version != keystoreVers {
		return nil, fmt.Errorf("keystore: unsupported version %d", kf.Version)
	}
	if len(kf.Nonce) != 24 || len(kf.Identity) != ed25519.PublicKeySize {
		return nil, ErrWrongPassphrase
	}

	key, err := deriveKey(passphrase, kf.Salt)
	if err != nil {
		return nil, fmt.Errorf("keystore: failed to derive key: %w", err)
	}
	var nonce [24]byte
	copy(nonce[:], kf.Nonce)
	seed, ok := secretbox.Open(nil, kf.Sealed, &nonce, key)
	if !ok || len(seed) != ed25519.SeedSize {
		return nil, ErrWrongPassphrase
	}

	identity := ed25519.PublicKey(kf.Identity)
	if ExecutorIDFor(identity) != kf.ExecutorID {
		return nil, fmt.Errorf("keystore: %w", ErrExecutorMismatch)
	}
	return newSigner(identity, ed25519.NewKeyFromSeed(seed), kf.KeyVersion), nil
}

// LoadOrCreateSigner loads the signer at path, or generates and saves a new
// one when the file does not exist. created reports which happened.
func LoadOrCreateSigner(path, passphrase string) (s *Signer, created bool, err error) {
	s, err = LoadSigner(path, passphrase)
	if err == nil {
		return s, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}

	s, err = GenerateSigner()
	if err != nil {
		return nil, false, err
	}
	if err := SaveSigner(path, passphrase, s); err != nil {
		return nil, false, err
	}
	return s, true, nil
}
