package attest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/phrazzld/scanrelay/internal/domain"
)

// Canonicalize encodes v as JSON with object keys sorted at every depth and
// no insignificant whitespace. Numbers keep their textual form.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}

	// Maps are encoded with sorted keys.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// HashResult returns the hex sha256 of the canonical form of result.
func HashResult(result *domain.ScanResult) (string, error) {
	canonical, err := Canonicalize(result)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize result: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// signedFields is what the signature covers.
type signedFields struct {
	JobID      string `json:"job_id"`
	ExecutorID string `json:"executor_id"`
	ResultHash string `json:"result_hash"`
	SignedAt   string `json:"signed_at"`
	KeyVersion int    `json:"key_version"`
}

func signingPayload(att domain.Attestation) ([]byte, error) {
	return Canonicalize(signedFields{
		JobID:      att.JobID.String(),
		ExecutorID: att.ExecutorID,
		ResultHash: att.ResultHash,
		SignedAt:   att.SignedAt.UTC().Format("2006-01-02T15:04:05.000000Z07:00"),
		KeyVersion: att.KeyVersion,
	})
}
