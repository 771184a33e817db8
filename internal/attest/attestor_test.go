package attest_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scanrelay/internal/attest"
	"github.com/phrazzld/scanrelay/internal/domain"
	"github.com/phrazzld/scanrelay/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResult(url string) *domain.ScanResult {
	return &domain.ScanResult{
		JobID: uuid.New(),
		URL:   url,
		Violations: []domain.Violation{
			{RuleID: "image-alt", Impact: "serious", Description: "Images must have alternate text"},
		},
		Score:       87.5,
		DurationMs:  1240,
		CompletedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newRegisteredSigner(t *testing.T, a *attest.Attestor) *attest.Signer {
	t.Helper()
	s, err := attest.GenerateSigner()
	require.NoError(t, err)
	key := s.Key()
	require.NoError(t, a.RegisterExecutor(context.Background(), key.ExecutorID, key.PublicKey, key.KeyVersion))
	return s
}

func signAndRecord(t *testing.T, a *attest.Attestor, s *attest.Signer, r *domain.ScanResult) domain.Attestation {
	t.Helper()
	att, err := s.Sign(r)
	require.NoError(t, err)
	require.NoError(t, a.Record(context.Background(), att))
	return att
}

func TestAttestor_VerifyValid(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := attest.NewAttestor(attest.NewMemoryRegistry(), logger.Discard())
	s := newRegisteredSigner(t, a)

	result := sampleResult("https://example.com")
	att := signAndRecord(t, a, s, result)

	ok, err := a.Verify(ctx, result, att, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.Verify(ctx, result, att, s.PublicKey())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAttestor_VerifyUnregisteredIdentityKey(t *testing.T) {
	t.Parallel()
	a := attest.NewAttestor(attest.NewMemoryRegistry(), logger.Discard())
	s, err := attest.GenerateSigner()
	require.NoError(t, err)

	result := sampleResult("https://example.com")
	att, err := s.Sign(result)
	require.NoError(t, err)

	ok, err := a.Verify(context.Background(), result, att, s.PublicKey())
	require.NoError(t, err)
	assert.True(t, ok)

	other, err := attest.GenerateSigner()
	require.NoError(t, err)
	ok, err = a.Verify(context.Background(), result, att, other.PublicKey())
	assert.False(t, ok)
	assert.ErrorIs(t, err, attest.ErrUnknownKey)

	ok, err = a.Verify(context.Background(), result, att, nil)
	assert.False(t, ok)
	assert.ErrorIs(t, err, attest.ErrUnknownKey)
}

func TestAttestor_VerifyDetectsTampering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := attest.NewAttestor(attest.NewMemoryRegistry(), logger.Discard())
	s := newRegisteredSigner(t, a)

	result := sampleResult("https://example.com")
	att := signAndRecord(t, a, s, result)

	tests := []struct {
		name    string
		mutate  func(r *domain.ScanResult, a *domain.Attestation)
		wantErr error
	}{
		{
			name:    "score changed",
			mutate:  func(r *domain.ScanResult, _ *domain.Attestation) { r.Score = 100 },
			wantErr: attest.ErrHashMismatch,
		},
		{
			name: "violation removed",
			mutate: func(r *domain.ScanResult, _ *domain.Attestation) {
				r.Violations = nil
			},
			wantErr: attest.ErrHashMismatch,
		},
		{
			name:    "job id swapped",
			mutate:  func(_ *domain.ScanResult, a *domain.Attestation) { a.JobID = uuid.New() },
			wantErr: attest.ErrHashMismatch,
		},
		{
			name: "signed_at moved",
			mutate: func(_ *domain.ScanResult, a *domain.Attestation) {
				a.SignedAt = a.SignedAt.Add(time.Second)
			},
			wantErr: attest.ErrBadSignature,
		},
		{
			name:    "signature garbage",
			mutate:  func(_ *domain.ScanResult, a *domain.Attestation) { a.Signature = "not-base64!" },
			wantErr: attest.ErrBadSignature,
		},
		{
			name:    "unknown key version",
			mutate:  func(_ *domain.ScanResult, a *domain.Attestation) { a.KeyVersion = 7 },
			wantErr: attest.ErrUnknownKey,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := *result
			r.Violations = append([]domain.Violation(nil), result.Violations...)
			cp := att
			tt.mutate(&r, &cp)

			ok, err := a.Verify(ctx, &r, cp, nil)
			assert.False(t, ok)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, attest.IsFailure(err))
		})
	}
}

func TestAttestor_RevokeInvalidatesOnlyThatExecutor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := attest.NewAttestor(attest.NewMemoryRegistry(), logger.Discard())
	w := newRegisteredSigner(t, a)
	x := newRegisteredSigner(t, a)

	r1 := sampleResult("https://one.example.com")
	r2 := sampleResult("https://two.example.com")
	r3 := sampleResult("https://three.example.com")
	att1 := signAndRecord(t, a, w, r1)
	att2 := signAndRecord(t, a, w, r2)
	att3 := signAndRecord(t, a, x, r3)

	res, err := a.Revoke(ctx, w.ExecutorID(), "key leaked")
	require.NoError(t, err)
	assert.Equal(t, w.ExecutorID(), res.ExecutorID)
	assert.ElementsMatch(t, []uuid.UUID{r1.JobID, r2.JobID}, res.InvalidatedResultIDs)

	for _, pair := range []struct {
		r   *domain.ScanResult
		att domain.Attestation
	}{{r1, att1}, {r2, att2}} {
		ok, err := a.Verify(ctx, pair.r, pair.att, nil)
		assert.False(t, ok)
		assert.ErrorIs(t, err, attest.ErrRevoked)
	}

	ok, err := a.Verify(ctx, r3, att3, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	revoked, err := a.IsRevoked(ctx, w.ExecutorID())
	require.NoError(t, err)
	assert.True(t, revoked)
	revoked, err = a.IsRevoked(ctx, x.ExecutorID())
	require.NoError(t, err)
	assert.False(t, revoked)

	again, err := a.Revoke(ctx, w.ExecutorID(), "second call")
	require.NoError(t, err)
	assert.Equal(t, res.RevokedAt, again.RevokedAt)
	assert.ElementsMatch(t, res.InvalidatedResultIDs, again.InvalidatedResultIDs)

	err = a.RegisterExecutor(ctx, w.ExecutorID(), w.PublicKey(), 1)
	assert.ErrorIs(t, err, attest.ErrRevoked)
}

func TestAttestor_RevokeUnknownExecutor(t *testing.T) {
	t.Parallel()
	a := attest.NewAttestor(attest.NewMemoryRegistry(), logger.Discard())

	res, err := a.Revoke(context.Background(), "deadbeef", "precaution")
	require.NoError(t, err)
	assert.Empty(t, res.InvalidatedResultIDs)

	_, err = a.Revoke(context.Background(), "", "x")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestAttestor_RotationKeepsOldSignaturesValid(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := attest.NewAttestor(attest.NewMemoryRegistry(), logger.Discard())
	s := newRegisteredSigner(t, a)

	before := sampleResult("https://example.com/before")
	attBefore := signAndRecord(t, a, s, before)

	require.NoError(t, s.Rotate())
	assert.Equal(t, 2, s.KeyVersion())
	key := s.Key()
	require.NoError(t, a.RegisterExecutor(ctx, s.ExecutorID(), key.PublicKey, key.KeyVersion))

	after := sampleResult("https://example.com/after")
	attAfter := signAndRecord(t, a, s, after)
	assert.Equal(t, s.ExecutorID(), attAfter.ExecutorID)
	assert.Equal(t, 2, attAfter.KeyVersion)

	ok, err := a.Verify(ctx, before, attBefore, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = a.Verify(ctx, after, attAfter, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAttestor_RegisterSigner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := attest.NewAttestor(attest.NewMemoryRegistry(), logger.Discard())

	s, err := attest.GenerateSigner()
	require.NoError(t, err)
	require.NoError(t, s.Rotate())
	require.NoError(t, a.RegisterSigner(ctx, s))
	// a restart registers the same keys again
	require.NoError(t, a.RegisterSigner(ctx, s))

	r := sampleResult("https://example.com/rotated")
	att := signAndRecord(t, a, s, r)
	ok, err := a.Verify(ctx, r, att, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAttestor_RegisterExecutor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := attest.NewAttestor(attest.NewMemoryRegistry(), logger.Discard())

	s, err := attest.GenerateSigner()
	require.NoError(t, err)
	other, err := attest.GenerateSigner()
	require.NoError(t, err)

	assert.ErrorIs(t, a.RegisterExecutor(ctx, s.ExecutorID(), []byte("short"), 1), attest.ErrInvalidKey)
	assert.ErrorIs(t, a.RegisterExecutor(ctx, s.ExecutorID(), other.PublicKey(), 1), attest.ErrExecutorMismatch)
	assert.ErrorIs(t, a.RegisterExecutor(ctx, s.ExecutorID(), other.PublicKey(), 2), attest.ErrUnknownKey)
	assert.ErrorIs(t, a.RegisterExecutor(ctx, s.ExecutorID(), s.PublicKey(), 0), domain.ErrValidation)

	require.NoError(t, a.RegisterExecutor(ctx, s.ExecutorID(), s.PublicKey(), 1))
	require.NoError(t, a.RegisterExecutor(ctx, s.ExecutorID(), s.PublicKey(), 1))

	require.NoError(t, a.RegisterExecutor(ctx, s.ExecutorID(), other.PublicKey(), 2))
	assert.ErrorIs(t, a.RegisterExecutor(ctx, s.ExecutorID(), s.PublicKey(), 2), attest.ErrKeyConflict)
}
