package mocks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scanrelay/internal/domain"
	"github.com/phrazzld/scanrelay/internal/pipeline"
	"github.com/stretchr/testify/mock"
)

// TestifyMockResultStore is a mock of pipeline.ResultStore for use with testify/mock
type TestifyMockResultStore struct {
	mock.Mock
}

// Save is a mock implementation of pipeline.ResultStore.Save
func (m *TestifyMockResultStore) Save(ctx context.Context, result *domain.ScanResult, att domain.Attestation) error {
	args := m.Called(ctx, result, att)
	return args.Error(0)
}

// Get is a mock implementation of pipeline.ResultStore.Get
func (m *TestifyMockResultStore) Get(ctx context.Context, jobID uuid.UUID) (*pipeline.StoredResult, error) {
	args := m.Called(ctx, jobID)
	if sr, ok := args.Get(0).(*pipeline.StoredResult); ok {
		return sr, args.Error(1)
	}
	return nil, args.Error(1)
}

// LastCompletedAt is a mock implementation of pipeline.ResultStore.LastCompletedAt
func (m *TestifyMockResultStore) LastCompletedAt(ctx context.Context, url string) (time.Time, bool, error) {
	args := m.Called(ctx, url)
	return args.Get(0).(time.Time), args.Bool(1), args.Error(2)
}

// Stats is a mock implementation of pipeline.ResultStore.Stats
func (m *TestifyMockResultStore) Stats(ctx context.Context, since time.Time) (pipeline.ResultStats, error) {
	args := m.Called(ctx, since)
	return args.Get(0).(pipeline.ResultStats), args.Error(1)
}

// Ensure TestifyMockResultStore implements pipeline.ResultStore
var _ pipeline.ResultStore = (*TestifyMockResultStore)(nil)
