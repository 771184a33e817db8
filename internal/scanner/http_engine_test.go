package scanner_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/phrazzld/scanrelay/internal/domain"
	"github.com/phrazzld/scanrelay/internal/platform/logger"
	"github.com/phrazzld/scanrelay/internal/reqctx"
	"github.com/phrazzld/scanrelay/internal/scanner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPEngine_Scan(t *testing.T) {
	t.Parallel()

	type captured struct {
		body      map[string]any
		requestID string
	}
	seen := make(chan captured, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/scan", r.URL.Path)
		var c captured
		c.requestID = r.Header.Get(reqctx.HeaderRequestID)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&c.body))
		seen <- c
		_ = json.NewEncoder(w).Encode(scanner.Report{
			Violations: []domain.Violation{{RuleID: "color-contrast", Impact: "serious"}},
			Score:      92,
		})
	}))
	defer srv.Close()

	engine := scanner.NewHTTPEngine(srv.URL+"/", time.Second, logger.Discard())
	ctx := reqctx.WithContext(context.Background(), reqctx.New("req-scan"))

	report, err := engine.Scan(ctx, "https://example.com", scanner.Options{Standard: "wcag2aa", Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", report.URL)
	assert.Len(t, report.Violations, 1)
	assert.InDelta(t, 92.0, report.Score, 0.001)

	c := <-seen
	assert.Equal(t, "req-scan", c.requestID)
	assert.Equal(t, "wcag2aa", c.body["standard"])
	assert.InDelta(t, 5000.0, c.body["timeout_ms"], 0.001)
}

func TestHTTPEngine_StatusClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusNotFound, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			engine := scanner.NewHTTPEngine(srv.URL, time.Second, logger.Discard())
			_, err := engine.Scan(context.Background(), "https://example.com", scanner.Options{})
			require.Error(t, err)
			assert.Equal(t, tt.permanent, errors.Is(err, scanner.ErrPermanent))
		})
	}
}

func TestHTTPEngine_HonoursCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	engine := scanner.NewHTTPEngine(srv.URL, 0, logger.Discard())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := engine.Scan(ctx, "https://example.com", scanner.Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, errors.Is(err, scanner.ErrPermanent))
}

func TestPermanent(t *testing.T) {
	t.Parallel()
	base := errors.New("bad input")
	err := scanner.Permanent(base)
	assert.ErrorIs(t, err, scanner.ErrPermanent)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "bad input", err.Error())
	assert.NoError(t, scanner.Permanent(nil))
}
