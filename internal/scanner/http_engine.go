package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/phrazzld/scanrelay/internal/reqctx"
)

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 512

// HTTPEngine calls a remote scan service: POST {base}/scan with
// {"url": ..., "standard": ..., "timeout_ms": ...}, answered by a Report.
type HTTPEngine struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPEngine creates an HTTPEngine. A zero timeout leaves the deadline to
// the caller's context.
func NewHTTPEngine(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPEngine {
	return &HTTPEngine{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With("component", "scan_engine"),
	}
}

type scanRequest struct {
	URL       string `json:"url"`
	Standard  string `json:"standard,omitempty"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
}

// Scan implements Engine. 4xx responses are permanent; 5xx and transport
// errors are left retryable.
func (e *HTTPEngine) Scan(ctx context.Context, url string, opts Options) (*Report, error) {
	body, err := json.Marshal(scanRequest{
		URL:       url,
		Standard:  opts.Standard,
		TimeoutMs: opts.Timeout.Milliseconds(),
	})
	if err != nil {
		return nil, Permanent(fmt.Errorf("failed to encode scan request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/scan", bytes.NewReader(body))
	if err != nil {
		return nil, Permanent(fmt.Errorf("failed to build scan request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if id := reqctx.RequestID(ctx); id != "" {
		req.Header.Set(reqctx.HeaderRequestID, id)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scan request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		err := fmt.Errorf("scan engine returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests &&
			resp.StatusCode != http.StatusRequestTimeout {
			return nil, Permanent(err)
		}
		return nil, err
	}

	var report Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("failed to decode scan report: %w", err)
	}
	if report.URL == "" {
		report.URL = url
	}

	e.logger.DebugContext(ctx, "scan finished",
		"url", url,
		"violations", len(report.Violations),
		"score", report.Score)
	return &report, nil
}

// Ensure HTTPEngine implements Engine
var _ Engine = (*HTTPEngine)(nil)
