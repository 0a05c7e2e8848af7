// Package enrich sends newly created error groups to the external analyzer
// and records the suggestion it returns.
package enrich

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/thebtf/faultline/internal/privacy"
)

// AnalyzePath is appended to the analyzer base URL.
const AnalyzePath = "/analyze-error"

// DefaultClientTimeout bounds a single analyzer round trip.
const DefaultClientTimeout = 30 * time.Second

// maxErrorBody caps how much of an error response is kept for the log.
const maxErrorBody = 512

// Job is one group awaiting analysis.
type Job struct {
	Stack   *string
	GroupID string
	Message string
}

type analyzeRequest struct {
	Stack   *string `json:"stack"`
	ErrorID string  `json:"error_id"`
	Message string  `json:"message"`
}

type analyzeResponse struct {
	Suggestion string `json:"suggestion"`
}

// Client talks to the analyzer service over HTTP.
type Client struct {
	http    *http.Client
	baseURL string
}

// NewClient creates a client for the analyzer at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultClientTimeout
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Analyze posts the job to the analyzer and returns its suggestion.
// Credentials in the message and stack are redacted before sending.
func (c *Client) Analyze(ctx context.Context, job Job) (string, error) {
	body, err := json.Marshal(analyzeRequest{
		ErrorID: job.GroupID,
		Message: privacy.Redact(job.Message),
		Stack:   privacy.RedactPtr(job.Stack),
	})
	if err != nil {
		return "", fmt.Errorf("enrich: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+AnalyzePath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("enrich: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("enrich: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", fmt.Errorf("enrich: analyzer returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("enrich: decode response: %w", err)
	}
	if out.Suggestion == "" {
		return "", fmt.Errorf("enrich: analyzer returned an empty suggestion")
	}
	return out.Suggestion, nil
}
