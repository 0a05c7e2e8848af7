// Package reporter is a small client for sending error events to a faultline
// worker from Go programs.
//
// Reporting never fails the caller: transport and server errors are logged
// and dropped.
package reporter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/faultline/internal/config"
)

// IngestPath is the worker's ingestion endpoint.
const IngestPath = "/api/error"

// APIKeyHeader carries the project API key.
const APIKeyHeader = "x-trace-api-key"

// DefaultEnvironment is reported when Config.Environment is empty.
const DefaultEnvironment = "prod"

// DefaultTimeout bounds a single report.
const DefaultTimeout = 5 * time.Second

// Config configures a Reporter.
type Config struct {
	HTTPClient  *http.Client
	Endpoint    string // Worker base URL; defaults to the local worker
	APIKey      string
	Environment string
	CommitSHA   string
	Timeout     time.Duration
}

// Event is the JSON body posted to the worker.
type Event struct {
	Stack       *string `json:"stack,omitempty"`
	Message     string  `json:"message"`
	Environment string  `json:"environment"`
	CommitSHA   string  `json:"commitSha,omitempty"`
}

// Reporter posts error events to a faultline worker.
type Reporter struct {
	client      *http.Client
	url         string
	apiKey      string
	environment string
	commitSHA   string
}

// New creates a Reporter.
func New(cfg Config) *Reporter {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "http://127.0.0.1:" + strconv.Itoa(config.GetWorkerPort())
	}
	env := cfg.Environment
	if env == "" {
		env = DefaultEnvironment
	}
	return &Reporter{
		client:      client,
		url:         strings.TrimRight(endpoint, "/") + IngestPath,
		apiKey:      cfg.APIKey,
		environment: env,
		commitSHA:   cfg.CommitSHA,
	}
}

// Send posts one event and returns any transport or HTTP error.
func (r *Reporter) Send(ctx context.Context, ev Event) error {
	if ev.Environment == "" {
		ev.Environment = r.environment
	}
	if ev.CommitSHA == "" {
		ev.CommitSHA = r.commitSHA
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(APIKeyHeader, r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("worker returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Capture reports err without a stack trace. A nil err is ignored.
func (r *Reporter) Capture(ctx context.Context, err error) {
	if err == nil {
		return
	}
	r.report(ctx, Event{Message: err.Error()})
}

// CaptureWithStack reports a message together with a stack trace.
func (r *Reporter) CaptureWithStack(ctx context.Context, message, stack string) {
	ev := Event{Message: message}
	if stack != "" {
		ev.Stack = &stack
	}
	r.report(ctx, ev)
}

// Recover reports a panic with the current goroutine's stack and then
// re-panics. Use it as `defer r.Recover(ctx)`.
func (r *Reporter) Recover(ctx context.Context) {
	v := recover()
	if v == nil {
		return
	}
	r.CaptureWithStack(ctx, fmt.Sprint(v), string(debug.Stack()))
	panic(v)
}

func (r *Reporter) report(ctx context.Context, ev Event) {
	if err := r.Send(ctx, ev); err != nil {
		log.Warn().Err(err).Str("url", r.url).Msg("Failed to report error event")
	}
}
