package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// Default client settings.
const (
	DefaultBaseURL   = "http://localhost:8765"
	DefaultTimeout   = 15 * time.Second
	DefaultPollRate  = 20 // status requests per second
	DefaultPollBurst = 10
)

// maxBodyBytes caps how much of a response is read.
const maxBodyBytes = 8 << 20

// HealthChecker reports service liveness.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// Config configures a Client.
type Config struct {
	// BaseURL is the compute service root, e.g. http://localhost:8765.
	BaseURL string
	// Timeout bounds each HTTP request.
	Timeout time.Duration
	// PollRate and PollBurst limit status polling across all jobs.
	PollRate  float64
	PollBurst int
	// Health overrides the HTTP health endpoint, e.g. with a gRPC probe.
	Health HealthChecker
	// HTTPClient replaces the default instrumented client.
	HTTPClient *http.Client
}

// Client talks to the embedding compute service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	poll    *rate.Limiter
	health  HealthChecker
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("compute: %s: status %d: %s", e.Op, e.Code, e.Body)
}

// Temporary reports whether err may succeed on a repeat call: transport
// errors, 5xx and 429 answers are temporary, other status codes are not.
func Temporary(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled)
}

// New creates a compute client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PollRate <= 0 {
		cfg.PollRate = DefaultPollRate
	}
	if cfg.PollBurst <= 0 {
		cfg.PollBurst = DefaultPollBurst
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    hc,
		poll:    rate.NewLimiter(rate.Limit(cfg.PollRate), cfg.PollBurst),
		health:  cfg.Health,
	}
}

type batchRequest struct {
	JobID string      `json:"job_id"`
	Items []BatchItem `json:"items"`
}

type submitRequest struct {
	JobID   string `json:"job_id"`
	ChunkID string `json:"chunk_id"`
	Text    string `json:"text"`
}

// SubmitBatch submits items as one batch under jobID.
func (c *Client) SubmitBatch(ctx context.Context, jobID string, items []BatchItem) (BatchReceipt, error) {
	body, err := c.do(ctx, "submit batch", http.MethodPost, "/v1/embeddings/batch", batchRequest{JobID: jobID, Items: items})
	if err != nil {
		return BatchReceipt{}, err
	}
	rec, err := ParseBatchReceipt(body, items)
	if err != nil {
		return BatchReceipt{}, fmt.Errorf("compute: submit batch: %w", err)
	}
	return rec, nil
}

// Submit submits a single item and returns its task id.
func (c *Client) Submit(ctx context.Context, jobID string, item BatchItem) (string, error) {
	body, err := c.do(ctx, "submit", http.MethodPost, "/v1/embeddings", submitRequest{JobID: jobID, ChunkID: item.ChunkID, Text: item.Text})
	if err != nil {
		return "", err
	}
	id, err := ParseSubmitReceipt(body)
	if err != nil {
		return "", fmt.Errorf("compute: submit: %w", err)
	}
	return id, nil
}

// TaskStatus polls one task. Calls wait on the shared poll limiter.
func (c *Client) TaskStatus(ctx context.Context, taskID string) (TaskStatus, error) {
	if err := c.poll.Wait(ctx); err != nil {
		return TaskStatus{}, fmt.Errorf("compute: task status: %w", err)
	}
	body, err := c.do(ctx, "task status", http.MethodGet, "/v1/tasks/"+url.PathEscape(taskID), nil)
	if err != nil {
		return TaskStatus{}, err
	}
	st, err := ParseTaskStatus(body, taskID)
	if err != nil {
		return TaskStatus{}, fmt.Errorf("compute: task status %s: %w", taskID, err)
	}
	return st, nil
}

// Healthy reports whether the service is up.
func (c *Client) Healthy(ctx context.Context) bool {
	if c.health != nil {
		return c.health.Healthy(ctx)
	}
	body, err := c.do(ctx, "health", http.MethodGet, "/health", nil)
	if err != nil {
		return false
	}
	fs, err := decodeFields(body)
	if err != nil {
		// A bare 200 without a JSON body still counts as alive.
		return true
	}
	if v, ok := fs.raw("healthy", "ok", "alive"); ok {
		var b bool
		if json.Unmarshal(v, &b) == nil {
			return b
		}
	}
	if s := fs.str("status", "state"); s != "" {
		switch canonicalKey(s) {
		case "ok", "healthy", "up", "serving", "ready":
			return true
		}
		return false
	}
	return true
}

func (c *Client) do(ctx context.Context, op, method, path string, payload any) ([]byte, error) {
	var rdr io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("compute: %s: marshal: %w", op, err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("compute: %s: %w", op, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("compute: %s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("compute: %s: read body: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}
