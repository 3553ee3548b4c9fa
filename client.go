// Package datarefresh provides a client for the datarefresh control API.
package datarefresh

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Job is one pipeline run as reported by the API.
type Job struct {
	ID             string     `json:"id"`
	Dataset        string     `json:"dataset"`
	Action         string     `json:"action"`
	State          string     `json:"state"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	ErrorKind      string     `json:"error_kind,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	LiveGeneration string     `json:"live_generation,omitempty"`
}

// Done reports whether the job reached a terminal state.
func (j Job) Done() bool {
	return j.State == "done" || j.State == "error"
}

// Generation is one versioned index build.
type Generation struct {
	ID          string     `json:"id"`
	Dataset     string     `json:"dataset"`
	State       string     `json:"state"`
	Index       string     `json:"index"`
	CreatedAt   time.Time  `json:"created_at"`
	RetiredAt   *time.Time `json:"retired_at,omitempty"`
	RecordCount int        `json:"record_count"`
	DocCount    int        `json:"doc_count"`
}

// AliasStatus reports what a dataset's alias resolves to.
type AliasStatus struct {
	Dataset     string       `json:"dataset"`
	Live        *Generation  `json:"live"`
	Generations []Generation `json:"generations"`
}

// APIError is a non-2xx response from the service.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("datarefresh: %s (%s, http %d)", e.Message, e.Code, e.StatusCode)
}

// ErrBusy is returned when the dataset already has a running job.
var ErrBusy = errors.New("datarefresh: dataset busy")

// IsBusy reports whether err is a busy rejection.
func IsBusy(err error) bool {
	if errors.Is(err, ErrBusy) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "busy"
}

// Client talks to a datarefresh service instance.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithAPIKey sets the bearer token sent with every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client for the service at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("datarefresh: base URL required")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// StartRefresh submits a full reindex job for the dataset.
func (c *Client) StartRefresh(ctx context.Context, dataset string) (Job, error) {
	return c.submit(ctx, dataset, "FULL_REINDEX")
}

// LoadTestData submits a fixture-load job for the dataset.
func (c *Client) LoadTestData(ctx context.Context, dataset string) (Job, error) {
	return c.submit(ctx, dataset, "LOAD_TEST_DATA")
}

func (c *Client) submit(ctx context.Context, dataset, action string) (Job, error) {
	var job Job
	err := c.do(ctx, http.MethodPost, "/api/v1/jobs",
		map[string]string{"dataset": dataset, "action": action}, &job)
	return job, err
}

// JobStatus returns the dataset's latest job. Safe to poll.
func (c *Client) JobStatus(ctx context.Context, dataset string) (Job, error) {
	var job Job
	err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+dataset, nil, &job)
	return job, err
}

// CancelJob cancels the dataset's running job.
func (c *Client) CancelJob(ctx context.Context, dataset string) (Job, error) {
	var job Job
	err := c.do(ctx, http.MethodDelete, "/api/v1/jobs/"+dataset, nil, &job)
	return job, err
}

// Alias returns the dataset's live generation and build history.
func (c *Client) Alias(ctx context.Context, dataset string) (AliasStatus, error) {
	var status AliasStatus
	err := c.do(ctx, http.MethodGet, "/api/v1/aliases/"+dataset, nil, &status)
	return status, err
}

// Rollback repoints the dataset's alias at the previous generation.
func (c *Client) Rollback(ctx context.Context, dataset string) (Generation, error) {
	var gen Generation
	err := c.do(ctx, http.MethodPost, "/api/v1/aliases/"+dataset+"/rollback", nil, &gen)
	return gen, err
}

// WaitForJob polls until the dataset's job reaches a terminal state.
func (c *Client) WaitForJob(ctx context.Context, dataset string, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := c.JobStatus(ctx, dataset)
		if err != nil {
			return Job{}, err
		}
		if job.Done() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("datarefresh: encode request: %w", err)
		}
		payload = bytes.NewReader(data)
	} else {
		payload = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("datarefresh: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("datarefresh: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil {
			apiErr.Code = "unknown"
			apiErr.Message = resp.Status
		}
		if apiErr.Code == "busy" {
			return fmt.Errorf("%w: %s", ErrBusy, apiErr.Message)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("datarefresh: decode response: %w", err)
	}
	return nil
}
