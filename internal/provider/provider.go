// Package provider fetches raw employment payloads from the external
// HR-records API. Payloads stay opaque documents; nothing here interprets
// their shape.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cadans/hrledger/internal/ledger"
)

const defaultTimeout = 30 * time.Second

// Client talks to the HR-records provider.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client, used by tests and by
// deployments that need custom transports.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithAPIKey sets the bearer token sent on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// New creates a provider client for the given base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Result is one fetched payload plus its fetch metadata.
type Result struct {
	Document ledger.Document
	Status   int
	Duration time.Duration
	// Partial marks a degraded response (206, or a truncation signalled by
	// the provider) that later successful retries should supersede.
	Partial bool
}

// Fetch retrieves one endpoint for one employee.
//
// Timeouts, connection errors, 408, 429 and 5xx are transient (retryable
// with backoff); other 4xx are permanent (no retry, surfaced to the
// session). A 206 succeeds but is marked partial.
func (c *Client) Fetch(ctx context.Context, employeeID, endpoint string) (*Result, error) {
	url := fmt.Sprintf("%s/employees/%s/%s", c.baseURL, employeeID, endpoint)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("provider: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		// Timeouts and connection errors are worth retrying.
		return nil, ledger.NewTransientFetchError(employeeID, endpoint, 0, err)
	}
	defer resp.Body.Close()

	if !fetchOK(resp.StatusCode) {
		// Drain so the connection can be reused.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		cause := fmt.Errorf("provider returned %s", resp.Status)
		if transientStatus(resp.StatusCode) {
			return nil, ledger.NewTransientFetchError(employeeID, endpoint, resp.StatusCode, cause)
		}
		return nil, ledger.NewPermanentFetchError(employeeID, endpoint, resp.StatusCode, cause)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ledger.NewTransientFetchError(employeeID, endpoint, resp.StatusCode, err)
	}

	doc, err := ledger.DecodeDocument(body)
	if err != nil {
		// A malformed body will not improve on retry.
		return nil, ledger.NewPermanentFetchError(employeeID, endpoint, resp.StatusCode,
			fmt.Errorf("decode payload: %w", err))
	}

	return &Result{
		Document: doc,
		Status:   resp.StatusCode,
		Duration: duration,
		Partial:  resp.StatusCode == http.StatusPartialContent,
	}, nil
}

func fetchOK(status int) bool {
	return status >= 200 && status < 300
}

func transientStatus(status int) bool {
	switch {
	case status >= 500:
		return true
	case status == http.StatusTooManyRequests:
		return true
	case status == http.StatusRequestTimeout:
		return true
	}
	return false
}
