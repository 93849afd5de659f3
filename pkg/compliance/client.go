// Package compliance provides the thin, retryable HTTP client used to talk
// to the remote compliance service.
//
// The client is deliberately generic: it knows how to authenticate, retry
// transient failures, and classify HTTP outcomes, but endpoint paths and
// payload shapes belong to the callers (sources, provision, jobpoll). Tests
// substitute the Requester interface with canned responses.
package compliance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"
)

// Requester is the generic request capability consumed by the rest of the
// orchestrator. Implementations return the HTTP status and raw body; a
// non-nil error means the request never produced a response (network
// failure, cancellation), not that the service said no.
type Requester interface {
	// Get issues an authenticated GET.
	Get(ctx context.Context, url string) (int, []byte, error)

	// Post issues an authenticated POST with a JSON-encoded body.
	// A nil body sends an empty request.
	Post(ctx context.Context, url string, body any) (int, []byte, error)

	// Delete issues an authenticated DELETE.
	Delete(ctx context.Context, url string) (int, []byte, error)
}

// Config configures a Client.
type Config struct {
	// BaseURL is the service root, e.g. "https://compliance.example.com/api/v1".
	BaseURL string

	// TokenSource supplies the bearer credential. Required. The client
	// re-reads the source and retries exactly once when the service
	// answers 401, so refreshable sources recover from expiry without
	// caller involvement.
	TokenSource oauth2.TokenSource

	// RetryMax is the number of transport-level retries for transient
	// failures (429/5xx/network). Default: 2.
	RetryMax int

	// RequestTimeout bounds a single request attempt. Default: 30s.
	RequestTimeout time.Duration

	// UserAgent overrides the User-Agent header. Optional.
	UserAgent string
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		RetryMax:       2,
		RequestTimeout: 30 * time.Second,
	}
}

// Client implements Requester over go-retryablehttp.
type Client struct {
	http *retryablehttp.Client
	cfg  Config
}

// Ensure Client implements the interface.
var _ Requester = (*Client)(nil)

// New creates a client for the given configuration.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("compliance: base URL is required")
	}
	if cfg.TokenSource == nil {
		return nil, fmt.Errorf("compliance: token source is required")
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = DefaultConfig().RetryMax
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = cfg.RequestTimeout
	rc.Logger = nil

	// When retries are exhausted we want the final response back, not a
	// synthesized "giving up" error: the poller classifies statuses itself.
	rc.ErrorHandler = func(resp *http.Response, err error, attempts int) (*http.Response, error) {
		if resp != nil {
			return resp, nil
		}
		return nil, err
	}

	return &Client{http: rc, cfg: cfg}, nil
}

// BaseURL returns the configured service root.
func (c *Client) BaseURL() string {
	return c.cfg.BaseURL
}

// Get issues an authenticated GET.
func (c *Client) Get(ctx context.Context, url string) (int, []byte, error) {
	return c.do(ctx, http.MethodGet, url, nil)
}

// Post issues an authenticated POST with a JSON body.
func (c *Client) Post(ctx context.Context, url string, body any) (int, []byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("compliance: encode request body: %w", err)
		}
	}
	return c.do(ctx, http.MethodPost, url, payload)
}

// Delete issues an authenticated DELETE.
func (c *Client) Delete(ctx context.Context, url string) (int, []byte, error) {
	return c.do(ctx, http.MethodDelete, url, nil)
}

// do executes one logical request, retrying once with a fresh token on 401.
func (c *Client) do(ctx context.Context, method, url string, payload []byte) (int, []byte, error) {
	status, body, err := c.doOnce(ctx, method, url, payload)
	if err != nil {
		return 0, nil, err
	}

	// Auth expiry: re-read the token source and try again, once. A second
	// 401 is surfaced to the caller as-is.
	if status == http.StatusUnauthorized {
		return c.doOnce(ctx, method, url, payload)
	}

	return status, body, nil
}

func (c *Client) doOnce(ctx context.Context, method, url string, payload []byte) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, fmt.Errorf("compliance: build request: %w", err)
	}

	tok, err := c.cfg.TokenSource.Token()
	if err != nil {
		return 0, nil, fmt.Errorf("compliance: acquire token: %w", err)
	}
	tok.SetAuthHeader(req.Request)

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("compliance: %s %s: %w", method, url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("compliance: read response: %w", err)
	}

	return resp.StatusCode, data, nil
}
