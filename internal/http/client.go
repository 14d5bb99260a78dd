package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fairdata/download-service/internal/http/ratelimit"
)

// Client is an HTTP client with rate limiting and optional retries
type Client struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	config     ratelimit.Config
	username   string
	password   string
	userAgent  string
}

// Option customises a Client
type Option func(*Client)

// WithBasicAuth sets credentials sent with every request
func WithBasicAuth(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithTimeout sets the per-request timeout covering connect and read
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// WithHTTPClient replaces the underlying transport client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a new HTTP client with rate limiting
func NewClient(config ratelimit.Config, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter:   ratelimit.NewLimiter(config),
		config:    config,
		userAgent: "Fairdata-DownloadService/1.0",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClientDefault creates a new HTTP client with default rate limiting
func NewClientDefault() *Client {
	return NewClient(ratelimit.DefaultConfig())
}

// Get performs a GET request
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	return c.Do(ctx, http.MethodGet, url, nil, "")
}

// PostJSON performs a POST request with a JSON body
func (c *Client) PostJSON(ctx context.Context, url string, body []byte) (*http.Response, error) {
	return c.Do(ctx, http.MethodPost, url, body, "application/json")
}

// Do performs an HTTP request. Whatever status the server answers with is
// returned once retryable statuses have used up their retries. Requests that
// never get an answer fail with *ratelimit.RetryError.
func (c *Client) Do(ctx context.Context, method, url string, body []byte, contentType string) (*http.Response, error) {
	failed := func(attempts, status int, err error) error {
		return &ratelimit.RetryError{URL: url, Attempts: attempts, Status: status, Err: err}
	}

	var status int
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter error: %w", err)
		}

		req, err := c.newRequest(ctx, method, url, body, contentType)
		if err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(req)
		last := attempt == c.config.MaxRetries
		switch {
		case err != nil:
			if last || ctx.Err() != nil {
				return nil, failed(attempt+1, status, err)
			}
		case !ratelimit.Retryable(resp.StatusCode) || last:
			return resp, nil
		default:
			status = resp.StatusCode
			resp.Body.Close()
		}

		if err := ratelimit.Sleep(ctx, c.config.Backoff(attempt)); err != nil {
			return nil, failed(attempt+1, status, err)
		}
	}
}

func (c *Client) newRequest(ctx context.Context, method, url string, body []byte, contentType string) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", url, err)
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	return req, nil
}
