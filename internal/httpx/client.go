// Package httpx wraps outbound HTTP with hard timeouts and bounded
// exponential-backoff retries. Every request is aborted through context
// cancellation when its deadline passes; there are no unbounded waits.
package httpx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// RetryConfig holds the retry policy for transient failures.
type RetryConfig struct {
	MaxAttempts  int           // total attempts, including the first
	InitialDelay time.Duration // delay before the first retry; doubles each attempt
	MaxDelay     time.Duration // backoff ceiling; zero means uncapped
}

// DefaultRetryConfig returns the default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
	}
}

// Client is a resilient HTTP client. Zero value is not usable; construct
// with New.
type Client struct {
	http    *http.Client
	timeout time.Duration
	retry   RetryConfig
	logger  *zap.Logger
	onRetry func()
}

// New creates a Client with a per-request timeout and retry policy.
func New(timeout time.Duration, retry RetryConfig, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		// The http.Client carries no timeout of its own; each request gets a
		// context deadline so cancellation actually aborts the connection.
		http:    &http.Client{},
		timeout: timeout,
		retry:   retry,
		logger:  logger,
	}
}

// OnRetry installs a hook invoked once per retry attempt, used for metrics.
func (c *Client) OnRetry(fn func()) {
	c.onRetry = fn
}

// Do performs a single request with the client's hard timeout. The response
// body is fully read and returned so the caller never holds a live
// connection.
func (c *Client) Do(ctx context.Context, method, url string, headers map[string]string, body []byte) (*Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("request timeout after %s: %s", c.timeout, url)
		}
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: data, Header: resp.Header}, nil
}

// DoWithRetry performs a request retrying only on 5xx responses, 429
// rate limits, and network-level failures, with exponential backoff between
// attempts. Other 4xx responses and successes return immediately.
func (c *Client) DoWithRetry(ctx context.Context, method, url string, headers map[string]string, body []byte) (*Response, error) {
	var lastErr error
	delay := c.retry.InitialDelay
	attempts := c.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := c.Do(ctx, method, url, headers, body)
		if err == nil && !retryableStatus(resp.StatusCode) {
			return resp, nil
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("server returned %d for %s", resp.StatusCode, url)
		}

		if attempt == attempts {
			break
		}

		if c.onRetry != nil {
			c.onRetry()
		}
		c.logger.Warn("Retrying request after transient failure",
			zap.String("method", method),
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Duration("retry_delay", delay),
			zap.Error(lastErr),
		)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("request cancelled: %w", ctx.Err())
		case <-time.After(delay):
		}

		delay *= 2
		if c.retry.MaxDelay > 0 && delay > c.retry.MaxDelay {
			delay = c.retry.MaxDelay
		}
	}

	return nil, fmt.Errorf("all %d attempts failed for %s: %w", attempts, url, lastErr)
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

// Response is a fully-buffered HTTP response.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// OK reports whether the status code is in the 2xx range.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}
