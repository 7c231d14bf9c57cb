// Package httpclient provides the retrying HTTP client shared by every
// outbound call site: LLM providers, the embedding and rerank endpoints,
// web search and page fetch.
package httpclient

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"
)

// RetryStrategy classifies how a failed status code should be retried.
type RetryStrategy int

const (
	// NoRetry fails immediately.
	NoRetry RetryStrategy = iota
	// BackoffRetry waits baseDelay, growing exponentially with 10% jitter.
	BackoffRetry
	// HonorServerRetry uses the Retry-After header when present, falling
	// back to exponential backoff.
	HonorServerRetry
)

// RetryStrategyFunc maps a status code to a strategy.
type RetryStrategyFunc func(statusCode int) RetryStrategy

// DefaultRetryStrategy retries rate limits and server errors, which is the
// policy every upstream in this system wants: 429 and 503 honor the server's
// pacing, other 5xx back off blindly.
func DefaultRetryStrategy(statusCode int) RetryStrategy {
	switch {
	case statusCode == http.StatusTooManyRequests,
		statusCode == http.StatusServiceUnavailable:
		return HonorServerRetry
	case statusCode >= 500:
		return BackoffRetry
	case statusCode == http.StatusRequestTimeout:
		return BackoffRetry
	default:
		return NoRetry
	}
}

// Client wraps http.Client with bounded retries.
type Client struct {
	client       *http.Client
	maxRetries   int
	baseDelay    time.Duration
	strategyFunc RetryStrategyFunc
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client (timeouts live there).
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.client = client }
}

// WithMaxRetries bounds the number of retry attempts after the first try.
func WithMaxRetries(max int) Option {
	return func(c *Client) { c.maxRetries = max }
}

// WithBaseDelay sets the first backoff interval.
func WithBaseDelay(delay time.Duration) Option {
	return func(c *Client) { c.baseDelay = delay }
}

// WithRetryStrategy replaces the status-code classification.
func WithRetryStrategy(strategyFunc RetryStrategyFunc) Option {
	return func(c *Client) { c.strategyFunc = strategyFunc }
}

// New builds a Client. Defaults match the generation path: two retries with
// a two second base delay.
func New(opts ...Option) *Client {
	client := &Client{
		client:       &http.Client{Timeout: 60 * time.Second},
		maxRetries:   2,
		baseDelay:    2 * time.Second,
		strategyFunc: DefaultRetryStrategy,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// Do executes the request, retrying per the configured strategy. The request
// body is recreated from req.GetBody on each retry, so callers building
// requests with http.NewRequest and a bytes.Reader get retries for free.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastResp *http.Response
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("failed to recreate request body for retry: %w", err)
			}
			req.Body = body
		}

		resp, err := c.client.Do(req)
		if err != nil {
			// Transport errors (conn refused, timeout) back off like a 5xx.
			lastResp, lastErr = nil, err
			if attempt < c.maxRetries {
				delay := c.backoff(attempt)
				slog.Warn("HTTP request failed, retrying",
					"url", req.URL.Host, "attempt", attempt+1, "delay", delay, "error", err)
				time.Sleep(delay)
				continue
			}
			break
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		strategy := c.strategyFunc(resp.StatusCode)
		lastResp, lastErr = resp, fmt.Errorf("HTTP %d", resp.StatusCode)

		if strategy == NoRetry || attempt >= c.maxRetries {
			break
		}

		delay := c.delayFor(strategy, attempt, resp)
		resp.Body.Close()
		slog.Warn("HTTP request rejected, retrying",
			"url", req.URL.Host, "status", resp.StatusCode, "attempt", attempt+1, "delay", delay)
		time.Sleep(delay)
	}

	if lastResp != nil {
		return lastResp, &RetryableError{
			StatusCode: lastResp.StatusCode,
			Message:    fmt.Sprintf("max retries (%d) exceeded", c.maxRetries),
			Err:        lastErr,
		}
	}
	return nil, &RetryableError{
		Message: fmt.Sprintf("max retries (%d) exceeded", c.maxRetries),
		Err:     lastErr,
	}
}

func (c *Client) delayFor(strategy RetryStrategy, attempt int, resp *http.Response) time.Duration {
	if strategy == HonorServerRetry {
		if after := parseRetryAfter(resp.Header); after > 0 {
			return after
		}
	}
	return c.backoff(attempt)
}

func (c *Client) backoff(attempt int) time.Duration {
	delay := time.Duration(math.Pow(2, float64(attempt))) * c.baseDelay
	jitter := time.Duration(float64(delay) * 0.1)
	return delay + jitter
}

func parseRetryAfter(headers http.Header) time.Duration {
	v := headers.Get("Retry-After")
	if v == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
