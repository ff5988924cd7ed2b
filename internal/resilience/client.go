package resilience

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// HTTPError is returned when every attempt ended in a retryable status.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// ClientConfig configures Client.
type ClientConfig struct {
	HTTPClient *http.Client
	Retry      RetryConfig
	Breaker    BreakerConfig
}

// Client wraps an http.Client with retries and a circuit breaker. It
// satisfies the Doer interface used by the integration clients.
type Client struct {
	client  *http.Client
	retry   RetryConfig
	breaker *CircuitBreaker

	total   int64
	failed  int64
	retried int64
}

// Doer is the subset of *http.Client the integrations depend on.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewClient creates a resilient client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
		}
	}
	return &Client{
		client:  cfg.HTTPClient,
		retry:   cfg.Retry,
		breaker: NewCircuitBreaker(cfg.Breaker),
	}
}

// Do executes req, replaying the body on each retry.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	atomic.AddInt64(&c.total, 1)
	if err := c.breaker.Allow(); err != nil {
		atomic.AddInt64(&c.failed, 1)
		return nil, err
	}

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("buffer request body: %w", err)
		}
	}

	attempts := c.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			atomic.AddInt64(&c.retried, 1)
			select {
			case <-req.Context().Done():
				return nil, req.Context().Err()
			case <-time.After(c.retry.Backoff(attempt - 1)):
			}
		}

		attemptReq := req.Clone(req.Context())
		if body != nil {
			attemptReq.Body = io.NopCloser(bytes.NewReader(body))
			attemptReq.ContentLength = int64(len(body))
		}

		resp, err := c.client.Do(attemptReq)
		if err != nil {
			lastErr = err
			if retryableNetError(err) {
				continue
			}
			break
		}
		if c.retry.retryableStatus(resp.StatusCode) && attempt < attempts {
			lastErr = &HTTPError{StatusCode: resp.StatusCode}
			resp.Body.Close()
			continue
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			c.breaker.RecordFailure()
		} else {
			c.breaker.RecordSuccess()
		}
		return resp, nil
	}

	c.breaker.RecordFailure()
	atomic.AddInt64(&c.failed, 1)
	return nil, lastErr
}

// Stats returns request counters.
func (c *Client) Stats() map[string]int64 {
	return map[string]int64{
		"total_requests":   atomic.LoadInt64(&c.total),
		"failed_requests":  atomic.LoadInt64(&c.failed),
		"retried_requests": atomic.LoadInt64(&c.retried),
	}
}

// CircuitState returns the breaker state.
func (c *Client) CircuitState() CircuitState {
	return c.breaker.State()
}
