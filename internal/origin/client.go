package origin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout  = 10 * time.Second
	maxRetries      = 3
	initialBackoff  = 500 * time.Millisecond
	maxResponseSize = 10 << 20 // 10MB
)

// ErrUnreachable wraps transport failures: refused connections, DNS errors,
// timeouts. Any HTTP response, whatever its status, means the origin was reached.
var ErrUnreachable = errors.New("origin unreachable")

// ErrResponseTooLarge is returned when a response body exceeds the buffer
// limit. The origin was reached; the body is dropped rather than truncated.
var ErrResponseTooLarge = errors.New("origin response too large")

// Observer is told about the outcome of every origin call.
// Implemented by netstatus.Monitor.
type Observer interface {
	ReportSuccess()
	ReportFailure()
}

// Response is a fully buffered origin response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Client talks to the storefront origin API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	observer   Observer
	userAgent  string
	maxBody    int64
}

// NewClient creates a client for baseURL. Every call runs under its own
// timeout envelope; timeout <= 0 selects the default.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    timeout,
		userAgent:  "offgrid",
		maxBody:    maxResponseSize,
	}
}

// SetObserver installs o to receive passive connectivity reports.
func (c *Client) SetObserver(o Observer) {
	c.observer = o
}

// BaseURL returns the origin base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Fetch performs a request against the origin. Responses with status 429 are
// retried with exponential backoff; any other response is returned as is.
func (c *Client) Fetch(ctx context.Context, method, path string, header http.Header, body []byte) (*Response, error) {
	var lastErr error
	for attempt := range maxRetries {
		resp, err := c.do(ctx, method, path, header, body)
		if err == nil {
			return resp, nil
		}

		if !isRateLimit(err) {
			return nil, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return nil, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

// Get is a convenience wrapper around Fetch.
func (c *Client) Get(ctx context.Context, path string, header http.Header) (*Response, error) {
	return c.Fetch(ctx, http.MethodGet, path, header, nil)
}

// PostJSON sends payload verbatim with the given idempotency key.
func (c *Client) PostJSON(ctx context.Context, path string, payload []byte, idempotencyKey string) (*Response, error) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		h.Set("Idempotency-Key", idempotencyKey)
	}
	return c.Fetch(ctx, http.MethodPost, path, h, payload)
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	var rl *rateLimitError
	return errors.As(err, &rl)
}

func (c *Client) do(ctx context.Context, method, path string, header http.Header, body []byte) (*Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			// The caller gave up; that says nothing about the network.
			return nil, ctx.Err()
		}
		c.report(false)
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUnreachable, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.report(false)
		return nil, fmt.Errorf("%w: reading %s: %v", ErrUnreachable, path, err)
	}
	c.report(true)

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &rateLimitError{status: resp.StatusCode}
	}
	if int64(len(data)) > c.maxBody {
		return nil, fmt.Errorf("%w: %s %s: more than %d bytes", ErrResponseTooLarge, method, path, c.maxBody)
	}

	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   data,
	}, nil
}

func (c *Client) report(ok bool) {
	if c.observer == nil {
		return
	}
	if ok {
		c.observer.ReportSuccess()
	} else {
		c.observer.ReportFailure()
	}
}
