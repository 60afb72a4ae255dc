// Package network defines the request/response pair that flows through the
// proxy and the transport used to reach the origin.
package network

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Request is an intercepted outbound request
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is what the proxy hands back to the application
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports whether the status is 2xx
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// Client performs network calls. Transport failures (timeouts, DNS, offline)
// are returned as errors; HTTP error statuses are not.
type Client interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// ClientFunc adapts a function to Client
type ClientFunc func(ctx context.Context, req *Request) (*Response, error)

// Do implements Client
func (f ClientFunc) Do(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Unavailable synthesizes the 503 plain-text response served when neither
// the network nor the cache can answer.
func Unavailable(body string) *Response {
	return &Response{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{
			"Content-Type":  []string{"text/plain; charset=utf-8"},
			"Cache-Control": []string{"no-store"},
		},
		Body: []byte(body),
	}
}

// HTTPClient implements Client over net/http
type HTTPClient struct {
	http      *http.Client
	userAgent string
}

// Option configures an HTTPClient
type Option func(*HTTPClient)

// WithHTTPClient uses h for every call
func WithHTTPClient(h *http.Client) Option {
	return func(c *HTTPClient) { c.http = h }
}

// WithTimeout bounds every call to d
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) {
		if d > 0 {
			cp := *c.http
			cp.Timeout = d
			c.http = &cp
		}
	}
}

// WithUserAgent sets the User-Agent of outbound requests that carry none
func WithUserAgent(ua string) Option {
	return func(c *HTTPClient) { c.userAgent = ua }
}

// NewHTTPClient creates a Client backed by a zero http.Client unless overridden
func NewHTTPClient(opts ...Option) *HTTPClient {
	c := &HTTPClient{http: &http.Client{}}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Do implements Client
func (c *HTTPClient) Do(ctx context.Context, r *Request) (*Response, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", method, r.URL, err)
	}

	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   b,
	}, nil
}
