// Package gateway is the typed HTTP client of the teleop backend.
//
// Every call is a single round trip: no retries, no caching and no timeout
// beyond what the caller's context or the http.Client impose.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"teleop-console/internal/metrics"
)

// APIError is returned for every non-2xx backend response.
type APIError struct {
	StatusCode int
	Detail     string
}

// Error returns the backend detail verbatim, or "HTTP <code>" when there was none.
func (e *APIError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return "HTTP " + strconv.Itoa(e.StatusCode)
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithMetrics records request counts and latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// Client calls the backend REST API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a client for the backend at baseURL (e.g. "http://localhost:8000").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    http.DefaultClient,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "gateway")
	return c
}

// BaseURL returns the configured backend URL.
func (c *Client) BaseURL() string { return c.baseURL }

// call describes one backend request. op labels it in metrics and logs.
type call struct {
	op     string
	method string
	path   string
	query  url.Values
	body   any
}

// do performs the request and decodes a 2xx JSON body into out.
// A 204 response leaves out untouched and its body is never read.
func (c *Client) do(ctx context.Context, req call, out any) error {
	u := c.baseURL + req.path
	if len(req.query) > 0 {
		u += "?" + req.query.Encode()
	}

	var body io.Reader
	if req.body != nil {
		payload, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", req.op, err)
		}
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, u, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", req.op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.metrics.ObserveRequest(req.op, "error", time.Since(start))
		return fmt.Errorf("%s: %w", req.op, err)
	}
	defer func() { _ = resp.Body.Close() }()
	c.metrics.ObserveRequest(req.op, strconv.Itoa(resp.StatusCode), time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := decodeError(resp)
		c.logger.Debug("backend error", "op", req.op, "status", resp.StatusCode, "detail", apiErr.Detail)
		return apiErr
	}
	if resp.StatusCode == http.StatusNoContent || out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", req.op, err)
	}
	return nil
}

func decodeError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return apiErr
	}
	var payload struct {
		Detail any `json:"detail"`
	}
	if json.Unmarshal(raw, &payload) != nil {
		return apiErr
	}
	switch d := payload.Detail.(type) {
	case string:
		apiErr.Detail = d
	case nil:
	default:
		// Validation failures carry a structured detail; keep it readable.
		if b, err := json.Marshal(d); err == nil {
			apiErr.Detail = string(b)
		}
	}
	return apiErr
}

func get[T any](ctx context.Context, c *Client, op, path string, query url.Values) (T, error) {
	var out T
	err := c.do(ctx, call{op: op, method: http.MethodGet, path: path, query: query}, &out)
	return out, err
}

func send[T any](ctx context.Context, c *Client, op, method, path string, body any) (T, error) {
	var out T
	err := c.do(ctx, call{op: op, method: method, path: path, body: body}, &out)
	return out, err
}

func idPath(format string, id int64) string {
	return fmt.Sprintf(format, id)
}
