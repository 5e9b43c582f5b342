// Package api is the HTTP client for the concierge backend.
//
// The backend owns authentication, credit accounting and message
// persistence; this package only frames requests, attaches the bearer
// credential and decodes responses.
package api

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
	"strings"
	"time"

	"concierge/cmd/internal/ids"

	"golang.org/x/time/rate"
)

const (
	maxResponseBytes = 4 << 20 // 4 MiB

	headerRequestID = "X-Request-ID"
)

// TokenSource supplies the bearer credential for each request.
// An empty token sends the request unauthenticated.
type TokenSource interface {
	Token() string
}

// StaticToken is a fixed TokenSource.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token() string { return string(t) }

// Config holds configuration for creating a Client.
type Config struct {
	// BaseURL is the backend origin, e.g. "http://localhost:8080".
	BaseURL string
	// HTTPClient is used for all requests. If nil, a client with Timeout is built.
	HTTPClient *http.Client
	// Timeout bounds each request when HTTPClient is nil. Defaults to 10s.
	Timeout time.Duration
	// Tokens supplies the bearer credential. Optional.
	Tokens TokenSource
	// Limiter throttles outbound requests. Nil means unlimited.
	Limiter *rate.Limiter
	// Logger is used for request logs. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client is a concierge backend client. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	limiter    *rate.Limiter
	log        *slog.Logger
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("api: BaseURL is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("api: invalid BaseURL %q: %w", cfg.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api: unsupported BaseURL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("api: BaseURL %q has no host", cfg.BaseURL)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	tokens := cfg.Tokens
	if tokens == nil {
		tokens = StaticToken("")
	}

	return &Client{
		baseURL:    base,
		httpClient: hc,
		tokens:     tokens,
		limiter:    cfg.Limiter,
		log:        log,
	}, nil
}

// BaseURL returns the normalized backend origin.
func (c *Client) BaseURL() string { return c.baseURL }

// WithTokens returns a shallow copy of c that authenticates with tokens.
func (c *Client) WithTokens(tokens TokenSource) *Client {
	cp := *c
	if tokens == nil {
		tokens = StaticToken("")
	}
	cp.tokens = tokens
	return &cp
}

// do performs one request. body, when non-nil, is JSON encoded; out, when
// non-nil, receives the decoded JSON response.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: rate limit wait: %w", op, err)
		}
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.tokens.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	reqID := ids.MustULID(time.Now().UTC())
	if reqID != "" {
		req.Header.Set(headerRequestID, reqID)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Debug("api.request.fail", "op", op, "method", method, "path", path, "request_id", reqID, "err", err)
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s: read body: %w", op, err)
	}

	c.log.Debug("api.request",
		"op", op,
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
		"request_id", reqID,
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{
			Op:        op,
			Status:    resp.StatusCode,
			Detail:    parseErrorBody(resp.StatusCode, data),
			RequestID: reqID,
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
