// Package backend is the authenticated HTTP client for the HabitTribe REST
// API. Every request carries the bearer token current at send time.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

// TokenSource yields the bearer token to send. An empty token means the
// request goes out unauthenticated.
type TokenSource interface {
	Token() string
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func() string

func (f TokenFunc) Token() string { return f() }

// Client talks to the REST backend.
type Client struct {
	base      *url.URL
	http      *http.Client
	transport http.RoundTripper
	timeout   time.Duration
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTransport sets the round tripper underneath the auth layer.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.transport = rt }
}

// WithTimeout bounds every request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the API rooted at baseURL.
func New(baseURL string, tokens TokenSource, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, fmt.Errorf("backend: nil token source")
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("backend: parse base url: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	c := &Client{
		base:      base,
		transport: http.DefaultTransport,
		timeout:   30 * time.Second,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.http = &http.Client{
		Transport: &authTransport{base: c.transport, tokens: tokens},
		Jar:       jar,
		Timeout:   c.timeout,
	}
	return c, nil
}

// HTTPClient returns the underlying authenticated client.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// authTransport reads the token per request so a logout elsewhere applies
// to the very next call.
type authTransport struct {
	base   http.RoundTripper
	tokens TokenSource
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	if token := t.tokens.Token(); token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	} else {
		out.Header.Del("Authorization")
	}
	return t.base.RoundTrip(out)
}

// Do sends a request for path relative to the API root. A non-nil in is
// sent as JSON; a non-nil out receives the JSON response body.
func (c *Client) Do(ctx context.Context, method, path string, in, out any) error {
	ref, err := url.Parse(strings.TrimPrefix(path, "/"))
	if err != nil {
		return fmt.Errorf("backend: bad path %q: %w", path, err)
	}
	target := c.base.ResolveReference(ref)

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("backend: encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		c.logger.Debug("backend request failed", "method", method, "path", path, "status", resp.StatusCode)
		return newStatusError(method, target.String(), resp.StatusCode, msg)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	// some endpoints answer 2xx with no body
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("backend: decode %s %s: %w", method, path, err)
	}
	return nil
}
