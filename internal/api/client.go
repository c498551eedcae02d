// Package api performs authenticated JSON round trips against one forum
// site's REST endpoints.
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
	"sync"
	"time"
)

const (
	// DefaultTimeout bounds foreground requests.
	DefaultTimeout = 10 * time.Second
	// BackgroundTimeout bounds requests issued while the app is backgrounded.
	BackgroundTimeout = 5 * time.Second

	defaultUserAgent = "Forumwatch App / 1.0"
)

// ErrRateLimited is returned when the site answers HTTP 429.
var ErrRateLimited = errors.New("api: rate limited")

// ErrBackgrounded is returned by JSON while the client is backgrounded.
// Scheduled background work uses BackgroundJSON instead.
var ErrBackgrounded = errors.New("api: client is backgrounded")

// ErrAuthRevoked is returned when the site answers HTTP 403. The owning
// site's credentials have already been cleared when this error is seen;
// callers must treat it as "re-authentication required", never as fatal.
var ErrAuthRevoked = errors.New("api: authentication revoked")

// StatusError reports a non-200 response outside the dedicated cases.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: unexpected status %d", e.StatusCode)
}

// Credentials supplies the per-request identity headers. The Site implements
// this; Logoff is invoked when the site answers 403.
type Credentials interface {
	AuthToken() string
	ClientID() string
	Logoff()
}

// Client issues requests against a single site.
type Client struct {
	mu         sync.Mutex
	baseURL    string
	creds      Credentials
	httpClient *http.Client
	userAgent  string
	logger     *slog.Logger
	timeout    time.Duration
	background bool
	inflight   map[*context.CancelFunc]struct{}
}

// Option customises the client.
type Option func(*Client)

// WithHTTPClient substitutes the transport, primarily for tests.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(userAgent string) Option {
	return func(c *Client) {
		if userAgent != "" {
			c.userAgent = userAgent
		}
	}
}

// WithLogger installs a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient constructs a client for the site at baseURL.
func NewClient(baseURL string, creds Credentials, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		creds:      creds,
		httpClient: &http.Client{},
		userAgent:  defaultUserAgent,
		timeout:    DefaultTimeout,
		inflight:   make(map[*context.CancelFunc]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// JSON performs one request and decodes the 200 response body into out when
// out is non-nil. Requests started while backgrounded fail immediately with
// ErrBackgrounded.
func (c *Client) JSON(ctx context.Context, method, path string, body, out any) error {
	return c.do(ctx, method, path, body, out, false)
}

// BackgroundJSON is JSON but permitted while backgrounded, bounded by the
// background timeout. Scheduled refresh tasks use it.
func (c *Client) BackgroundJSON(ctx context.Context, method, path string, body, out any) error {
	return c.do(ctx, method, path, body, out, true)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, allowBackground bool) error {
	c.mu.Lock()
	if c.background && !allowBackground {
		c.mu.Unlock()
		return ErrBackgrounded
	}
	timeout := c.timeout
	c.mu.Unlock()

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	c.track(&cancel)
	defer func() {
		c.untrack(&cancel)
		cancel()
	}()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Api-Key", c.creds.AuthToken())
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Dont-Chunk", "true")
	req.Header.Set("User-Api-Client-Id", c.creds.ClientID())

	c.logger.Debug("api request", "method", method, "url", c.baseURL+path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response for %s: %w", path, err)
		}
		return nil
	case resp.StatusCode == http.StatusForbidden:
		// access denied: user logged out or key revoked
		c.creds.Logoff()
		return ErrAuthRevoked
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return &StatusError{StatusCode: resp.StatusCode}
	}
}

// EnterBackground aborts in-flight requests and shortens future timeouts.
func (c *Client) EnterBackground() {
	c.mu.Lock()
	c.background = true
	c.timeout = BackgroundTimeout
	cancels := make([]*context.CancelFunc, 0, len(c.inflight))
	for cancel := range c.inflight {
		cancels = append(cancels, cancel)
	}
	c.mu.Unlock()
	for _, cancel := range cancels {
		(*cancel)()
	}
}

// ExitBackground restores the foreground timeout.
func (c *Client) ExitBackground() {
	c.mu.Lock()
	c.background = false
	c.timeout = DefaultTimeout
	c.mu.Unlock()
}

func (c *Client) track(cancel *context.CancelFunc) {
	c.mu.Lock()
	c.inflight[cancel] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) untrack(cancel *context.CancelFunc) {
	c.mu.Lock()
	delete(c.inflight, cancel)
	c.mu.Unlock()
}
