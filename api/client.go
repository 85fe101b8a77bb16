// Package api provides a typed HTTP client for the remote Codex API with
// bounded retry and an optional read-through response cache.
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

	"github.com/zeebo/blake3"

	"github.com/wolfeidau/codex-bridge/telemetry"
)

const (
	// DefaultTimeout is the per-attempt request timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxRetries is the number of retries after the first attempt
	// for transport-level failures.
	DefaultMaxRetries = 3

	// DefaultCacheTTL is the TTL for cached GET responses.
	DefaultCacheTTL = 5 * time.Minute
)

// ResponseCache caches successful GET response bodies. Implementations must
// treat expired entries as absent.
type ResponseCache interface {
	// Get returns the cached body for key, or ok=false on a miss.
	Get(ctx context.Context, key string) (body []byte, ok bool, err error)

	// Put stores body under key with the given TTL.
	Put(ctx context.Context, key string, body []byte, ttl time.Duration) error
}

// Client issues requests against the remote Codex API. It is stateless
// across calls apart from the optional response cache, and is safe for
// concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	cache      ResponseCache
	cacheTTL   time.Duration
	logger     *slog.Logger
	sleep      func(time.Duration)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client, e.g. one carrying an
// instrumented transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithMaxRetries sets how many times a transport failure is retried.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithResponseCache enables read-through caching of idempotent GET
// responses. A zero ttl uses DefaultCacheTTL.
func WithResponseCache(cache ResponseCache, ttl time.Duration) Option {
	return func(c *Client) {
		c.cache = cache
		if ttl > 0 {
			c.cacheTTL = ttl
		}
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		maxRetries: DefaultMaxRetries,
		cacheTTL:   DefaultCacheTTL,
		logger:     slog.Default(),
		sleep:      time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// get issues a GET and decodes the JSON response into result, consulting
// the response cache first when one is configured.
func (c *Client) get(ctx context.Context, path string, query url.Values, result any) error {
	var key string
	if c.cache != nil {
		key = cacheKey(http.MethodGet, path, query)
		if body, ok := c.cachedBody(ctx, key); ok {
			telemetry.RecordCacheLookup(ctx, telemetry.CacheHit)
			return decode(body, result)
		}
		telemetry.RecordCacheLookup(ctx, telemetry.CacheMiss)
	}

	body, err := c.request(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}

	if key != "" {
		if err := c.cache.Put(ctx, key, body, c.cacheTTL); err != nil {
			c.logger.Warn("caching response failed", "path", path, "error", err)
		}
	}

	return decode(body, result)
}

// post issues a POST with a JSON body and decodes the JSON response.
func (c *Client) post(ctx context.Context, path string, reqBody, result any) error {
	data, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshaling request body: %w", err)
	}

	body, err := c.request(ctx, http.MethodPost, path, nil, data)
	if err != nil {
		return err
	}

	return decode(body, result)
}

// request performs a single logical request with bounded retry. Transport
// failures are retried with 2^attempt second delays starting at attempt 0;
// application errors (status >= 400) fail immediately.
func (c *Client) request(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	for attempt := 0; ; attempt++ {
		respBody, err := c.attempt(ctx, method, reqURL, body)
		if err == nil {
			return respBody, nil
		}

		var apiErr *Error
		if errors.As(err, &apiErr) && !apiErr.Transport() {
			return nil, err
		}

		if attempt >= c.maxRetries {
			return nil, &Error{
				Message: fmt.Sprintf("%s %s failed after %d attempts", method, path, attempt+1),
				Err:     err,
			}
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		delay := time.Duration(1<<uint(attempt)) * time.Second
		c.logger.Warn("request failed, retrying",
			"method", method,
			"path", path,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		c.sleep(delay)
	}
}

// attempt performs one HTTP round trip.
func (c *Client) attempt(ctx context.Context, method, reqURL string, body []byte) ([]byte, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, r)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, newStatusError(resp.StatusCode, respBody)
	}

	return respBody, nil
}

func (c *Client) cachedBody(ctx context.Context, key string) ([]byte, bool) {
	body, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn("response cache read failed", "error", err)
		return nil, false
	}
	return body, ok
}

func decode(body []byte, result any) error {
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// cacheKey derives a stable cache key from the request shape.
func cacheKey(method, path string, query url.Values) string {
	h := blake3.New()
	_, _ = h.Write([]byte(method))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(path))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(query.Encode()))
	return fmt.Sprintf("%x", h.Sum(nil))
}
