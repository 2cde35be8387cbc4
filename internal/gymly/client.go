// Package gymly talks to the Gymly management API: URL templating,
// authentication headers, client-side rate limiting, retry on transient
// failures, and pagination over the three response shapes the API serves.
package gymly

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"gymetl/internal/config"
	"gymetl/internal/metrics"
)

const (
	maxAttempts       = 3
	retryBaseInterval = 2 * time.Second
	retryMaxInterval  = 10 * time.Second
	defaultRetryAfter = 60 * time.Second
)

// APIError is a non-retryable response from the API (4xx family).
type APIError struct {
	Status int
	URL    string
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gymly: %s returned %d: %s", e.URL, e.Status, truncate(e.Body, 200))
}

// RateLimitError reports a 429. The client has already slept for the
// server's Retry-After before returning it, so the caller may retry at once.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("gymly: rate limited, retry after %s", e.RetryAfter)
}

// ServerError is a retryable 5xx response.
type ServerError struct {
	Status int
	URL    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("gymly: %s returned %d", e.URL, e.Status)
}

// DecodeError means the API answered 200 with a body that is not valid
// JSON. Retrying would fetch the same broken payload, so it is fatal.
type DecodeError struct {
	URL string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("gymly: decode %s: %v", e.URL, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Client is a rate-limited Gymly API client. Each instance spaces its
// requests by a fixed interval derived from the configured requests per
// minute, independent of other instances.
type Client struct {
	baseURL    string
	locationID string
	companyID  string
	headers    map[string]string
	pageSize   int
	http       *http.Client

	interval time.Duration
	mu       sync.Mutex
	last     time.Time

	metrics metrics.Backend

	// Test seams.
	sleep         func(ctx context.Context, d time.Duration) error
	retryInitial  time.Duration
	retryMaxPause time.Duration
}

// NewClient builds a client from the endpoints document.
func NewClient(cfg *config.Endpoints) *Client {
	timeout := time.Duration(cfg.API.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rpm := cfg.API.RateLimitPerMinute
	if rpm <= 0 {
		rpm = 60
	}
	pageSize := cfg.API.DefaultPageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.API.BaseURL, "/"),
		locationID: cfg.API.LocationID,
		companyID:  cfg.API.CompanyID,
		headers:    cfg.Auth.Headers,
		pageSize:   pageSize,
		http:       &http.Client{Timeout: timeout},
		interval:      time.Minute / time.Duration(rpm),
		metrics:       metrics.Nop{},
		sleep:         sleepCtx,
		retryInitial:  retryBaseInterval,
		retryMaxPause: retryMaxInterval,
	}
}

// SetMetrics routes per-request observations to a backend. The client
// starts with a nop backend, so calling this is optional.
func (c *Client) SetMetrics(b metrics.Backend) {
	if b != nil {
		c.metrics = b
	}
}

func (c *Client) observe(status string, took time.Duration) {
	labels := metrics.Labels{"status": status}
	c.metrics.IncCounter(metrics.APIRequestsTotal, 1, labels)
	c.metrics.ObserveHistogram(metrics.APIDurationSeconds, took.Seconds(), labels)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// throttle blocks until the fixed inter-request interval has elapsed since
// the previous request made through this client.
func (c *Client) throttle(ctx context.Context) error {
	c.mu.Lock()
	wait := c.interval - time.Since(c.last)
	c.mu.Unlock()
	if wait > 0 {
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.last = time.Now()
	c.mu.Unlock()
	return nil
}

// BuildURL expands {placeholders} in template from the client identity
// (location_id, company_id) and params. Params that were not consumed by the
// template are appended as query parameters in sorted order.
func (c *Client) BuildURL(template string, params map[string]string) string {
	expanded := template
	used := map[string]bool{}
	expanded = strings.ReplaceAll(expanded, "{location_id}", c.locationID)
	expanded = strings.ReplaceAll(expanded, "{company_id}", c.companyID)
	for k, v := range params {
		ph := "{" + k + "}"
		if strings.Contains(expanded, ph) {
			expanded = strings.ReplaceAll(expanded, ph, url.PathEscape(v))
			used[k] = true
		}
	}

	full := expanded
	if !strings.HasPrefix(full, "http") {
		full = c.baseURL + "/" + strings.TrimLeft(expanded, "/")
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		if !used[k] {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return full
	}
	sort.Strings(keys)
	q := url.Values{}
	for _, k := range keys {
		q.Set(k, params[k])
	}
	sep := "?"
	if strings.Contains(full, "?") {
		sep = "&"
	}
	return full + sep + q.Encode()
}

// get performs one rate-limited GET and decodes the JSON body into a
// generic value. Retryable failures (network errors, 429 after its pause,
// 5xx) are retried with exponential backoff up to maxAttempts total tries.
// 4xx responses and undecodable bodies fail immediately.
func (c *Client) get(ctx context.Context, fullURL string) (any, error) {
	var out any
	op := func() error {
		v, err := c.getOnce(ctx, fullURL)
		if err == nil {
			out = v
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		var decodeErr *DecodeError
		if errors.As(err, &decodeErr) {
			return backoff.Permanent(err)
		}
		log.Warn().Err(err).Str("url", fullURL).Msg("request failed, will retry")
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInitial
	bo.MaxInterval = c.retryMaxPause
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, maxAttempts-1), ctx))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) getOnce(ctx context.Context, fullURL string) (any, error) {
	if err := c.throttle(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("gymly: build request: %w", err)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.observe("network_error", time.Since(started))
		return nil, fmt.Errorf("gymly: %s: %w", fullURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.observe("rate_limited", time.Since(started))
		after := parseRetryAfter(resp.Header.Get("Retry-After"))
		log.Warn().Dur("retry_after", after).Str("url", fullURL).Msg("rate limited by server")
		if err := c.sleep(ctx, after); err != nil {
			return nil, err
		}
		return nil, &RateLimitError{RetryAfter: after}
	case resp.StatusCode >= 500:
		c.observe("server_error", time.Since(started))
		io.Copy(io.Discard, resp.Body)
		return nil, &ServerError{Status: resp.StatusCode, URL: fullURL}
	case resp.StatusCode >= 400:
		c.observe("client_error", time.Since(started))
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{Status: resp.StatusCode, URL: fullURL, Body: string(body)}
	}

	var v any
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		c.observe("decode_error", time.Since(started))
		return nil, &DecodeError{URL: fullURL, Err: err}
	}
	c.observe("ok", time.Since(started))
	return v, nil
}

func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultRetryAfter
}
