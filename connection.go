package redmine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"
)

// DefaultMaxResponseBytes caps how much of a response body is read into memory.
const DefaultMaxResponseBytes = 10 << 20

// AttemptFunc performs one attempt. It returns the completed exchange on a
// 2xx status and an error otherwise; non-2xx statuses are *StatusError.
type AttemptFunc func(ctx context.Context) (*Exchange, error)

// ConnectionManager owns the HTTP transport, the retry loop and the cached
// health signal for one backend. It is safe for concurrent use.
type ConnectionManager struct {
	httpClient    *http.Client
	baseURL       string
	policy        atomic.Pointer[RetryPolicy]
	health        *healthState
	classifier    ErrorClassifier
	limiter       *rate.Limiter
	breaker       *attemptBreaker
	logger        *slog.Logger
	stats         *retryStats
	healthPath    string
	healthTimeout time.Duration
	maxBodyBytes  int64
}

// NewConnectionManager creates a connection manager for baseURL authenticated with apiKey.
//
// Example:
//
//	conn, err := redmine.NewConnectionManager(
//	    "https://redmine.example.com",
//	    os.Getenv("REDMINE_API_KEY"),
//	    redmine.WithRetry(redmine.WithMaxRetries(5)),
//	)
func NewConnectionManager(baseURL, apiKey string, opts ...Option) (*ConnectionManager, error) {
	cfg := defaultClientConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return newConnectionManager(baseURL, apiKey, cfg)
}

func newConnectionManager(baseURL, apiKey string, cfg *clientConfig) (*ConnectionManager, error) {
	base, err := normalizeBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, &ConfigurationError{Reason: "API key is required"}
	}
	if err := cfg.policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.healthInterval <= 0 {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("health check interval must be > 0, got %s", cfg.healthInterval)}
	}

	c := &ConnectionManager{
		httpClient: newHTTPClient(cfg.httpClient, &headerTransport{
			header:    cfg.apiKeyHeader,
			apiKey:    apiKey,
			userAgent: cfg.userAgent,
		}),
		baseURL:       base,
		health:        newHealthState(base, cfg.healthInterval),
		classifier:    cfg.classifier,
		limiter:       cfg.limiter,
		logger:        cfg.logger,
		stats:         &retryStats{},
		healthPath:    cfg.healthPath,
		healthTimeout: cfg.healthTimeout,
		maxBodyBytes:  cfg.maxBodyBytes,
	}
	policy := cfg.policy
	c.policy.Store(&policy)

	if cfg.breaker != nil {
		c.breaker = newAttemptBreaker("redmine:"+base, cfg.breaker, cfg.logger)
	}
	return c, nil
}

// normalizeBaseURL requires an absolute http(s) URL and strips trailing slashes.
func normalizeBaseURL(raw string) (string, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
	if trimmed == "" {
		return "", &ConfigurationError{Reason: "base URL is required"}
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", &ConfigurationError{Reason: "invalid base URL", Err: err}
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", &ConfigurationError{Reason: fmt.Sprintf("base URL must be an absolute http(s) URL, got %q", raw)}
	}
	return trimmed, nil
}

// BaseURL returns the backend root without a trailing slash.
func (c *ConnectionManager) BaseURL() string {
	return c.baseURL
}

// Policy returns the retry policy currently in effect.
func (c *ConnectionManager) Policy() RetryPolicy {
	return *c.policy.Load()
}

// ConfigureRetry changes individual retry parameters. Requests already in
// their retry loop keep the policy they started with.
// An invalid resulting policy is rejected and the current one kept.
func (c *ConnectionManager) ConfigureRetry(opts ...RetryOption) error {
	for {
		current := c.policy.Load()
		next := current.With(opts...)
		if err := next.Validate(); err != nil {
			return err
		}
		if c.policy.CompareAndSwap(current, &next) {
			c.logger.Info("retry policy updated",
				"max_retries", next.MaxRetries,
				"base_delay", next.BaseDelay,
				"max_delay", next.MaxDelay,
				"backoff_factor", next.BackoffFactor,
				"timeout", next.Timeout)
			return nil
		}
	}
}

// ExecuteWithRetry runs fn under the retry policy. Each attempt gets its own
// timeout; retryable failures are retried up to MaxRetries times with jittered
// exponential backoff. The last error is returned once the budget is spent.
func (c *ConnectionManager) ExecuteWithRetry(ctx context.Context, fn AttemptFunc) (*Exchange, error) {
	ex, _, err := c.run(ctx, "custom", fn)
	return ex, err
}

// run is ExecuteWithRetry that also reports how many attempts were made.
func (c *ConnectionManager) run(ctx context.Context, op string, fn AttemptFunc) (*Exchange, int, error) {
	policy := c.Policy()

	if err := ctx.Err(); err != nil {
		c.logger.WarnContext(ctx, "context already done before request (expected condition)",
			"error", err)
		return nil, 0, err
	}

	var (
		response *Exchange
		attempts int
	)

	err := retry.Do(ctx, policy.backoff(), func(ctx context.Context) error {
		attempts++
		c.stats.attempt(attempts > 1)
		attemptsTotal.WithLabelValues(op).Inc()
		if attempts > 1 {
			retriesTotal.WithLabelValues(op).Inc()
		}

		ex, err := c.attempt(ctx, policy, fn)
		if err == nil {
			if attempts > 1 {
				c.logger.InfoContext(ctx, "request succeeded after retry",
					"attempts", attempts)
			}
			response = ex
			return nil
		}

		// The caller gave up; a done context would fail every further attempt.
		if ctx.Err() != nil {
			return err
		}

		if !c.classifier.IsRetryable(err) {
			c.logger.DebugContext(ctx, "non-retryable error, giving up",
				"error", err,
				"attempts", attempts)
			return err
		}

		c.logger.DebugContext(ctx, "retrying request after delay",
			"attempt", attempts,
			"max_retries", policy.MaxRetries,
			"error", err)
		return retry.RetryableError(err)
	})
	if err != nil {
		if attempts > policy.MaxRetries {
			c.logger.WarnContext(ctx, "request failed after retries",
				"attempts", attempts,
				"error", err)
		}
		c.stats.failure(err)
		if ctx.Err() == nil {
			c.health.mark(false)
		}
		return nil, attempts, err
	}

	c.stats.success()
	c.health.mark(true)
	return response, attempts, nil
}

// attempt applies the rate limiter, the per-attempt timeout and the circuit breaker.
func (c *ConnectionManager) attempt(ctx context.Context, policy RetryPolicy, fn AttemptFunc) (*Exchange, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
	defer cancel()

	var (
		ex  *Exchange
		err error
	)
	if c.breaker != nil {
		ex, err = c.breaker.execute(attemptCtx, fn)
	} else {
		ex, err = fn(attemptCtx)
	}
	if err == nil {
		return ex, nil
	}

	// The attempt ran out of time while the caller still waits.
	if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		var terr *TransportError
		if !errors.As(err, &terr) {
			return nil, &TransportError{
				Op:      "attempt",
				Timeout: true,
				Err:     fmt.Errorf("%w: %w", jperrors.NewTimeoutError("attempt timed out", "attempt", policy.Timeout), err),
			}
		}
	}
	return nil, err
}

// httpAttempt builds the AttemptFunc for one HTTP exchange. A fresh request is
// built for every attempt so the body can be replayed.
func (c *ConnectionManager) httpAttempt(method Method, fullURL string, payload []byte, requestID string) AttemptFunc {
	return func(ctx context.Context) (*Exchange, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method.String(), fullURL, body)
		if err != nil {
			return nil, &ConfigurationError{Reason: "cannot build request", Err: err}
		}
		if requestID != "" {
			req.Header.Set("X-Request-Id", requestID)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, newTransportError(method.String(), err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes+1))
		if err != nil {
			return nil, newTransportError(method.String(), err)
		}
		tooLarge := int64(len(raw)) > c.maxBodyBytes

		// Non-2xx bodies only feed envelope details and are kept cut to the limit.
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			if tooLarge {
				raw = raw[:c.maxBodyBytes]
			}
			return nil, &StatusError{Code: resp.StatusCode, Body: raw, Header: resp.Header}
		}
		if tooLarge {
			return nil, &ResponseTooLargeError{StatusCode: resp.StatusCode, Limit: c.maxBodyBytes}
		}
		return &Exchange{StatusCode: resp.StatusCode, Body: raw, Header: resp.Header}, nil
	}
}

// buildURL joins path onto the base URL and appends the encoded query.
// Query keys are emitted in sorted order.
func (c *ConnectionManager) buildURL(path string, query map[string]string) string {
	full := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) == 0 {
		return full
	}

	values := make(url.Values, len(query))
	for k, v := range query {
		values.Set(k, v)
	}
	return full + "?" + values.Encode()
}

// HealthCheck reports whether the backend is reachable and accepts the API key.
// A result younger than the check interval is served from cache. A probe is a
// single GET of the identity endpoint with its own short timeout; it is never
// retried and never returns an error.
func (c *ConnectionManager) HealthCheck(ctx context.Context) bool {
	if healthy, fresh := c.health.cached(time.Now()); fresh {
		return healthy
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	probe := c.httpAttempt(MethodGet, c.buildURL(c.healthPath, nil), nil, uuid.NewString())
	_, err := probe(probeCtx)

	// A probe cut short by the caller says nothing about the backend.
	if ctx.Err() != nil {
		c.logger.DebugContext(ctx, "health check abandoned by caller",
			"path", c.healthPath,
			"error", ctx.Err())
		return false
	}

	healthy := err == nil
	if healthy {
		c.logger.DebugContext(ctx, "health check passed", "path", c.healthPath)
	} else {
		c.logger.WarnContext(ctx, "health check failed",
			"path", c.healthPath,
			"error", err)
	}

	c.health.record(healthy, time.Now())
	return healthy
}

// Health returns the cached health without probing.
func (c *ConnectionManager) Health() ConnectionHealth {
	return c.health.snapshot()
}

// Stats returns a snapshot of the retry counters.
func (c *ConnectionManager) Stats() RetryStats {
	return c.stats.snapshot()
}

// Circuit returns the circuit breaker status. Enabled is false without a breaker.
func (c *ConnectionManager) Circuit() CircuitStatus {
	return c.breaker.status()
}

// headerTransport sets authentication and content negotiation headers on every request.
type headerTransport struct {
	base      http.RoundTripper
	header    string
	apiKey    string
	userAgent string
}

// RoundTrip implements http.RoundTripper. The request is cloned, never modified.
func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set(t.header, t.apiKey)
	r.Header.Set("Accept", "application/json")
	if r.Body != nil && r.Header.Get("Content-Type") == "" {
		r.Header.Set("Content-Type", "application/json")
	}
	if t.userAgent != "" {
		r.Header.Set("User-Agent", t.userAgent)
	}
	return t.base.RoundTrip(r)
}

// newHTTPClient wraps the transport of hc, or of a pooled default client,
// with the header transport. hc itself is copied, not modified.
func newHTTPClient(hc *http.Client, headers *headerTransport) *http.Client {
	var client http.Client
	if hc != nil {
		client = *hc
	}

	base := client.Transport
	if base == nil {
		base = defaultTransport()
	}
	headers.base = base
	client.Transport = headers
	return &client
}

func defaultTransport() http.RoundTripper {
	transport, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	t := transport.Clone()
	t.MaxIdleConns = 100
	t.MaxIdleConnsPerHost = 10
	t.IdleConnTimeout = 90 * time.Second
	return t
}
