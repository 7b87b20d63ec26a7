package redmine

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultAPIKeyHeader carries the API key on every request.
const DefaultAPIKeyHeader = "X-Redmine-API-Key"

// Option is a functional option for configuring a Client or ConnectionManager.
type Option func(*clientConfig)

// clientConfig collects options before the connection manager is built.
type clientConfig struct {
	logger         *slog.Logger
	httpClient     *http.Client
	policy         RetryPolicy
	classifier     ErrorClassifier
	healthInterval time.Duration
	healthTimeout  time.Duration
	healthPath     string
	apiKeyHeader   string
	userAgent      string
	limiter        *rate.Limiter
	breaker        *CircuitBreakerConfig
	schemas        map[schemaKey]*Schema
	maxBodyBytes   int64
}

func defaultClientConfig() *clientConfig {
	return &clientConfig{
		logger:         slog.Default(),
		policy:         DefaultRetryPolicy(),
		classifier:     DefaultErrorClassifier(),
		healthInterval: DefaultHealthCheckInterval,
		healthTimeout:  DefaultHealthCheckTimeout,
		healthPath:     DefaultHealthCheckPath,
		apiKeyHeader:   DefaultAPIKeyHeader,
		userAgent:      "jp-go-redmine",
		schemas:        make(map[schemaKey]*Schema),
		maxBodyBytes:   DefaultMaxResponseBytes,
	}
}

// WithLogger sets the structured logger.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
//	redmine.WithLogger(logger)
func WithLogger(logger *slog.Logger) Option {
	return func(c *clientConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient supplies the underlying HTTP client. It must be safe for
// concurrent use; its transport is wrapped, the client itself is not modified.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *clientConfig) {
		c.httpClient = hc
	}
}

// WithRetryPolicy replaces the whole retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *clientConfig) {
		c.policy = p
	}
}

// WithRetry adjusts individual fields of the retry policy.
//
// Example:
//
//	redmine.WithRetry(redmine.WithMaxRetries(5), redmine.WithBaseDelay(500*time.Millisecond))
func WithRetry(opts ...RetryOption) Option {
	return func(c *clientConfig) {
		c.policy = c.policy.With(opts...)
	}
}

// WithErrorClassifier sets a custom error classifier for retry decisions.
func WithErrorClassifier(classifier ErrorClassifier) Option {
	return func(c *clientConfig) {
		if classifier != nil {
			c.classifier = classifier
		}
	}
}

// WithHealthCheckInterval sets how long a health probe result is reused.
func WithHealthCheckInterval(d time.Duration) Option {
	return func(c *clientConfig) {
		c.healthInterval = d
	}
}

// WithHealthCheckPath overrides the identity endpoint used by the health probe.
func WithHealthCheckPath(p string) Option {
	return func(c *clientConfig) {
		c.healthPath = "/" + strings.TrimLeft(p, "/")
	}
}

// WithAPIKeyHeader overrides the header name carrying the API key.
func WithAPIKeyHeader(name string) Option {
	return func(c *clientConfig) {
		if name != "" {
			c.apiKeyHeader = name
		}
	}
}

// WithMaxResponseBytes caps how much of a response body is read.
// Larger responses fail with *ResponseTooLargeError. Values <= 0 are ignored.
func WithMaxResponseBytes(n int64) Option {
	return func(c *clientConfig) {
		if n > 0 {
			c.maxBodyBytes = n
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *clientConfig) {
		c.userAgent = ua
	}
}

// WithRateLimit throttles attempts client-side to rps requests per second
// with the given burst. Each attempt, including retries, takes a token.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *clientConfig) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithCircuitBreaker guards every attempt with a circuit breaker.
// While the circuit is open, attempts fail immediately with SERVICE_UNAVAILABLE
// and are not retried.
//
// Example:
//
//	redmine.WithCircuitBreaker(
//	    redmine.WithBreakerTimeout(60*time.Second),
//	    redmine.WithMaxRequests(5),
//	)
func WithCircuitBreaker(opts ...CircuitBreakerOption) Option {
	return func(c *clientConfig) {
		cfg := DefaultCircuitBreakerConfig()
		for _, opt := range opts {
			opt(cfg)
		}
		c.breaker = cfg
	}
}

// WithSchema declares the body schema for a method and path. Bodies sent to
// that endpoint are validated before any network call.
//
// Example:
//
//	redmine.WithSchema(redmine.MethodPost, "issues.json", &redmine.Schema{
//	    Required: []string{"project_id", "subject"},
//	})
func WithSchema(method Method, path string, schema *Schema) Option {
	return func(c *clientConfig) {
		c.schemas[newSchemaKey(method, path)] = schema
	}
}

type schemaKey struct {
	method Method
	path   string
}

func newSchemaKey(method Method, path string) schemaKey {
	return schemaKey{method: method, path: strings.Trim(path, "/")}
}

// CircuitBreakerConfig holds circuit breaker configuration options.
type CircuitBreakerConfig struct {
	// ReadyToTrip is called with a copy of counts whenever a request fails in the closed state.
	// If ReadyToTrip returns true, the circuit breaker will be placed into the open state.
	// Default: trips at a 60% failure ratio once 3 requests were seen
	ReadyToTrip func(counts CircuitBreakerCounts) bool

	// ErrorClassifier determines which errors should trip the circuit breaker.
	// Default: HTTPStatusClassifier
	ErrorClassifier CircuitBreakerErrorClassifier

	// OnStateChange is called whenever the circuit breaker changes state.
	OnStateChange func(name string, from, to CircuitBreakerState)

	// Interval is the cyclic period of the closed state for the circuit breaker
	// to clear the internal counts. If 0, never clears.
	// Default: 10 seconds
	Interval time.Duration

	// Timeout is the period of the open state, after which the state becomes half-open.
	// Default: 30 seconds
	Timeout time.Duration

	// MaxRequests is the maximum number of requests allowed to pass through
	// when the circuit breaker is in the half-open state.
	// Default: 3
	MaxRequests uint32
}

// CircuitBreakerOption is a functional option for configuring circuit breaker behavior.
type CircuitBreakerOption func(*CircuitBreakerConfig)

// CircuitBreakerCounts holds the internal counts of the circuit breaker.
type CircuitBreakerCounts struct {
	Requests             uint32 `json:"requests"`
	TotalSuccesses       uint32 `json:"total_successes"`
	TotalFailures        uint32 `json:"total_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
}

// CircuitBreakerState represents the state of the circuit breaker.
type CircuitBreakerState int

const (
	// StateClosed means the circuit is closed and requests flow normally.
	StateClosed CircuitBreakerState = iota

	// StateHalfOpen means the circuit is testing if the backend has recovered.
	StateHalfOpen

	// StateOpen means the circuit is open and requests are rejected immediately.
	StateOpen
)

// String returns the string representation of the circuit breaker state.
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// WithMaxRequests sets the maximum number of requests in half-open state.
func WithMaxRequests(maxRequests uint32) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.MaxRequests = maxRequests
	}
}

// WithInterval sets the interval for clearing counts in closed state.
func WithInterval(interval time.Duration) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Interval = interval
	}
}

// WithBreakerTimeout sets how long the circuit stays open before probing again.
func WithBreakerTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Timeout = timeout
	}
}

// WithReadyToTrip sets a custom function to determine when to trip the circuit.
//
// Example:
//
//	redmine.WithReadyToTrip(func(counts redmine.CircuitBreakerCounts) bool {
//	    return counts.ConsecutiveFailures >= 3
//	})
func WithReadyToTrip(fn func(counts CircuitBreakerCounts) bool) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.ReadyToTrip = fn
	}
}

// WithCircuitBreakerErrorClassifier sets a custom error classifier for circuit breaker decisions.
func WithCircuitBreakerErrorClassifier(classifier CircuitBreakerErrorClassifier) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.ErrorClassifier = classifier
	}
}

// WithStateChangeHandler sets a callback for circuit breaker state changes.
func WithStateChangeHandler(fn func(name string, from, to CircuitBreakerState)) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.OnStateChange = fn
	}
}

// DefaultCircuitBreakerConfig returns circuit breaker configuration with sensible defaults.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts CircuitBreakerCounts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		ErrorClassifier: NewHTTPStatusClassifier(),
	}
}
