package redmine

import (
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/kelseyhightower/envconfig"
)

// envPrefix is prepended to every environment variable read by LoadConfig.
const envPrefix = "REDMINE"

// Config holds client settings loaded from the environment.
type Config struct {
	// Backend connection
	URL    string `envconfig:"URL" required:"true"`
	APIKey string `envconfig:"API_KEY" required:"true"`

	// Retry policy
	MaxRetries    int           `envconfig:"MAX_RETRIES" default:"3"`
	BaseDelay     time.Duration `envconfig:"BASE_DELAY" default:"1s"`
	MaxDelay      time.Duration `envconfig:"MAX_DELAY" default:"60s"`
	BackoffFactor float64       `envconfig:"BACKOFF_FACTOR" default:"2.0"`
	Timeout       time.Duration `envconfig:"TIMEOUT" default:"30s"`

	HealthCheckInterval time.Duration `envconfig:"HEALTH_CHECK_INTERVAL" default:"300s"`

	// Optional client-side throttling; 0 disables it.
	RateLimit float64 `envconfig:"RATE_LIMIT" default:"0"`
	RateBurst int     `envconfig:"RATE_BURST" default:"1"`

	CircuitBreaker bool `envconfig:"CIRCUIT_BREAKER" default:"false"`
}

// LoadConfig reads REDMINE_* environment variables and validates the result.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, &ConfigurationError{Reason: "failed to process environment variables", Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required values and ranges.
func (c *Config) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.URL, validation.Required),
		validation.Field(&c.APIKey, validation.Required),
		validation.Field(&c.HealthCheckInterval, validation.Required),
		validation.Field(&c.RateLimit, validation.Min(0.0)),
		validation.Field(&c.RateBurst, validation.Min(0)),
	)
	if err != nil {
		return &ConfigurationError{Reason: "invalid configuration", Err: err}
	}

	if _, err := normalizeBaseURL(c.URL); err != nil {
		return err
	}
	return c.RetryPolicy().Validate()
}

// RetryPolicy returns the retry policy described by c.
// The jitter range is not configurable from the environment.
func (c *Config) RetryPolicy() RetryPolicy {
	return DefaultRetryPolicy().With(
		WithMaxRetries(c.MaxRetries),
		WithBaseDelay(c.BaseDelay),
		WithMaxDelay(c.MaxDelay),
		WithBackoffFactor(c.BackoffFactor),
		WithTimeout(c.Timeout),
	)
}

// Options converts c into client options. Options passed to NewFromConfig
// are applied after these and take precedence.
func (c *Config) Options() []Option {
	opts := []Option{
		WithRetryPolicy(c.RetryPolicy()),
		WithHealthCheckInterval(c.HealthCheckInterval),
	}
	if c.RateLimit > 0 {
		opts = append(opts, WithRateLimit(c.RateLimit, c.RateBurst))
	}
	if c.CircuitBreaker {
		opts = append(opts, WithCircuitBreaker())
	}
	return opts
}

// NewFromConfig validates cfg and creates a client from it.
func NewFromConfig(cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, &ConfigurationError{Reason: "config is nil"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("redmine: %w", err)
	}
	return New(cfg.URL, cfg.APIKey, append(cfg.Options(), opts...)...)
}
