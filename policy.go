package redmine

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/sethvargo/go-retry"
)

// JitterRange bounds the multiplicative jitter applied to every backoff delay.
// A factor is drawn uniformly from [Low, High).
type JitterRange struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// RetryPolicy holds retry configuration for a client.
// A RetryPolicy is a plain value: the connection manager stores it behind an
// atomic pointer and every request loop works on the snapshot it started with.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt.
	// A request makes at most MaxRetries+1 attempts.
	// Default: 3
	MaxRetries int `json:"max_retries"`

	// BaseDelay is the delay before the first retry, before jitter.
	// Default: 1 second
	BaseDelay time.Duration `json:"base_delay"`

	// MaxDelay caps the exponential delay before jitter is applied.
	// Default: 60 seconds
	MaxDelay time.Duration `json:"max_delay"`

	// BackoffFactor is the exponential growth rate.
	// delay(n) = min(BaseDelay * BackoffFactor^n, MaxDelay) * jitter
	// Default: 2.0
	BackoffFactor float64 `json:"backoff_factor"`

	// Jitter is the multiplicative jitter range.
	// Default: [0.5, 1.5)
	Jitter JitterRange `json:"jitter"`

	// Timeout bounds a single attempt. It never applies to the retry loop as a whole.
	// Default: 30 seconds
	Timeout time.Duration `json:"timeout"`
}

// RetryOption is a functional option for configuring retry behavior.
type RetryOption func(*RetryPolicy)

// DefaultRetryPolicy returns the retry policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		BaseDelay:     time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        JitterRange{Low: 0.5, High: 1.5},
		Timeout:       30 * time.Second,
	}
}

// WithMaxRetries sets the number of retries after the initial attempt.
//
// Example:
//
//	client.ConfigureRetry(redmine.WithMaxRetries(5)) // up to 6 attempts
func WithMaxRetries(n int) RetryOption {
	return func(p *RetryPolicy) {
		p.MaxRetries = n
	}
}

// WithBaseDelay sets the delay before the first retry.
func WithBaseDelay(d time.Duration) RetryOption {
	return func(p *RetryPolicy) {
		p.BaseDelay = d
	}
}

// WithMaxDelay sets the cap on the pre-jitter delay.
func WithMaxDelay(d time.Duration) RetryOption {
	return func(p *RetryPolicy) {
		p.MaxDelay = d
	}
}

// WithBackoffFactor sets the exponential growth rate.
//
// Example:
//
//	redmine.WithBackoffFactor(1.5)
//	// With BaseDelay=1s: ~1s, ~1.5s, ~2.25s, ~3.375s, ...
func WithBackoffFactor(f float64) RetryOption {
	return func(p *RetryPolicy) {
		p.BackoffFactor = f
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) RetryOption {
	return func(p *RetryPolicy) {
		p.Timeout = d
	}
}

// WithJitterRange sets the multiplicative jitter range.
func WithJitterRange(low, high float64) RetryOption {
	return func(p *RetryPolicy) {
		p.Jitter = JitterRange{Low: low, High: high}
	}
}

// With returns a copy of p with opts applied. p itself is never modified.
func (p RetryPolicy) With(opts ...RetryOption) RetryPolicy {
	for _, opt := range opts {
		if opt != nil {
			opt(&p)
		}
	}
	return p
}

// Validate checks that every field is in range.
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxRetries < 0:
		return &ConfigurationError{Reason: fmt.Sprintf("max_retries must be >= 0, got %d", p.MaxRetries)}
	case p.BaseDelay <= 0:
		return &ConfigurationError{Reason: fmt.Sprintf("base_delay must be > 0, got %s", p.BaseDelay)}
	case p.MaxDelay <= 0:
		return &ConfigurationError{Reason: fmt.Sprintf("max_delay must be > 0, got %s", p.MaxDelay)}
	case !(p.BackoffFactor > 1) || math.IsInf(p.BackoffFactor, 0):
		return &ConfigurationError{Reason: fmt.Sprintf("backoff_factor must be > 1, got %v", p.BackoffFactor)}
	case p.Timeout <= 0:
		return &ConfigurationError{Reason: fmt.Sprintf("timeout must be > 0, got %s", p.Timeout)}
	case p.Jitter.Low < 0 || p.Jitter.High < p.Jitter.Low:
		return &ConfigurationError{Reason: fmt.Sprintf("invalid jitter range [%v, %v)", p.Jitter.Low, p.Jitter.High)}
	}
	return nil
}

// DelayFor returns the jittered backoff delay to sleep after the given
// zero-based attempt failed.
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	return p.DelayWithJitter(attempt, p.drawJitter())
}

// DelayWithJitter computes the delay for attempt using a fixed jitter factor.
// The factor is clamped into the policy's jitter range, so the result never
// exceeds MaxDelay * Jitter.High.
func (p RetryPolicy) DelayWithJitter(attempt int, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if jitter < p.Jitter.Low {
		jitter = p.Jitter.Low
	}
	if jitter > p.Jitter.High {
		jitter = p.Jitter.High
	}

	raw := float64(p.BaseDelay) * math.Pow(p.BackoffFactor, float64(attempt))
	if math.IsNaN(raw) || math.IsInf(raw, 0) || raw > float64(p.MaxDelay) {
		raw = float64(p.MaxDelay)
	}
	if raw < 0 {
		raw = 0
	}

	return time.Duration(raw * jitter)
}

func (p RetryPolicy) drawJitter() float64 {
	span := p.Jitter.High - p.Jitter.Low
	if span <= 0 {
		return p.Jitter.Low
	}
	return p.Jitter.Low + rand.Float64()*span
}

// backoff adapts the policy to a go-retry Backoff.
// Note: retry.Do() counts the initial attempt, so MaxRetries maps directly onto WithMaxRetries.
func (p RetryPolicy) backoff() retry.Backoff {
	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	attempt := 0
	return retry.WithMaxRetries(
		uint64(maxRetries), // #nosec G115 - bounds checked above
		retry.BackoffFunc(func() (time.Duration, bool) {
			d := p.DelayFor(attempt)
			attempt++
			return d, false
		}),
	)
}
