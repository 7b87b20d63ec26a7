package redmine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sony/gobreaker/v2"
)

// CircuitBreakerErrorClassifier determines which failed attempts count
// against the circuit breaker.
type CircuitBreakerErrorClassifier interface {
	// ShouldTripCircuit returns true if the error indicates backend trouble.
	ShouldTripCircuit(err error) bool
}

// ShouldTripCircuit implements CircuitBreakerErrorClassifier.
// Connection failures and 5xx responses count; client errors, rate limits,
// timeouts and caller cancellation do not.
func (c *HTTPStatusClassifier) ShouldTripCircuit(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, jperrors.ErrRateLimited) || jperrors.IsTimeout(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var lerr *ResponseTooLargeError
	if errors.As(err, &lerr) {
		return false
	}

	var terr *TransportError
	if errors.As(err, &terr) {
		return !terr.Timeout
	}

	statusCode := extractStatusCode(err)
	if statusCode == 0 {
		return true
	}
	return statusCode >= http.StatusInternalServerError && statusCode != http.StatusGatewayTimeout
}

// CircuitStatus is a snapshot of the circuit breaker guarding the attempts.
type CircuitStatus struct {
	// Enabled is false when the client runs without a circuit breaker.
	Enabled bool `json:"enabled"`

	// State is "closed", "half-open" or "open".
	State string `json:"state,omitempty"`

	// Counts are the breaker counters for the current interval.
	Counts CircuitBreakerCounts `json:"counts"`
}

// attemptBreaker guards single attempts, never the whole retry loop,
// so every retry is observed by the breaker.
type attemptBreaker struct {
	cb         *gobreaker.CircuitBreaker[*Exchange]
	logger     *slog.Logger
	classifier CircuitBreakerErrorClassifier
}

func newAttemptBreaker(name string, config *CircuitBreakerConfig, logger *slog.Logger) *attemptBreaker {
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = NewHTTPStatusClassifier()
	}
	classifier := config.ErrorClassifier

	readyToTrip := config.ReadyToTrip
	if readyToTrip == nil {
		readyToTrip = DefaultCircuitBreakerConfig().ReadyToTrip
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return readyToTrip(convertCounts(counts))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())

			if config.OnStateChange != nil {
				config.OnStateChange(name, convertGobreakerState(from), convertGobreakerState(to))
			}
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return !classifier.ShouldTripCircuit(err)
		},
	}

	return &attemptBreaker{
		cb:         gobreaker.NewCircuitBreaker[*Exchange](settings),
		logger:     logger,
		classifier: classifier,
	}
}

// execute runs one attempt through the breaker. Rejections are wrapped so
// errors.Is matches jperrors.ErrCircuitOpen or jperrors.ErrCircuitTooManyRequests.
func (b *attemptBreaker) execute(ctx context.Context, fn AttemptFunc) (*Exchange, error) {
	ex, err := b.cb.Execute(func() (*Exchange, error) {
		return fn(ctx)
	})
	if err == nil {
		return ex, nil
	}

	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		b.logger.WarnContext(ctx, "circuit breaker is open, attempt rejected",
			"state", b.cb.State().String())
		return nil, fmt.Errorf("%w: %w", jperrors.ErrCircuitOpen, b.rejection(err, "attempt rejected", "open"))
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		b.logger.DebugContext(ctx, "circuit breaker in half-open state, too many requests")
		return nil, fmt.Errorf("%w: %w", jperrors.ErrCircuitTooManyRequests,
			b.rejection(err, "too many requests in half-open state", "half-open"))
	default:
		b.logger.DebugContext(ctx, "attempt failed through circuit breaker",
			"error", err,
			"should_trip", b.classifier.ShouldTripCircuit(err))
		return ex, err
	}
}

func (b *attemptBreaker) rejection(cause error, msg, state string) error {
	counts := b.cb.Counts()
	return jperrors.NewCircuitBreakerError(
		msg,
		"execute",
		state,
		jperrors.WithCause(cause),
		jperrors.WithCounts(jperrors.CircuitCounts{
			Requests:             counts.Requests,
			TotalSuccesses:       counts.TotalSuccesses,
			TotalFailures:        counts.TotalFailures,
			ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
			ConsecutiveFailures:  counts.ConsecutiveFailures,
		}),
	)
}

func (b *attemptBreaker) status() CircuitStatus {
	if b == nil {
		return CircuitStatus{}
	}
	return CircuitStatus{
		Enabled: true,
		State:   convertGobreakerState(b.cb.State()).String(),
		Counts:  convertCounts(b.cb.Counts()),
	}
}

func convertCounts(counts gobreaker.Counts) CircuitBreakerCounts {
	return CircuitBreakerCounts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

// convertGobreakerState converts gobreaker.State to our CircuitBreakerState.
func convertGobreakerState(state gobreaker.State) CircuitBreakerState {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}
