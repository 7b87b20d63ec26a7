package redmine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"syscall"

	jperrors "github.com/JohnPlummer/jp-go-errors"
)

// ErrorClassifier determines whether a failed attempt should be retried.
// Implement this interface to customize retry behavior for your deployment.
type ErrorClassifier interface {
	// IsRetryable returns true if the error represents a transient failure
	// that should be retried.
	IsRetryable(err error) bool
}

// HTTPError represents an error with an associated HTTP status code.
type HTTPError interface {
	error
	StatusCode() int
}

// HTTPStatusClassifier provides HTTP status code-based error classification.
// Network errors, timeouts and the configured statuses are retryable;
// every other HTTP status and any error it cannot place fails fast.
type HTTPStatusClassifier struct {
	// RetryableStatuses lists HTTP status codes that should trigger retries.
	// Defaults to 408, 429 and every 5xx if nil.
	RetryableStatuses []int
}

// NewHTTPStatusClassifier creates a classifier with the default retryable statuses.
func NewHTTPStatusClassifier() *HTTPStatusClassifier {
	return &HTTPStatusClassifier{}
}

// DefaultErrorClassifier treats connection errors, timeouts, 408, 429 and 5xx as retryable.
func DefaultErrorClassifier() ErrorClassifier {
	return NewHTTPStatusClassifier()
}

// IsRetryable implements ErrorClassifier.
func (c *HTTPStatusClassifier) IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Caller cancellation is checked first: retrying with a done context fails immediately.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var verr *ValidationError
	var cerr *ConfigurationError
	var jerr *InvalidJSONError
	var lerr *ResponseTooLargeError
	if errors.As(err, &verr) || errors.As(err, &cerr) || errors.As(err, &jerr) || errors.As(err, &lerr) {
		return false
	}
	if errors.Is(err, jperrors.ErrCircuitOpen) || errors.Is(err, jperrors.ErrCircuitTooManyRequests) {
		return false
	}

	if errors.Is(err, jperrors.ErrRateLimited) || jperrors.IsTimeout(err) {
		return true
	}

	var terr *TransportError
	if errors.As(err, &terr) || isTimeout(err) || isConnectionError(err) {
		return true
	}

	statusCode := extractStatusCode(err)
	if statusCode == 0 {
		return false
	}

	if c.RetryableStatuses != nil {
		return containsStatus(c.RetryableStatuses, statusCode)
	}
	return isTransientStatus(statusCode)
}

// isTransientStatus is the default retryable status set.
func isTransientStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		(code >= 500 && code <= 599)
}

// extractStatusCode returns the HTTP status carried by err, or 0.
func extractStatusCode(err error) int {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode()
	}
	return 0
}

// containsStatus checks if a status code is in the list.
func containsStatus(statuses []int, status int) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

// StatusError is a completed HTTP exchange with a non-2xx status.
// It keeps the raw body so the error handler can surface backend messages.
type StatusError struct {
	Code   int
	Body   []byte
	Header http.Header
}

// NewStatusError creates a StatusError without body or headers.
// This is useful for custom attempt functions and tests.
func NewStatusError(code int) *StatusError {
	return &StatusError{Code: code}
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d %s", e.Code, http.StatusText(e.Code))
}

// StatusCode returns the HTTP status code.
func (e *StatusError) StatusCode() int {
	return e.Code
}

// Is lets a 429 match jperrors.ErrRateLimited.
func (e *StatusError) Is(target error) bool {
	return target == jperrors.ErrRateLimited && e.Code == http.StatusTooManyRequests
}

// TransportError is a failed attempt that never produced an HTTP response.
type TransportError struct {
	Op      string
	Timeout bool
	Err     error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	kind := "connection error"
	if e.Timeout {
		kind = "timeout"
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, kind, e.Err)
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// newTransportError classifies a transport-level failure as a timeout or a connection error.
func newTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Timeout: isTimeout(err), Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || jperrors.IsTimeout(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// isConnectionError reports whether err is a socket, DNS or URL-level failure.
func isConnectionError(err error) bool {
	var opErr *net.OpError
	var dnsErr *net.DNSError
	var urlErr *url.Error
	return errors.As(err, &opErr) ||
		errors.As(err, &dnsErr) ||
		errors.As(err, &urlErr) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET)
}

// Validation phases. Each phase short-circuits the next.
const (
	PhaseRequired = "required"
	PhaseType     = "type"
	PhaseNonEmpty = "non_empty"
)

// ValidationError is an outgoing body that failed its schema.
// It is produced before any network call.
type ValidationError struct {
	Phase       string
	FieldErrors map[string]string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	fields := e.Fields()
	switch e.Phase {
	case PhaseRequired:
		return "missing required fields: " + strings.Join(fields, ", ")
	case PhaseType:
		return "invalid field types: " + strings.Join(fields, ", ")
	case PhaseNonEmpty:
		return "fields cannot be empty: " + strings.Join(fields, ", ")
	default:
		return "validation failed: " + strings.Join(fields, ", ")
	}
}

// Fields returns the failing field names in sorted order.
func (e *ValidationError) Fields() []string {
	fields := make([]string, 0, len(e.FieldErrors))
	for f := range e.FieldErrors {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// InvalidJSONError is a successful status whose body could not be decoded.
type InvalidJSONError struct {
	StatusCode int
	Body       []byte
	Err        error
}

// Error implements the error interface.
func (e *InvalidJSONError) Error() string {
	return fmt.Sprintf("invalid JSON in HTTP %d response: %v", e.StatusCode, e.Err)
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *InvalidJSONError) Unwrap() error {
	return e.Err
}

// ResponseTooLargeError is a response whose body exceeded the read limit.
// The body is discarded rather than decoded in part.
type ResponseTooLargeError struct {
	StatusCode int
	Limit      int64
}

// Error implements the error interface.
func (e *ResponseTooLargeError) Error() string {
	return fmt.Sprintf("HTTP %d response body exceeds %d bytes", e.StatusCode, e.Limit)
}

// ConfigurationError reports misuse of the client itself.
type ConfigurationError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return "configuration error: " + e.Reason
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
