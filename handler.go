package redmine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"unicode/utf8"

	jperrors "github.com/JohnPlummer/jp-go-errors"
)

// StatusClientClosedRequest is reported when the caller canceled the context.
const StatusClientClosedRequest = 499

// maxBodyDetail bounds the response body copied into envelope details.
const maxBodyDetail = 1024

// RequestContext describes the call an error belongs to.
// It is created per call and only read by the error handler.
type RequestContext struct {
	Method    Method
	URL       string
	Query     map[string]string
	RequestID string
	Attempts  int
}

// asMap renders the non-empty fields for the envelope context.
func (rc RequestContext) asMap() map[string]any {
	m := make(map[string]any, 4)
	if rc.Method.Valid() {
		m["method"] = rc.Method.String()
	}
	if rc.URL != "" {
		m["url"] = rc.URL
	}
	if len(rc.Query) > 0 {
		m["query"] = rc.Query
	}
	if rc.RequestID != "" {
		m["request_id"] = rc.RequestID
	}
	if rc.Attempts > 0 {
		m["attempts"] = rc.Attempts
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// ErrorHandler converts failures into ErrorEnvelopes and logs each one.
// Logging is part of building the envelope; callers never log separately.
type ErrorHandler struct {
	logger *slog.Logger
}

// NewErrorHandler creates an error handler. A nil logger falls back to slog.Default().
func NewErrorHandler(logger *slog.Logger) *ErrorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorHandler{logger: logger}
}

// Handle maps any error to an envelope. Typed errors from this package are
// matched first, then transport failures, then the unexpected-error bucket.
func (h *ErrorHandler) Handle(ctx context.Context, err error, rc RequestContext) *ErrorEnvelope {
	var (
		verr *ValidationError
		cerr *ConfigurationError
		jerr *InvalidJSONError
		lerr *ResponseTooLargeError
		serr *StatusError
		terr *TransportError
		env  *ErrorEnvelope
	)

	switch {
	case err == nil:
		return h.HandleUnexpected(ctx, errors.New("nil error"), rc)
	case errors.As(err, &env):
		return env
	case errors.As(err, &verr):
		return h.HandleValidation(ctx, verr, rc)
	case errors.As(err, &cerr):
		return h.HandleConfiguration(ctx, cerr, rc)
	case errors.As(err, &jerr):
		return h.HandleInvalidJSON(ctx, jerr, rc)
	case errors.As(err, &lerr):
		e := newEnvelope(CodeServer, http.StatusBadGateway, "Response too large: "+lerr.Error())
		e.Details = map[string]any{
			"response_status": lerr.StatusCode,
			"limit_bytes":     lerr.Limit,
		}
		return h.emit(ctx, e, rc)
	case errors.As(err, &serr):
		return h.HandleHTTPStatus(ctx, serr.Code, serr.Body, rc)
	case errors.Is(err, jperrors.ErrCircuitOpen), errors.Is(err, jperrors.ErrCircuitTooManyRequests):
		e := newEnvelope(CodeServiceUnavailable, http.StatusServiceUnavailable,
			"Circuit breaker open: backend temporarily rejected")
		e.Details = map[string]any{"reason": err.Error()}
		return h.emit(ctx, e, rc)
	case errors.Is(err, context.Canceled):
		e := newEnvelope(CodeRequest, StatusClientClosedRequest, "Request canceled by caller")
		return h.emit(ctx, e, rc)
	case errors.As(err, &terr):
		return h.HandleTransport(ctx, terr, rc)
	case isTimeout(err), isConnectionError(err):
		return h.HandleTransport(ctx, newTransportError(rc.Method.String(), err), rc)
	default:
		if code := extractStatusCode(err); code >= 400 {
			return h.HandleHTTPStatus(ctx, code, nil, rc)
		}
		return h.HandleUnexpected(ctx, err, rc)
	}
}

// HandleValidation reports a body that failed its schema. Status is always 400.
func (h *ErrorHandler) HandleValidation(ctx context.Context, verr *ValidationError, rc RequestContext) *ErrorEnvelope {
	e := newEnvelope(CodeValidation, http.StatusBadRequest, "Validation failed: "+verr.Error())
	fieldErrors := make(map[string]any, len(verr.FieldErrors))
	for field, reason := range verr.FieldErrors {
		fieldErrors[field] = reason
	}
	e.Details = map[string]any{
		"phase":        verr.Phase,
		"field_errors": fieldErrors,
	}
	return h.emit(ctx, e, rc)
}

// HandleHTTPStatus maps a non-2xx status through the fixed status table.
// Backend error text is appended to the message; it never changes the code.
func (h *ErrorHandler) HandleHTTPStatus(ctx context.Context, status int, body []byte, rc RequestContext) *ErrorEnvelope {
	code := CodeForStatus(status)
	message := fmt.Sprintf("%s (HTTP %d)", statusSummary(code, status), status)

	var details map[string]any
	if trimmed := strings.TrimSpace(string(body)); trimmed != "" {
		details = map[string]any{"response_body": truncate(trimmed, maxBodyDetail)}
		if text, raw := backendErrors(body); text != "" {
			message += ": " + text
			details["errors"] = raw
		}
	}

	e := newEnvelope(code, status, message)
	e.Details = details
	return h.emit(ctx, e, rc)
}

// HandleTransport maps failures that never produced a response.
// Timeouts are TIMEOUT_ERROR/504, everything else CONNECTION_ERROR/503.
func (h *ErrorHandler) HandleTransport(ctx context.Context, terr *TransportError, rc RequestContext) *ErrorEnvelope {
	var e *ErrorEnvelope
	if terr.Timeout {
		e = newEnvelope(CodeTimeout, http.StatusGatewayTimeout, "Request timed out: "+errorText(terr.Err))
	} else {
		e = newEnvelope(CodeConnection, http.StatusServiceUnavailable, "Connection failed: "+errorText(terr.Err))
	}
	e.Details = map[string]any{"exception_type": fmt.Sprintf("%T", terr.Err)}
	return h.emit(ctx, e, rc)
}

// HandleInvalidJSON reports a 2xx response whose body could not be decoded.
func (h *ErrorHandler) HandleInvalidJSON(ctx context.Context, jerr *InvalidJSONError, rc RequestContext) *ErrorEnvelope {
	e := newEnvelope(CodeInvalidJSON, http.StatusBadGateway, "Invalid JSON in response: "+errorText(jerr.Err))
	e.Details = map[string]any{
		"response_status": jerr.StatusCode,
		"response_body":   truncate(string(jerr.Body), maxBodyDetail),
	}
	return h.emit(ctx, e, rc)
}

// HandleConfiguration reports misuse of the client, e.g. an unsupported method.
func (h *ErrorHandler) HandleConfiguration(ctx context.Context, cerr *ConfigurationError, rc RequestContext) *ErrorEnvelope {
	e := newEnvelope(CodeConfiguration, http.StatusInternalServerError, cerr.Error())
	return h.emit(ctx, e, rc)
}

// HandleInternal reports a failure inside this layer before the request was sent.
func (h *ErrorHandler) HandleInternal(ctx context.Context, err error, rc RequestContext) *ErrorEnvelope {
	e := newEnvelope(CodeInternal, http.StatusInternalServerError, "Internal error: "+errorText(err))
	return h.emit(ctx, e, rc)
}

// HandleUnexpected is the catch-all bucket. The original error type and text
// go into details; a stack trace is added only when debug logging is enabled.
func (h *ErrorHandler) HandleUnexpected(ctx context.Context, err error, rc RequestContext) *ErrorEnvelope {
	e := newEnvelope(CodeUnexpected, http.StatusInternalServerError, "Unexpected error: "+errorText(err))
	e.Details = map[string]any{
		"exception_type":    fmt.Sprintf("%T", err),
		"exception_message": errorText(err),
	}
	if h.logger.Enabled(ctx, slog.LevelDebug) {
		e.Details["stack_trace"] = string(debug.Stack())
	}
	return h.emit(ctx, e, rc)
}

// emit attaches the request context, logs and counts the envelope.
func (h *ErrorHandler) emit(ctx context.Context, e *ErrorEnvelope, rc RequestContext) *ErrorEnvelope {
	e.Context = rc.asMap()

	args := []any{
		"error_code", e.ErrorCode,
		"status_code", e.StatusCode,
	}
	if rc.Method.Valid() {
		args = append(args, "method", rc.Method.String())
	}
	if rc.URL != "" {
		args = append(args, "url", rc.URL)
	}
	if rc.RequestID != "" {
		args = append(args, "request_id", rc.RequestID)
	}
	if rc.Attempts > 0 {
		args = append(args, "attempts", rc.Attempts)
	}
	h.logger.ErrorContext(ctx, e.Message, args...)

	errorsTotal.WithLabelValues(string(e.ErrorCode)).Inc()
	return e
}

// statusSummary is the human-readable lead of an HTTP error message.
func statusSummary(code ErrorCode, status int) string {
	switch code {
	case CodeAuthentication:
		return "Authentication failed, check the API key"
	case CodeAuthorization:
		return "Permission denied"
	case CodeNotFound:
		return "Resource not found"
	case CodeConflict:
		return "Conflict with the current resource state"
	case CodeValidation:
		return "Validation failed"
	case CodeRateLimit:
		return "Rate limit exceeded"
	case CodeServiceUnavailable:
		return "Service unavailable"
	case CodeTimeout:
		return "Gateway timeout"
	case CodeServer:
		return "Server error"
	default:
		if text := http.StatusText(status); text != "" {
			return "Request failed: " + text
		}
		return "Request failed"
	}
}

// backendErrors extracts the "errors" or "error" field of a JSON error body.
// It returns the joined text and the raw value.
func backendErrors(body []byte) (string, any) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", nil
	}

	for _, key := range []string{"errors", "error"} {
		raw, ok := payload[key]
		if !ok || raw == nil {
			continue
		}
		switch v := raw.(type) {
		case string:
			if v != "" {
				return v, v
			}
		case []any:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				parts = append(parts, fmt.Sprint(item))
			}
			if len(parts) > 0 {
				return strings.Join(parts, "; "), v
			}
		default:
			encoded, err := json.Marshal(v)
			if err == nil {
				return string(encoded), v
			}
		}
	}
	return "", nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
