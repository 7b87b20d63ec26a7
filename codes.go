package redmine

import "net/http"

// ErrorCode is a stable, machine-readable error identifier.
// The set is closed: every envelope carries exactly one of these.
type ErrorCode string

const (
	CodeValidation         ErrorCode = "VALIDATION_ERROR"
	CodeAuthentication     ErrorCode = "AUTHENTICATION_ERROR"
	CodeAuthorization      ErrorCode = "AUTHORIZATION_ERROR"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeConflict           ErrorCode = "CONFLICT"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeInternal           ErrorCode = "INTERNAL_ERROR"
	CodeConnection         ErrorCode = "CONNECTION_ERROR"
	CodeTimeout            ErrorCode = "TIMEOUT_ERROR"
	CodeServer             ErrorCode = "SERVER_ERROR"
	CodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	CodeInvalidJSON        ErrorCode = "INVALID_JSON"
	CodeRequest            ErrorCode = "REQUEST_ERROR"
	CodeUnexpected         ErrorCode = "UNEXPECTED_ERROR"
	CodeConfiguration      ErrorCode = "CONFIGURATION_ERROR"
)

// AllErrorCodes lists the closed set in declaration order.
var AllErrorCodes = []ErrorCode{
	CodeValidation,
	CodeAuthentication,
	CodeAuthorization,
	CodeNotFound,
	CodeConflict,
	CodeRateLimit,
	CodeInternal,
	CodeConnection,
	CodeTimeout,
	CodeServer,
	CodeServiceUnavailable,
	CodeInvalidJSON,
	CodeRequest,
	CodeUnexpected,
	CodeConfiguration,
}

// statusCodes is the fixed HTTP status to error code table.
// 422 is always a validation failure.
var statusCodes = map[int]ErrorCode{
	http.StatusUnauthorized:        CodeAuthentication,
	http.StatusForbidden:           CodeAuthorization,
	http.StatusNotFound:            CodeNotFound,
	http.StatusConflict:            CodeConflict,
	http.StatusUnprocessableEntity: CodeValidation,
	http.StatusTooManyRequests:     CodeRateLimit,
	http.StatusInternalServerError: CodeServer,
	http.StatusBadGateway:          CodeServer,
	http.StatusServiceUnavailable:  CodeServiceUnavailable,
	http.StatusGatewayTimeout:      CodeTimeout,
}

// CodeForStatus maps an HTTP status to its error code.
// Unlisted 5xx fall back to SERVER_ERROR and everything else to REQUEST_ERROR.
func CodeForStatus(status int) ErrorCode {
	if code, ok := statusCodes[status]; ok {
		return code
	}
	if status >= 500 && status <= 599 {
		return CodeServer
	}
	return CodeRequest
}

// Valid reports whether c belongs to the closed set.
func (c ErrorCode) Valid() bool {
	for _, known := range AllErrorCodes {
		if c == known {
			return true
		}
	}
	return false
}
