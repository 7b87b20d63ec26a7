package redmine

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// timestampLayout is ISO-8601 in UTC with millisecond precision and a trailing Z.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// Exchange is a completed HTTP attempt: status, raw body and headers.
type Exchange struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// ErrorEnvelope is the standardized error shape returned for every failure.
// It also satisfies error so resource wrappers can return it directly.
type ErrorEnvelope struct {
	IsError    bool           `json:"error"`
	ErrorCode  ErrorCode      `json:"error_code"`
	Message    string         `json:"message"`
	StatusCode int            `json:"status_code"`
	Timestamp  string         `json:"timestamp"`
	Details    map[string]any `json:"details,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.ErrorCode, e.StatusCode, e.Message)
}

// newEnvelope stamps a new envelope with the current UTC time.
func newEnvelope(code ErrorCode, status int, message string) *ErrorEnvelope {
	return &ErrorEnvelope{
		IsError:    true,
		ErrorCode:  code,
		Message:    message,
		StatusCode: status,
		Timestamp:  time.Now().UTC().Format(timestampLayout),
	}
}

// Result is what every Execute call returns: either Data or Err, never both.
type Result struct {
	// Data is the decoded success payload. It is nil when Err is set.
	Data any

	// Err is the error envelope. It is nil on success.
	Err *ErrorEnvelope
}

// IsError reports whether the call failed.
func (r Result) IsError() bool {
	return r.Err != nil
}

// Map returns Data as a JSON object, or nil when the payload is not an object.
func (r Result) Map() map[string]any {
	m, _ := r.Data.(map[string]any)
	return m
}

// Decode re-encodes Data into out, e.g. a typed resource struct.
func (r Result) Decode(out any) error {
	if r.Err != nil {
		return r.Err
	}
	raw, err := json.Marshal(r.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// MarshalJSON emits the envelope on failure and the payload on success.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.Err != nil {
		return json.Marshal(r.Err)
	}
	return json.Marshal(r.Data)
}

func success(data any) Result {
	return Result{Data: data}
}

func failure(env *ErrorEnvelope) Result {
	return Result{Err: env}
}
