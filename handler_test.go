package redmine_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	redmine "github.com/JohnPlummer/jp-go-redmine"
)

const timestampPattern = `^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z$`

var _ = Describe("ErrorHandler", func() {
	var (
		ctx     context.Context
		handler *redmine.ErrorHandler
		logs    *bytes.Buffer
		rc      redmine.RequestContext
	)

	BeforeEach(func() {
		ctx = context.Background()
		logs = &bytes.Buffer{}
		handler = redmine.NewErrorHandler(slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})))
		rc = redmine.RequestContext{
			Method:    redmine.MethodGet,
			URL:       "https://redmine.example.com/issues/1.json",
			RequestID: "req-1",
			Attempts:  2,
		}
	})

	Describe("HandleHTTPStatus", func() {
		DescribeTable("maps statuses through the fixed table",
			func(status int, code redmine.ErrorCode) {
				env := handler.HandleHTTPStatus(ctx, status, nil, rc)
				Expect(env.ErrorCode).To(Equal(code))
				Expect(env.StatusCode).To(Equal(status))
				Expect(env.IsError).To(BeTrue())
			},
			Entry("401", 401, redmine.CodeAuthentication),
			Entry("403", 403, redmine.CodeAuthorization),
			Entry("404", 404, redmine.CodeNotFound),
			Entry("409", 409, redmine.CodeConflict),
			Entry("422", 422, redmine.CodeValidation),
			Entry("429", 429, redmine.CodeRateLimit),
			Entry("500", 500, redmine.CodeServer),
			Entry("502", 502, redmine.CodeServer),
			Entry("503", 503, redmine.CodeServiceUnavailable),
			Entry("504", 504, redmine.CodeTimeout),
			Entry("unlisted 5xx", 507, redmine.CodeServer),
			Entry("unlisted 4xx", 418, redmine.CodeRequest),
			Entry("400", 400, redmine.CodeRequest),
		)

		It("should append backend error text without changing the code", func() {
			body := []byte(`{"errors":["Subject cannot be blank","Tracker is invalid"]}`)
			env := handler.HandleHTTPStatus(ctx, http.StatusUnprocessableEntity, body, rc)

			Expect(env.ErrorCode).To(Equal(redmine.CodeValidation))
			Expect(env.Message).To(ContainSubstring("Subject cannot be blank; Tracker is invalid"))
			Expect(env.Details).To(HaveKey("errors"))
			Expect(env.Details).To(HaveKeyWithValue("response_body", string(body)))
		})

		It("should read a single error string", func() {
			env := handler.HandleHTTPStatus(ctx, http.StatusUnauthorized, []byte(`{"error":"Invalid API key"}`), rc)
			Expect(env.ErrorCode).To(Equal(redmine.CodeAuthentication))
			Expect(env.Message).To(ContainSubstring("Invalid API key"))
		})

		It("should keep non-JSON bodies only as details", func() {
			env := handler.HandleHTTPStatus(ctx, http.StatusBadGateway, []byte("<html>bad gateway</html>"), rc)
			Expect(env.ErrorCode).To(Equal(redmine.CodeServer))
			Expect(env.Details).To(HaveKeyWithValue("response_body", "<html>bad gateway</html>"))
			Expect(env.Details).NotTo(HaveKey("errors"))
		})

		It("should truncate large bodies", func() {
			body := bytes.Repeat([]byte("x"), 4096)
			env := handler.HandleHTTPStatus(ctx, http.StatusInternalServerError, body, rc)
			Expect(len(env.Details["response_body"].(string))).To(BeNumerically("<", 1100))
		})

		It("should not split a multi-byte character when truncating", func() {
			body := "x" + strings.Repeat("é", 1000)
			env := handler.HandleHTTPStatus(ctx, http.StatusInternalServerError, []byte(body), rc)

			truncated := env.Details["response_body"].(string)
			Expect(utf8.ValidString(truncated)).To(BeTrue())
			Expect(truncated).To(HaveSuffix("é..."))
			Expect(len(truncated)).To(BeNumerically("<=", 1024+len("...")))
		})

		It("should report an oversized response as SERVER_ERROR", func() {
			env := handler.Handle(ctx, &redmine.ResponseTooLargeError{StatusCode: 200, Limit: 16}, rc)
			Expect(env.ErrorCode).To(Equal(redmine.CodeServer))
			Expect(env.StatusCode).To(Equal(http.StatusBadGateway))
			Expect(env.Message).To(ContainSubstring("exceeds 16 bytes"))
		})
	})

	Describe("Handle", func() {
		It("should map timeouts to TIMEOUT_ERROR/504", func() {
			env := handler.Handle(ctx, &redmine.TransportError{Op: "GET", Timeout: true, Err: context.DeadlineExceeded}, rc)
			Expect(env.ErrorCode).To(Equal(redmine.CodeTimeout))
			Expect(env.StatusCode).To(Equal(http.StatusGatewayTimeout))
		})

		It("should map connection failures to CONNECTION_ERROR/503", func() {
			opErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
			env := handler.Handle(ctx, opErr, rc)
			Expect(env.ErrorCode).To(Equal(redmine.CodeConnection))
			Expect(env.StatusCode).To(Equal(http.StatusServiceUnavailable))
		})

		It("should map a caller deadline to TIMEOUT_ERROR", func() {
			env := handler.Handle(ctx, context.DeadlineExceeded, rc)
			Expect(env.ErrorCode).To(Equal(redmine.CodeTimeout))
		})

		It("should map caller cancellation to REQUEST_ERROR/499", func() {
			env := handler.Handle(ctx, fmt.Errorf("sending: %w", context.Canceled), rc)
			Expect(env.ErrorCode).To(Equal(redmine.CodeRequest))
			Expect(env.StatusCode).To(Equal(redmine.StatusClientClosedRequest))
		})

		It("should map status errors through the table", func() {
			env := handler.Handle(ctx, &redmine.StatusError{Code: 404, Body: []byte(`{"errors":["Not found"]}`)}, rc)
			Expect(env.ErrorCode).To(Equal(redmine.CodeNotFound))
			Expect(env.Message).To(ContainSubstring("Not found"))
		})

		It("should map validation errors to 400 with field errors", func() {
			verr := &redmine.ValidationError{
				Phase:       redmine.PhaseRequired,
				FieldErrors: map[string]string{"subject": "is required"},
			}
			env := handler.Handle(ctx, verr, rc)
			Expect(env.ErrorCode).To(Equal(redmine.CodeValidation))
			Expect(env.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(env.Details).To(HaveKeyWithValue("phase", redmine.PhaseRequired))
			Expect(env.Details["field_errors"]).To(HaveKeyWithValue("subject", "is required"))
		})

		It("should map invalid JSON to INVALID_JSON/502", func() {
			env := handler.Handle(ctx, &redmine.InvalidJSONError{StatusCode: 200, Body: []byte("{"), Err: errors.New("eof")}, rc)
			Expect(env.ErrorCode).To(Equal(redmine.CodeInvalidJSON))
			Expect(env.StatusCode).To(Equal(http.StatusBadGateway))
		})

		It("should map configuration errors to CONFIGURATION_ERROR/500", func() {
			env := handler.Handle(ctx, &redmine.ConfigurationError{Reason: "unsupported HTTP method"}, rc)
			Expect(env.ErrorCode).To(Equal(redmine.CodeConfiguration))
			Expect(env.StatusCode).To(Equal(http.StatusInternalServerError))
		})

		It("should map circuit breaker rejections to SERVICE_UNAVAILABLE", func() {
			env := handler.Handle(ctx, fmt.Errorf("%w: rejected", jperrors.ErrCircuitOpen), rc)
			Expect(env.ErrorCode).To(Equal(redmine.CodeServiceUnavailable))
			Expect(env.StatusCode).To(Equal(http.StatusServiceUnavailable))
		})

		It("should pass envelopes through unchanged", func() {
			original := handler.HandleHTTPStatus(ctx, 404, nil, rc)
			Expect(handler.Handle(ctx, fmt.Errorf("wrapped: %w", original), rc)).To(BeIdenticalTo(original))
		})

		It("should put anything else in the unexpected bucket", func() {
			env := handler.Handle(ctx, errors.New("something odd"), rc)
			Expect(env.ErrorCode).To(Equal(redmine.CodeUnexpected))
			Expect(env.StatusCode).To(Equal(http.StatusInternalServerError))
			Expect(env.Details).To(HaveKeyWithValue("exception_type", "*errors.errorString"))
			Expect(env.Details).To(HaveKeyWithValue("exception_message", "something odd"))
			Expect(env.Details).NotTo(HaveKey("stack_trace"))
		})

		It("should attach a stack trace only at debug level", func() {
			debug := redmine.NewErrorHandler(slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{
				Level: slog.LevelDebug,
			})))
			env := debug.Handle(ctx, errors.New("something odd"), rc)
			Expect(env.Details).To(HaveKey("stack_trace"))
		})
	})

	Describe("Envelope", func() {
		It("should carry a UTC millisecond timestamp", func() {
			env := handler.HandleHTTPStatus(ctx, 500, nil, rc)
			Expect(env.Timestamp).To(MatchRegexp(timestampPattern))

			ts, err := time.Parse(time.RFC3339Nano, env.Timestamp)
			Expect(err).NotTo(HaveOccurred())
			Expect(ts).To(BeTemporally("~", time.Now(), 5*time.Second))
		})

		It("should carry the request context", func() {
			env := handler.HandleHTTPStatus(ctx, 500, nil, rc)
			Expect(env.Context).To(HaveKeyWithValue("method", "GET"))
			Expect(env.Context).To(HaveKeyWithValue("url", rc.URL))
			Expect(env.Context).To(HaveKeyWithValue("request_id", "req-1"))
			Expect(env.Context).To(HaveKeyWithValue("attempts", 2))
		})

		It("should log every envelope at error level with structured fields", func() {
			handler.HandleHTTPStatus(ctx, 404, nil, rc)
			Expect(logs.String()).To(ContainSubstring(`"level":"ERROR"`))
			Expect(logs.String()).To(ContainSubstring(`"error_code":"NOT_FOUND"`))
			Expect(logs.String()).To(ContainSubstring(`"status_code":404`))
			Expect(logs.String()).To(ContainSubstring(`"method":"GET"`))
		})
	})

	Describe("ErrorCode", func() {
		It("should be a closed set of fifteen codes", func() {
			Expect(redmine.AllErrorCodes).To(HaveLen(15))
			for _, code := range redmine.AllErrorCodes {
				Expect(code.Valid()).To(BeTrue())
			}
			Expect(redmine.ErrorCode("SOMETHING_ELSE").Valid()).To(BeFalse())
		})
	})
})
