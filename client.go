// Package redmine provides a resilient request layer for a Redmine-style REST backend.
// Every call returns a Result holding either the decoded payload or a standardized
// ErrorEnvelope; transient failures are retried with jittered exponential backoff
// and outgoing bodies are validated before any network call.
package redmine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Client executes requests against the backend and never returns a raw error:
// each call yields a Result with exactly one of Data or Err set.
//
// Example:
//
//	client, err := redmine.New("https://redmine.example.com", apiKey,
//	    redmine.WithLogger(logger),
//	    redmine.WithRetry(redmine.WithMaxRetries(5)),
//	)
//	if err != nil {
//	    return err
//	}
//	res := client.Get(ctx, "issues.json", map[string]string{"project_id": "1"})
//	if res.IsError() {
//	    return res.Err
//	}
type Client struct {
	conn       *ConnectionManager
	normalizer *ResponseNormalizer
	handler    *ErrorHandler
	logger     *slog.Logger
	schemas    map[schemaKey]*Schema
}

// Request describes one logical call.
type Request struct {
	Method Method
	Path   string
	Query  map[string]string

	// Body is JSON-encoded and sent when non-nil.
	Body any

	// Schema overrides the schema registered with WithSchema for this call.
	Schema *Schema
}

// New creates a client for baseURL authenticated with apiKey.
// A missing URL or key, or an invalid retry policy, is a *ConfigurationError.
func New(baseURL, apiKey string, opts ...Option) (*Client, error) {
	cfg := defaultClientConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	conn, err := newConnectionManager(baseURL, apiKey, cfg)
	if err != nil {
		return nil, err
	}

	return &Client{
		conn:       conn,
		normalizer: NewResponseNormalizer(cfg.logger),
		handler:    NewErrorHandler(cfg.logger),
		logger:     cfg.logger,
		schemas:    cfg.schemas,
	}, nil
}

// Execute performs method on path with an optional body and query.
func (c *Client) Execute(ctx context.Context, method Method, path string, body any, query map[string]string) Result {
	return c.Do(ctx, Request{Method: method, Path: path, Body: body, Query: query})
}

// Get reads path.
func (c *Client) Get(ctx context.Context, path string, query map[string]string) Result {
	return c.Do(ctx, Request{Method: MethodGet, Path: path, Query: query})
}

// Post creates a resource under path.
func (c *Client) Post(ctx context.Context, path string, body any) Result {
	return c.Do(ctx, Request{Method: MethodPost, Path: path, Body: body})
}

// Put updates the resource at path.
func (c *Client) Put(ctx context.Context, path string, body any) Result {
	return c.Do(ctx, Request{Method: MethodPut, Path: path, Body: body})
}

// Delete removes the resource at path.
func (c *Client) Delete(ctx context.Context, path string) Result {
	return c.Do(ctx, Request{Method: MethodDelete, Path: path})
}

// Do runs a request through validation, the retry loop and normalization.
// Validation failures, unsupported methods and unencodable bodies are reported
// without touching the network.
func (c *Client) Do(ctx context.Context, req Request) Result {
	rc := RequestContext{
		Method:    req.Method,
		URL:       c.conn.buildURL(req.Path, req.Query),
		Query:     req.Query,
		RequestID: uuid.NewString(),
	}

	if !req.Method.Valid() {
		return c.fail(c.handler.HandleConfiguration(ctx,
			&ConfigurationError{Reason: fmt.Sprintf("unsupported HTTP method %s", req.Method)}, rc), "invalid")
	}
	op := req.Method.String()

	var payload []byte
	if req.Body != nil {
		schema := req.Schema
		if schema == nil {
			schema = c.schemas[newSchemaKey(req.Method, req.Path)]
		}
		if err := schema.Validate(req.Body); err != nil {
			return c.fail(c.handler.Handle(ctx, err, rc), op)
		}

		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return c.fail(c.handler.HandleInternal(ctx, fmt.Errorf("encode request body: %w", err), rc), op)
		}
		payload = encoded
	}

	ex, attempts, err := c.conn.run(ctx, op, c.conn.httpAttempt(req.Method, rc.URL, payload, rc.RequestID))
	rc.Attempts = attempts
	if err != nil {
		return c.fail(c.handler.Handle(ctx, err, rc), op)
	}

	data, err := c.normalizer.Normalize(ex)
	if err != nil {
		return c.fail(c.handler.Handle(ctx, err, rc), op)
	}

	c.logger.DebugContext(ctx, "request completed",
		"method", op,
		"url", rc.URL,
		"status_code", ex.StatusCode,
		"request_id", rc.RequestID,
		"attempts", attempts)
	requestsTotal.WithLabelValues(op, "success").Inc()
	return success(data)
}

func (c *Client) fail(env *ErrorEnvelope, op string) Result {
	requestsTotal.WithLabelValues(op, "error").Inc()
	return failure(env)
}

// ConfigureRetry changes retry parameters for subsequent requests.
func (c *Client) ConfigureRetry(opts ...RetryOption) error {
	return c.conn.ConfigureRetry(opts...)
}

// HealthCheck reports whether the backend is reachable, using the cached
// result while it is fresh.
func (c *Client) HealthCheck(ctx context.Context) bool {
	return c.conn.HealthCheck(ctx)
}

// Connection exposes the underlying connection manager.
func (c *Client) Connection() *ConnectionManager {
	return c.conn
}
