package redmine

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
)

// ResponseNormalizer turns a completed 2xx exchange into a success payload,
// independent of the HTTP verb that produced it.
type ResponseNormalizer struct {
	logger *slog.Logger
}

// NewResponseNormalizer creates a normalizer. A nil logger falls back to slog.Default().
func NewResponseNormalizer(logger *slog.Logger) *ResponseNormalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResponseNormalizer{logger: logger}
}

// Normalize applies the success rules in order:
//  1. 201 with a body: the decoded body.
//  2. 201 without a body: {id, success} when the Location header yields an id,
//     otherwise {success, status_code}.
//  3. any other 2xx with a body: the decoded body.
//  4. any other 2xx without a body: {success, status_code}.
//
// A body that is not valid JSON is an *InvalidJSONError.
func (n *ResponseNormalizer) Normalize(ex *Exchange) (any, error) {
	body := bytes.TrimSpace(ex.Body)

	if len(body) > 0 {
		var data any
		if err := json.Unmarshal(body, &data); err != nil {
			return nil, &InvalidJSONError{StatusCode: ex.StatusCode, Body: ex.Body, Err: err}
		}
		return data, nil
	}

	if ex.StatusCode == http.StatusCreated {
		if id, ok := ExtractIDFromLocation(ex.Header); ok {
			return map[string]any{"id": id, "success": true}, nil
		}
		n.logger.Warn("created response without body or usable Location header",
			"location", ex.Header.Get("Location"))
	}

	return map[string]any{"success": true, "status_code": ex.StatusCode}, nil
}

// ExtractIDFromLocation recovers a numeric resource id from the Location header.
// Absolute URLs contribute only their path; a trailing extension such as .json
// or .xml is dropped and the last non-empty path segment must be all digits.
//
//	"https://h/issues/42.json"            -> 42, true
//	"/issues/123"                         -> 123, true
//	"https://h/projects/42/versions/7.xml" -> 7, true
//	"https://h/issues/abc"                -> 0, false
func ExtractIDFromLocation(header http.Header) (int, bool) {
	if header == nil {
		return 0, false
	}
	location := strings.TrimSpace(header.Get("Location"))
	if location == "" {
		return 0, false
	}

	p := location
	if u, err := url.Parse(location); err == nil {
		p = u.Path
	}

	if ext := path.Ext(p); ext != "" {
		p = strings.TrimSuffix(p, ext)
	}

	var last string
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			last = seg
		}
	}
	if last == "" || !allDigits(last) {
		return 0, false
	}

	id, err := strconv.Atoi(last)
	if err != nil {
		return 0, false
	}
	return id, true
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
