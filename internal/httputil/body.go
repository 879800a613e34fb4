// Package httputil bounds how much of an upstream response body is read.
package httputil

import (
	"errors"
	"io"
	"strings"
)

const (
	// DefaultMaxResponseBodyBytes caps model backend responses to 10MB.
	DefaultMaxResponseBodyBytes int64 = 10 * 1024 * 1024

	// maxErrorSnippetBytes caps the body quoted in error messages.
	maxErrorSnippetBytes int64 = 4 * 1024
)

// ErrResponseBodyTooLarge is returned when a body exceeds its limit.
var ErrResponseBodyTooLarge = errors.New("response body too large")

// ReadLimitedBody reads up to maxBytes from reader and returns
// ErrResponseBodyTooLarge with the truncated body when exceeded.
func ReadLimitedBody(reader io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(reader)
	}

	limited := io.LimitReader(reader, maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return body, err
	}
	if int64(len(body)) > maxBytes {
		body = body[:int(maxBytes)]
		return body, ErrResponseBodyTooLarge
	}
	return body, nil
}

// ErrorSnippet returns the start of an error response body for logging.
func ErrorSnippet(reader io.Reader) string {
	body, err := ReadLimitedBody(reader, maxErrorSnippetBytes)
	snippet := strings.TrimSpace(string(body))
	if errors.Is(err, ErrResponseBodyTooLarge) {
		snippet += "..."
	}
	return snippet
}
