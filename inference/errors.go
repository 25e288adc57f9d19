// Package inference provides a resilient client for an external LLM
// endpoint: bounded retries, exponential backoff, and error-class-aware
// logging.
package inference

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// ErrorCode is a machine-readable failure category. Callers branch on the
// code, never on message text.
type ErrorCode string

const (
	ErrTimeout       ErrorCode = "timeout"
	ErrContextLength ErrorCode = "context_length_exceeded"
	ErrAuth          ErrorCode = "auth_error"
	ErrRateLimit     ErrorCode = "rate_limit"
	ErrServer        ErrorCode = "server_error"
	ErrUnknown       ErrorCode = "unknown_error"
)

// Retryable reports whether a retry can plausibly succeed for this code.
// Note the retry loop does not special-case non-retryable codes; they
// still count against the configured attempt limit.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrAuth, ErrContextLength:
		return false
	default:
		return true
	}
}

// ClassifiedError is the terminal failure surfaced after retries are
// exhausted. It carries the last classified code and the attempt count.
type ClassifiedError struct {
	Code     ErrorCode
	Message  string
	Attempts int
	Err      error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("inference failed (%s) after %d attempts: %s", e.Code, e.Attempts, e.Message)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Classify maps an error to an ErrorCode. Inspection order: message
// substrings for timeout/context-length/auth, then the HTTP status of an
// API error (401, 429, 5xx), then the error's type, falling back to
// unknown_error.
func Classify(err error) ErrorCode {
	if err == nil {
		return ""
	}

	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"),
		strings.Contains(msg, "deadline exceeded"):
		return ErrTimeout
	case strings.Contains(msg, "context length"),
		strings.Contains(msg, "context_length"),
		strings.Contains(msg, "maximum context"):
		return ErrContextLength
	case strings.Contains(msg, "api key"),
		strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "authentication"):
		return ErrAuth
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 401:
			return ErrAuth
		case apiErr.HTTPStatusCode == 429:
			return ErrRateLimit
		case apiErr.HTTPStatusCode >= 500:
			return ErrServer
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}

	return ErrUnknown
}
