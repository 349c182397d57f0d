package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
)

// APIError is the base type for errors returned by the upstream service.
// A bare APIError is not retryable; the typed wrappers below mark the
// retryable classes.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Cause      error
}

func (e *APIError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "unknown API error"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("API error (%d): %s", e.StatusCode, msg)
	}
	return "API error: " + msg
}

func (e *APIError) Unwrap() error { return e.Cause }

// RateLimitError indicates throttling by the provider. RetryAfter holds the
// provider-suggested delay when one could be recovered from the error
// message, zero otherwise.
type RateLimitError struct {
	APIError
	RetryAfter time.Duration
}

// ContextWindowError indicates the conversation no longer fits the model's
// context window. Never retried; the loop turns it into user guidance.
type ContextWindowError struct {
	APIError
}

// ServerError covers transient upstream failures: 5xx responses, request
// timeouts, and connection-level errors. Always retryable.
type ServerError struct {
	APIError
}

// ClassifyError maps an arbitrary error from the SDK or the network into the
// taxonomy above. Errors that are already classified pass through unchanged,
// as do context cancellations. Anything unrecognized is returned as-is and
// treated as fatal by the caller.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}

	var rle *RateLimitError
	var cwe *ContextWindowError
	var srv *ServerError
	var api *APIError
	if errors.As(err, &rle) || errors.As(err, &cwe) || errors.As(err, &srv) || errors.As(err, &api) {
		return err
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	var oaiErr *openai.Error
	if errors.As(err, &oaiErr) {
		return classifyStatus(oaiErr.StatusCode, oaiErr.Code, oaiErr.Message, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &ServerError{APIError{Message: "request timed out", Cause: err}}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &ServerError{APIError{Message: netErr.Error(), Cause: err}}
	}

	// Some gateways tunnel failures through otherwise-successful responses;
	// fall back to message sniffing before declaring the error fatal.
	msg := err.Error()
	switch {
	case looksLikeContextWindow(msg):
		return &ContextWindowError{APIError{Message: msg, Cause: err}}
	case looksLikeRateLimit(msg):
		return &RateLimitError{
			APIError:   APIError{Message: msg, Cause: err},
			RetryAfter: ParseRetryAfter(msg),
		}
	case looksLikeConnectionFailure(msg):
		return &ServerError{APIError{Message: msg, Cause: err}}
	}
	return err
}

func classifyStatus(status int, code, message string, cause error) error {
	base := APIError{StatusCode: status, Code: code, Message: message, Cause: cause}
	switch {
	case status == 429:
		return &RateLimitError{APIError: base, RetryAfter: ParseRetryAfter(message)}
	case status == 413:
		return &ContextWindowError{base}
	case (status == 400 || status == 422) && looksLikeContextWindow(message+" "+code):
		return &ContextWindowError{base}
	case status == 408 || status >= 500:
		return &ServerError{base}
	case looksLikeRateLimit(message):
		return &RateLimitError{APIError: base, RetryAfter: ParseRetryAfter(message)}
	default:
		return &base
	}
}

// IsRetryable reports whether the error is safe to retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return true
	}
	var srv *ServerError
	if errors.As(err, &srv) {
		return true
	}
	return false
}

// IsContextWindow reports whether the error means the conversation exceeded
// the model's context window.
func IsContextWindow(err error) bool {
	var cwe *ContextWindowError
	return errors.As(err, &cwe)
}

// IsRateLimit reports whether the error is provider throttling.
func IsRateLimit(err error) bool {
	var rle *RateLimitError
	return errors.As(err, &rle)
}

// SuggestedDelay returns the provider-suggested retry delay carried by a
// rate-limit error, or zero.
func SuggestedDelay(err error) time.Duration {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.RetryAfter
	}
	return 0
}

var retryAfterPattern = regexp.MustCompile(`(?i)(?:retry|try)(?:ing)?\s+again\s+in\s+([0-9]+(?:\.[0-9]+)?)\s*(ms|milliseconds?|s|seconds?)`)

// ParseRetryAfter extracts a suggested delay embedded in provider error
// message text ("Please try again in 1.2s", "try again in 250ms"). Returns
// zero when no delay is present.
func ParseRetryAfter(message string) time.Duration {
	m := retryAfterPattern.FindStringSubmatch(message)
	if m == nil {
		return 0
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	unit := strings.ToLower(m[2])
	if strings.HasPrefix(unit, "ms") || strings.HasPrefix(unit, "millisecond") {
		return time.Duration(value * float64(time.Millisecond))
	}
	return time.Duration(value * float64(time.Second))
}

func looksLikeContextWindow(s string) bool {
	s = strings.ToLower(s)
	for _, needle := range []string{
		"context length",
		"context window",
		"maximum context",
		"context_length_exceeded",
		"too many tokens",
		"maximum number of tokens",
		"prompt is too long",
		"input is too large",
	} {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}

func looksLikeRateLimit(s string) bool {
	s = strings.ToLower(s)
	for _, needle := range []string{
		"rate limit",
		"rate_limit",
		"too many requests",
		"quota exceeded",
		"throttl",
	} {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}

func looksLikeConnectionFailure(s string) bool {
	s = strings.ToLower(s)
	for _, needle := range []string{
		"connection reset",
		"connection refused",
		"broken pipe",
		"unexpected eof",
		"server closed",
		"tls handshake",
	} {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}
