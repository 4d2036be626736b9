package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error is the unified error interface returned by HTTP-backed clients
// (Snapshot hub, Safe transaction service, AI provider). Retryable
// classification drives the shared retry policy: validation rejections
// are terminal, infrastructure failures are not.
type Error interface {
	error
	Service() string
	StatusCode() int
	Retryable() bool
	RetryAfter() *time.Duration
}

type httpErrorBase struct {
	service    string
	statusCode int
	message    string
	retryable  bool
	retryAfter *time.Duration
}

func (e *httpErrorBase) Error() string {
	msg := strings.TrimSpace(e.message)
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Sprintf("%s error (status=%d): %s", e.service, e.statusCode, msg)
}
func (e *httpErrorBase) Service() string           { return e.service }
func (e *httpErrorBase) StatusCode() int           { return e.statusCode }
func (e *httpErrorBase) Retryable() bool           { return e.retryable }
func (e *httpErrorBase) RetryAfter() *time.Duration { return e.retryAfter }

type ValidationError struct{ httpErrorBase }
type AuthenticationError struct{ httpErrorBase }
type AccessDeniedError struct{ httpErrorBase }
type NotFoundError struct{ httpErrorBase }
type RequestTimeoutError struct{ httpErrorBase }
type RateLimitError struct{ httpErrorBase }
type ServerError struct{ httpErrorBase }
type UnknownHTTPError struct{ httpErrorBase }

// NetworkError wraps a transport-level failure (DNS, connect, deadline).
// Always retryable.
type NetworkError struct {
	service string
	err     error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s network error: %v", e.service, e.err)
}
func (e *NetworkError) Service() string            { return e.service }
func (e *NetworkError) StatusCode() int            { return 0 }
func (e *NetworkError) Retryable() bool            { return true }
func (e *NetworkError) RetryAfter() *time.Duration { return nil }
func (e *NetworkError) Unwrap() error              { return e.err }

// FromHTTPStatus classifies an HTTP status into the unified hierarchy.
// 4xx validation-family statuses are never retryable; 408/429/5xx and
// unknown statuses are.
func FromHTTPStatus(service string, statusCode int, message string, retryAfter *time.Duration) error {
	base := httpErrorBase{
		service:    strings.TrimSpace(service),
		statusCode: statusCode,
		message:    message,
		retryAfter: retryAfter,
	}
	switch statusCode {
	case 400, 422:
		base.retryable = false
		return &ValidationError{base}
	case 401:
		base.retryable = false
		return &AuthenticationError{base}
	case 403:
		base.retryable = false
		return &AccessDeniedError{base}
	case 404:
		base.retryable = false
		return &NotFoundError{base}
	case 408:
		base.retryable = true
		return &RequestTimeoutError{base}
	case 429:
		base.retryable = true
		return &RateLimitError{base}
	case 500, 502, 503, 504:
		base.retryable = true
		return &ServerError{base}
	default:
		if statusCode >= 400 && statusCode < 500 {
			base.retryable = false
			return &ValidationError{base}
		}
		base.retryable = true
		return &UnknownHTTPError{base}
	}
}

// WrapNetworkError converts a non-HTTP request failure into the unified
// hierarchy. Context cancellation passes through untouched so callers can
// distinguish shutdown from infrastructure failure.
func WrapNetworkError(service string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &NetworkError{service: strings.TrimSpace(service), err: err}
}

// IsRetryable reports whether err participates in the retry policy.
func IsRetryable(err error) bool {
	var te Error
	if errors.As(err, &te) {
		return te.Retryable()
	}
	// Deadline overruns on the per-call budget count as transport errors.
	return errors.Is(err, context.DeadlineExceeded)
}

// IsValidation reports a terminal 4xx rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ParseRetryAfter parses a Retry-After header value, either integer
// seconds or an HTTP-date.
func ParseRetryAfter(v string, now time.Time) *time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}
