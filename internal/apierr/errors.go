// Package apierr classifies failures of the remote feed service into the
// kinds the retry and feed layers act on.
package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Kind identifies a class of remote failure.
type Kind string

const (
	// KindOffline means there is no connectivity. Not retried; callers wait
	// for connectivity to return instead.
	KindOffline Kind = "offline"

	// KindTimeout means the call did not finish within its deadline.
	KindTimeout Kind = "timeout"

	// KindRateLimit means the service asked us to slow down.
	KindRateLimit Kind = "rate_limit"

	// KindServer is a 5xx response.
	KindServer Kind = "server"

	// KindAuth is a 401 or 403 response; the session needs re-authentication.
	KindAuth Kind = "auth"

	// KindValidation means the request parameters were rejected.
	KindValidation Kind = "validation"

	// KindAPI is any other failure.
	KindAPI Kind = "api"
)

// Error is a classified remote failure.
type Error struct {
	Kind    Kind
	Message string

	// Status is the HTTP status code, 0 for transport failures.
	Status int

	// RetryAfter is the server-supplied wait hint, 0 when absent.
	RetryAfter time.Duration

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the kind is worth retrying at all. The retry
// policy may still refuse, e.g. for generic API errors after the first
// attempt.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindRateLimit, KindServer, KindAPI:
		return true
	default:
		return false
	}
}

// New returns an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// KindOf returns the kind of err, or "" when err carries no classification.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// xrpcError is the error body returned by XRPC endpoints.
type xrpcError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// FromStatus classifies a non-2xx HTTP response.
func FromStatus(status int, header http.Header, body []byte) *Error {
	message := strings.TrimSpace(string(body))
	var xe xrpcError
	if err := json.Unmarshal(body, &xe); err == nil && (xe.Error != "" || xe.Message != "") {
		message = strings.TrimSpace(xe.Error + ": " + xe.Message)
		message = strings.Trim(message, ": ")
	}
	if message == "" {
		message = http.StatusText(status)
	}

	e := &Error{Kind: KindAPI, Message: message, Status: status}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindAuth
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimit
		e.RetryAfter = retryAfter(header, time.Now())
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		e.Kind = KindTimeout
	case status >= 500:
		e.Kind = KindServer
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		e.Kind = KindValidation
	}
	return e
}

// retryAfter reads the Retry-After header (seconds or HTTP date), falling back
// to the ratelimit-reset header (unix seconds) some XRPC services send.
func retryAfter(header http.Header, now time.Time) time.Duration {
	if header == nil {
		return 0
	}
	if v := header.Get("Retry-After"); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		if at, err := http.ParseTime(v); err == nil && at.After(now) {
			return at.Sub(now)
		}
	}
	if v := header.Get("Ratelimit-Reset"); v != "" {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			if at := time.Unix(unix, 0); at.After(now) {
				return at.Sub(now)
			}
		}
	}
	return 0
}

// FromTransport classifies an error returned by the HTTP transport. It returns
// nil for a nil error and passes context cancellation through unchanged so
// callers can tell superseded requests apart from failures.
func FromTransport(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return err
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Message: "request timed out", Err: err}
	case errors.As(err, &netErr) && netErr.Timeout():
		return &Error{Kind: KindTimeout, Message: "request timed out", Err: err}
	case isOffline(err):
		return &Error{Kind: KindOffline, Message: "service unreachable", Err: err}
	default:
		return &Error{Kind: KindAPI, Message: err.Error(), Err: err}
	}
}

func isOffline(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETDOWN)
}

// Classify returns err as an *Error, classifying unknown errors through
// FromTransport. It returns nil for nil and for context cancellation.
func Classify(err error) *Error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	var apiErr *Error
	if errors.As(FromTransport(err), &apiErr) {
		return apiErr
	}
	return &Error{Kind: KindAPI, Message: err.Error(), Err: err}
}
