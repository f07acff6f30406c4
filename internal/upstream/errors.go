package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"

	"github.com/coinlens/aggregator-core/internal/breaker"
	"github.com/coinlens/aggregator-core/internal/retry"
	"github.com/coinlens/aggregator-core/internal/timeout"
)

// NetworkErrorKind classifies transport-level failures.
type NetworkErrorKind string

const (
	KindReset   NetworkErrorKind = "reset"
	KindTimeout NetworkErrorKind = "timeout"
	KindDNS     NetworkErrorKind = "dns"
)

// NetworkError is a transport-level failure (the request never produced an
// HTTP status). All kinds are retryable under the default classification.
type NetworkError struct {
	Kind NetworkErrorKind
	URL  string
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error (%s) calling %s: %v", e.Kind, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// StatusError is an HTTP-status failure from an upstream provider. 5xx and
// 429 are retryable under the default classification; other 4xx are terminal.
type StatusError struct {
	Service string
	URL     string
	Status  int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned HTTP %d for %s", e.Service, e.Status, e.URL)
}

// HTTPStatus returns the response status code.
func (e *StatusError) HTTPStatus() int { return e.Status }

// BusyError reports that the per-service concurrency limit rejected a call
// before any attempt was made.
type BusyError struct {
	Service string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("too many in-flight calls to %s", e.Service)
}

// classifyNetworkError wraps a transport failure with its kind. The original
// error stays reachable through Unwrap for errors.Is checks.
func classifyNetworkError(url string, err error) *NetworkError {
	kind := KindReset

	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.As(err, &dnsErr):
		kind = KindDNS
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EPIPE):
		kind = KindReset
	}

	return &NetworkError{Kind: kind, URL: url, Err: err}
}

// Retryable is the default retry classification for outbound provider calls:
// retry network failures (reset/timeout/DNS), timeout-guard expiries, any
// 5xx, and HTTP 429. Circuit-breaker rejections, context cancellation, and
// all other 4xx are terminal.
func Retryable(err error) bool {
	var openErr *breaker.OpenError
	if errors.As(err, &openErr) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var toErr *timeout.Error
	if errors.As(err, &toErr) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status >= 500 || statusErr.Status == http.StatusTooManyRequests
	}

	return false
}

// RetryClassifier adapts Retryable for retry policies.
var RetryClassifier retry.Classifier = retry.ClassifierFunc(Retryable)
