// Package provider holds what the STT, LLM and TTS capability packages share:
// the classification of backend failures into transient (retry may succeed)
// and permanent (retry cannot succeed).
//
// Adapters wrap every failure they return with [Transient] or [Permanent].
// Callers inspect the result with [IsTransient], errors.Is against
// [ErrTransient]/[ErrPermanent], or errors.As against *[ServiceError].
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

// Sentinel errors matched by every [ServiceError] of the corresponding kind.
var (
	ErrTransient = errors.New("transient service error")
	ErrPermanent = errors.New("permanent service error")
)

// Kind classifies a backend failure.
type Kind int

const (
	// KindPermanent failures stem from the request itself (malformed audio,
	// unsupported format, policy rejection, bad credentials).
	KindPermanent Kind = iota

	// KindTransient failures stem from the path to the backend (timeouts,
	// rate limits, overloaded or unreachable servers).
	KindTransient
)

// String returns "transient" or "permanent".
func (k Kind) String() string {
	if k == KindTransient {
		return "transient"
	}
	return "permanent"
}

// ServiceError is a classified failure returned by a provider adapter.
type ServiceError struct {
	// Provider names the adapter that failed (e.g., "openai-stt").
	Provider string

	// Kind classifies the failure.
	Kind Kind

	// StatusCode is the HTTP status of the failed request, or 0.
	StatusCode int

	// Err is the underlying error.
	Err error
}

// Error implements error.
func (e *ServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s failure (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s failure: %v", e.Provider, e.Kind, e.Err)
}

// Unwrap exposes both the kind sentinel and the underlying error.
func (e *ServiceError) Unwrap() []error {
	if e.Kind == KindTransient {
		return []error{ErrTransient, e.Err}
	}
	return []error{ErrPermanent, e.Err}
}

// Transient wraps err as a retry-eligible failure of provider.
func Transient(provider string, err error) error {
	return &ServiceError{Provider: provider, Kind: KindTransient, Err: err}
}

// Permanent wraps err as a non-retryable failure of provider.
func Permanent(provider string, err error) error {
	return &ServiceError{Provider: provider, Kind: KindPermanent, Err: err}
}

// FromStatus classifies an HTTP failure by status code. 408, 425, 429 and
// all 5xx responses are transient; every other status is permanent.
func FromStatus(provider string, status int, err error) error {
	kind := KindPermanent
	if IsRetryableStatus(status) {
		kind = KindTransient
	}
	return &ServiceError{Provider: provider, Kind: kind, StatusCode: status, Err: err}
}

// IsRetryableStatus reports whether an HTTP status indicates a failure that
// may clear on its own.
func IsRetryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return status >= 500
}

// Classify wraps an unclassified transport-level error from provider. Errors
// already carrying a [ServiceError] are returned unchanged. Caller
// cancellation stays permanent so retry loops stop.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return err
	}
	if isTransportFailure(err) {
		return Transient(provider, err)
	}
	return Permanent(provider, err)
}

// IsTransient reports whether err is worth retrying. Classified errors answer
// by kind. Unclassified deadline, network and truncated-stream errors count
// as transient; everything else, including context.Canceled, does not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, ErrPermanent) {
		return false
	}
	return isTransportFailure(err)
}

func isTransportFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
