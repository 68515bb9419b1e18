package reliability

import (
	"errors"
	"fmt"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableRealtimeMessageType classifies retryable realtime transcription errors.
func IsRetryableRealtimeMessageType(messageType string) bool {
	switch messageType {
	case "rate_limited", "resource_exhausted", "queue_overflow", "error":
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// UpstreamError reports a failed call to an external collaborator
// (transcription, oracle, synthesis, attestation, compression, registry).
type UpstreamError struct {
	Service    string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s upstream failure (status %d): %v", e.Service, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s upstream failure: %v", e.Service, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// NewHTTPError builds an UpstreamError from a non-2xx response.
func NewHTTPError(service string, statusCode int, body string) *UpstreamError {
	return &UpstreamError{
		Service:    service,
		StatusCode: statusCode,
		Retryable:  IsRetryableHTTPStatus(statusCode),
		Err:        errors.New(body),
	}
}

// Upstream wraps a transport-level failure (dial, timeout, decode).
func Upstream(service string, err error) error {
	if err == nil {
		return nil
	}
	var existing *UpstreamError
	if errors.As(err, &existing) {
		return err
	}
	return &UpstreamError{Service: service, Err: err}
}

// ServiceOf returns the upstream service name carried by err, or "".
func ServiceOf(err error) string {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Service
	}
	return ""
}
