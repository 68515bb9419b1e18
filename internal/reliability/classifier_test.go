package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}

func TestUpstreamErrorWrapping(t *testing.T) {
	err := fmt.Errorf("attest: %w", NewHTTPError("attestation", 503, "busy"))
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("errors.As failed for %v", err)
	}
	if !ue.Retryable || ue.StatusCode != 503 {
		t.Fatalf("unexpected upstream error: %+v", ue)
	}
	if ServiceOf(err) != "attestation" {
		t.Fatalf("ServiceOf() = %q", ServiceOf(err))
	}

	wrapped := Upstream("oracle", context.DeadlineExceeded)
	if !errors.Is(wrapped, context.DeadlineExceeded) {
		t.Fatalf("Upstream() lost the cause: %v", wrapped)
	}
	if Upstream("tts", wrapped) != wrapped {
		t.Fatalf("Upstream() re-wrapped an UpstreamError")
	}
	if Upstream("tts", nil) != nil {
		t.Fatalf("Upstream(nil) should be nil")
	}
}
