package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
)

func TestIsUnavailable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"circuit open", ErrCircuitOpen, true},
		{"wrapped circuit open", eris.Wrap(ErrCircuitOpen, "analytics: query"), true},
		{"503", NewStatusError(errors.New("unavailable"), 503), true},
		{"502 wrapped", fmt.Errorf("query: %w", NewStatusError(errors.New("bad gateway"), 502)), true},
		{"500", NewStatusError(errors.New("boom"), 500), false},
		{"400", NewStatusError(errors.New("bad request"), 400), false},
		{"connection refused", fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED), true},
		{"connection reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"dns timeout", &net.DNSError{IsTimeout: true, Err: "timeout"}, true},
		{"dial op error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, true},
		{"string pattern", errors.New("Post http://x: no such host"), true},
		{"plain", errors.New("invalid json payload"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUnavailable(tt.err); got != tt.want {
				t.Errorf("IsUnavailable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	retryable := []int{408, 429, 500, 502, 503, 504}
	for _, code := range retryable {
		if !IsRetryable(NewStatusError(errors.New("x"), code)) {
			t.Errorf("expected HTTP %d to be retryable", code)
		}
	}
	permanent := []int{400, 401, 403, 404, 422}
	for _, code := range permanent {
		if IsRetryable(NewStatusError(errors.New("x"), code)) {
			t.Errorf("expected HTTP %d to NOT be retryable", code)
		}
	}
	if IsRetryable(ErrCircuitOpen) {
		t.Error("open circuit should not be retried")
	}
	if IsRetryable(nil) {
		t.Error("nil should not be retryable")
	}
	if !IsRetryable(fmt.Errorf("dial: %w", syscall.ECONNREFUSED)) {
		t.Error("connection refused should be retryable")
	}
}

func TestStatusError_Unwrap(t *testing.T) {
	inner := errors.New("root cause")
	se := NewStatusError(inner, 503)

	if !errors.Is(se, inner) {
		t.Error("StatusError.Unwrap should return the inner error")
	}
	if se.Error() != "root cause" {
		t.Errorf("unexpected message %q", se.Error())
	}
}
