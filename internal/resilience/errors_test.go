package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit transient", NewTransientError(errors.New("server overloaded"), 503), true},
		{"wrapped transient", fmt.Errorf("api call failed: %w", NewTransientError(errors.New("rate limited"), 429)), true},
		{"plain error", errors.New("invalid input: missing field"), false},
		{"conn reset errno", fmt.Errorf("write tcp: %w", syscall.ECONNRESET), true},
		{"conn refused errno", fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED), true},
		{"net timeout", &net.DNSError{IsTimeout: true, Err: "timeout"}, true},
		{"reset message", errors.New("connection reset by peer"), true},
		{"broken pipe message", errors.New("broken pipe"), true},
		{"tls message", errors.New("TLS handshake timeout"), true},
		{"io timeout message", errors.New("read: i/o timeout"), true},
		{"idle conn message", errors.New("http: server closed idle connection"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("expected HTTP %d to be transient", code)
		}
	}
	for _, code := range []int{200, 201, 400, 401, 403, 404, 405, 408, 409, 422} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("expected HTTP %d to NOT be transient", code)
		}
	}
}

func TestTransientError_Unwrap(t *testing.T) {
	inner := errors.New("root cause")
	te := NewTransientError(inner, 500)

	if !errors.Is(te, inner) {
		t.Error("errors.Is should see through TransientError")
	}
	if te.StatusCode != 500 {
		t.Errorf("expected StatusCode 500, got %d", te.StatusCode)
	}
	if te.Error() != "root cause" {
		t.Errorf("expected message %q, got %q", "root cause", te.Error())
	}
}

func TestIsRateLimited(t *testing.T) {
	if !IsRateLimited(NewTransientError(errors.New("slow down"), 429)) {
		t.Error("expected 429 to be rate limited")
	}
	if IsRateLimited(NewTransientError(errors.New("boom"), 503)) {
		t.Error("expected 503 to NOT be rate limited")
	}
	if IsRateLimited(errors.New("plain")) {
		t.Error("expected plain error to NOT be rate limited")
	}
}
