package errors

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestKind_String(t *testing.T) {
	tests := []struct {
		kind     Kind
		expected string
	}{
		{KindUnknown, "unknown"},
		{KindInvalidInput, "invalid_input"},
		{KindAuthentication, "authentication"},
		{KindNotFound, "not_found"},
		{KindRateLimit, "rate_limit"},
		{KindTimeout, "timeout"},
		{KindNetwork, "network"},
		{KindServer, "server"},
		{KindInternal, "internal"},
		{KindSourceCollection, "source_collection"},
		{KindConfigParse, "config_parse"},
		{KindPublish, "publish"},
		{KindRegistryInit, "registry_init"},
		{KindNotConfigured, "not_configured"},
		{Kind(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.kind.String(); got != tt.expected {
				t.Errorf("Kind.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "op and message and err",
			err:      &Error{Op: "misp.SendIndicator", Message: "push failed", Err: fmt.Errorf("connection refused")},
			expected: "misp.SendIndicator: push failed: connection refused",
		},
		{
			name:     "op and err",
			err:      &Error{Op: "collector.Collect", Err: fmt.Errorf("connection refused")},
			expected: "collector.Collect: connection refused",
		},
		{
			name:     "op and message",
			err:      &Error{Op: "misp.SendIndicator", Message: "push failed"},
			expected: "misp.SendIndicator: push failed",
		},
		{
			name:     "message and err",
			err:      &Error{Message: "push failed", Err: fmt.Errorf("connection refused")},
			expected: "push failed: connection refused",
		},
		{
			name:     "message only",
			err:      &Error{Message: "push failed"},
			expected: "push failed",
		},
		{
			name:     "empty error",
			err:      &Error{},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error.Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestError_Is(t *testing.T) {
	err1 := &Error{Kind: KindPublish, Message: "push failed"}
	err2 := &Error{Kind: KindPublish, Message: "different message"}
	err3 := &Error{Kind: KindSourceCollection, Message: "push failed"}

	if !err1.Is(err2) {
		t.Error("Errors with same Kind should match")
	}
	if err1.Is(err3) {
		t.Error("Errors with different Kind should not match")
	}
	if err1.Is(fmt.Errorf("some error")) {
		t.Error("Should not match non-Error type")
	}

	wrapped := fmt.Errorf("outer: %w", E(KindNotConfigured, "opencti.SendBundle"))
	if !Is(wrapped, ErrNotConfigured) {
		t.Error("wrapped not-configured error should match ErrNotConfigured")
	}
}

func TestAPIError_Error(t *testing.T) {
	err := &APIError{StatusCode: 502, Body: "upstream down"}
	got := err.Error()
	if !strings.Contains(got, "502") || !strings.Contains(got, "upstream down") {
		t.Errorf("Error() = %q, want status and body", got)
	}

	bare := &APIError{StatusCode: 404}
	if got := bare.Error(); !strings.Contains(got, "Not Found") {
		t.Errorf("Error() = %q, want status text", got)
	}
}

func TestE_Constructor(t *testing.T) {
	underlying := fmt.Errorf("underlying")
	err := E(KindSourceCollection, "collector.Collect", "fetch failed", underlying)
	e, ok := err.(*Error)
	if !ok {
		t.Fatal("E() should return *Error")
	}
	if e.Kind != KindSourceCollection {
		t.Errorf("Kind = %v, want KindSourceCollection", e.Kind)
	}
	if e.Op != "collector.Collect" {
		t.Errorf("Op = %q, want 'collector.Collect'", e.Op)
	}
	if e.Message != "fetch failed" {
		t.Errorf("Message = %q, want 'fetch failed'", e.Message)
	}
	if e.Err != underlying {
		t.Error("Err should be set")
	}
}

func TestWrap(t *testing.T) {
	inner := E(KindRegistryInit, "source.Init", "create table")
	wrapped := Wrap(inner, "pipeline.Execute")

	e, ok := wrapped.(*Error)
	if !ok {
		t.Fatal("Wrap() should return *Error")
	}
	if e.Op != "pipeline.Execute" {
		t.Errorf("Op = %q", e.Op)
	}
	if e.Kind != KindRegistryInit {
		t.Errorf("Wrap() should carry the inner kind, got %v", e.Kind)
	}

	if Wrap(nil, "op") != nil {
		t.Error("Wrap(nil, op) should return nil")
	}
}

func TestGetKind(t *testing.T) {
	err := &Error{Kind: KindRateLimit}
	if kind := GetKind(err); kind != KindRateLimit {
		t.Errorf("GetKind() = %v, want KindRateLimit", kind)
	}

	wrapped := fmt.Errorf("wrapper: %w", err)
	if kind := GetKind(wrapped); kind != KindRateLimit {
		t.Errorf("GetKind() from wrapped = %v, want KindRateLimit", kind)
	}

	kindless := &Error{Op: "outer", Err: &Error{Kind: KindPublish}}
	if kind := GetKind(kindless); kind != KindPublish {
		t.Errorf("GetKind() through kindless wrapper = %v, want KindPublish", kind)
	}

	if kind := GetKind(fmt.Errorf("plain error")); kind != KindUnknown {
		t.Errorf("GetKind() from plain error = %v, want KindUnknown", kind)
	}
}

func TestIsAPIError(t *testing.T) {
	apiErr := &APIError{StatusCode: 400}

	if got, ok := IsAPIError(fmt.Errorf("wrapper: %w", apiErr)); !ok || got != apiErr {
		t.Error("IsAPIError should recognize wrapped *APIError")
	}
	if _, ok := IsAPIError(fmt.Errorf("plain error")); ok {
		t.Error("IsAPIError should return false for non-APIError")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limit kind", &Error{Kind: KindRateLimit}, true},
		{"429", &APIError{StatusCode: http.StatusTooManyRequests}, true},
		{"500", &APIError{StatusCode: 500}, true},
		{"503 wrapped", E(KindPublish, "misp.SendIndicator", &APIError{StatusCode: 503}), true},
		{"501", &APIError{StatusCode: 501}, false},
		{"400", &APIError{StatusCode: 400}, false},
		{"network", &Error{Kind: KindNetwork}, true},
		{"timeout", &Error{Kind: KindTimeout}, true},
		{"not configured", ErrNotConfigured, false},
		{"plain", fmt.Errorf("plain"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsNotConfigured(t *testing.T) {
	if !IsNotConfigured(ErrNotConfigured) {
		t.Error("ErrNotConfigured should be recognised")
	}
	if IsNotConfigured(&Error{Kind: KindPublish}) {
		t.Error("publish error is not a configuration gap")
	}
}
