// Package errors provides the error taxonomy for the ingestion pipeline.
//
// Every failure raised inside a run is an *Error carrying a Kind, so the
// orchestrator can decide whether it is isolated (source collection,
// publishing), fatal to the run (registry init), or only worth a warning
// (configuration parsing).
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is the base error type used across intelpipe packages.
type Error struct {
	// Kind indicates the category of error
	Kind Kind

	// Op is the operation being performed (e.g., "collector.Collect")
	Op string

	// Message is a human-readable description
	Message string

	// Err is the underlying error
	Err error
}

// Kind represents the kind/category of error.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindInvalidInput
	KindAuthentication
	KindNotFound
	KindRateLimit
	KindTimeout
	KindNetwork
	KindServer
	KindInternal

	// Pipeline failure modes.
	KindSourceCollection
	KindConfigParse
	KindPublish
	KindRegistryInit
	KindNotConfigured
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindAuthentication:
		return "authentication"
	case KindNotFound:
		return "not_found"
	case KindRateLimit:
		return "rate_limit"
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	case KindInternal:
		return "internal"
	case KindSourceCollection:
		return "source_collection"
	case KindConfigParse:
		return "config_parse"
	case KindPublish:
		return "publish"
	case KindRegistryInit:
		return "registry_init"
	case KindNotConfigured:
		return "not_configured"
	default:
		return "unknown"
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		if e.Err != nil {
			if e.Message == "" {
				return fmt.Sprintf("%s: %v", e.Op, e.Err)
			}
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target.
// Two *Error values match when their kinds match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// APIError is a non-2xx response from a remote endpoint (source or sink).
type APIError struct {
	// StatusCode is the HTTP status code
	StatusCode int `json:"status_code"`

	// URL is the endpoint that answered
	URL string `json:"url,omitempty"`

	// Body is a bounded excerpt of the response body
	Body string `json:"body,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("server returned %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	}
	return fmt.Sprintf("server returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// E constructs an Error from the given arguments.
// Arguments can be: Kind, string (Op first, then Message), error.
func E(args ...interface{}) error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Kind:
			e.Kind = a
		case string:
			if e.Op == "" {
				e.Op = a
			} else {
				e.Message = a
			}
		case error:
			e.Err = a
		}
	}
	return e
}

// New creates a new simple error.
func New(message string) error {
	return &Error{Message: message}
}

// Wrap wraps an error with the operation name.
func Wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: GetKind(err), Err: err}
}

// GetKind returns the Kind of the outermost *Error in the chain that has
// a kind set, or KindUnknown.
func GetKind(err error) Kind {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return KindUnknown
		}
		if e.Kind != KindUnknown {
			return e.Kind
		}
		err = e.Err
	}
	return KindUnknown
}

// IsAPIError checks if err is an APIError and returns it.
func IsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsRateLimitError checks if the error is a rate limit error.
func IsRateLimitError(err error) bool {
	if GetKind(err) == KindRateLimit {
		return true
	}
	if apiErr, ok := IsAPIError(err); ok {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// IsNotConfigured reports whether err signals a sink without endpoint or credential.
func IsNotConfigured(err error) bool {
	return GetKind(err) == KindNotConfigured
}

// IsRetryable checks if the error is worth retrying within the same call.
func IsRetryable(err error) bool {
	if IsRateLimitError(err) {
		return true
	}
	if apiErr, ok := IsAPIError(err); ok {
		// 5xx except 501 Not Implemented
		return apiErr.StatusCode >= 500 && apiErr.StatusCode != http.StatusNotImplemented
	}
	k := GetKind(err)
	return k == KindNetwork || k == KindTimeout
}

// As is errors.As, re-exported so callers need a single errors import.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Is is errors.Is, re-exported so callers need a single errors import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

var (
	// ErrNotConfigured is returned by sinks missing a base URL or credential.
	ErrNotConfigured = &Error{Kind: KindNotConfigured, Message: "sink not configured"}

	// ErrRunInProgress is returned when a run is requested while another is active.
	ErrRunInProgress = &Error{Kind: KindInternal, Message: "run already in progress"}
)
