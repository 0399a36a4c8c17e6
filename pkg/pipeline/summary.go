package pipeline

import (
	"time"

	"github.com/exploopio/intelpipe/pkg/errors"
	"github.com/exploopio/intelpipe/pkg/publish"
	"github.com/exploopio/intelpipe/pkg/stix"
)

// State is the phase of the current run.
type State int32

const (
	StateIdle State = iota
	StateCollectingSources
	StateNormalizing
	StatePublishing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCollectingSources:
		return "collecting-sources"
	case StateNormalizing:
		return "normalizing"
	case StatePublishing:
		return "publishing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is the terminal outcome of a run.
type Status string

const (
	// StatusCompleted means the run reached the end. Source and publish
	// failures are partial results, not a failed run.
	StatusCompleted Status = "completed"

	// StatusFailed means the registry could not be reached at run start.
	StatusFailed Status = "failed"

	// StatusSkipped means another run was still executing.
	StatusSkipped Status = "skipped"
)

// Summary reports the outcome of one run.
type Summary struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Status     Status    `json:"status"`

	SourcesAttempted int `json:"sources_attempted"`
	SourcesFailed    int `json:"sources_failed"`
	ItemsCollected   int `json:"items_collected"`

	Indicators int `json:"indicators"`
	Notes      int `json:"notes"`
	Objects    int `json:"objects"`

	BundleID string       `json:"bundle_id,omitempty"`
	Bundle   *stix.Bundle `json:"-"`

	IndicatorStats publish.Stats `json:"indicator_stats"`
	BundleStats    publish.Stats `json:"bundle_stats"`

	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`

	// ErrorKind classifies Err, e.g. "registry_init".
	ErrorKind string `json:"error_kind,omitempty"`
}

func (s *Summary) setErr(err error) {
	s.Err = err
	if err == nil {
		s.Error, s.ErrorKind = "", ""
		return
	}
	s.Error = err.Error()
	s.ErrorKind = errors.GetKind(err).String()
}

// Duration returns the run's wall time.
func (s *Summary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}
