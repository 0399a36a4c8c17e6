// Package audit writes a durable trail of pipeline runs.
//
// Each event is one JSON line appended to the trail file: run start and
// outcome, every failed source and every sink that failed to deliver.
// Events are buffered and flushed on size, on a timer and on Stop.
package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType represents the type of audit event.
type EventType string

const (
	// Run events
	EventRunStarted   EventType = "run_started"
	EventRunCompleted EventType = "run_completed"
	EventRunFailed    EventType = "run_failed"
	EventRunSkipped   EventType = "run_skipped"

	// Per-source and per-sink events
	EventSourceFailed  EventType = "source_failed"
	EventPublishFailed EventType = "publish_failed"
)

// Severity represents log severity level.
type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARN"
	SeverityError   Severity = "ERROR"
)

// Event represents an audit event.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	Severity  Severity       `json:"severity"`
	RunID     string         `json:"run_id,omitempty"`
	SourceID  string         `json:"source_id,omitempty"`
	Sink      string         `json:"sink,omitempty"`
	Message   string         `json:"message"`
	Error     string         `json:"error,omitempty"`
	Duration  time.Duration  `json:"duration_ms,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// LoggerConfig configures the audit logger.
type LoggerConfig struct {
	// LogFile is the trail path. Empty disables the trail.
	LogFile string `yaml:"log_file" json:"log_file"`

	// BufferSize is the number of events to buffer before flushing.
	// Default: 100
	BufferSize int `yaml:"buffer_size" json:"buffer_size"`

	// FlushInterval is how often to flush buffered events.
	// Default: 5 seconds
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval"`
}

// Logger is the audit logger. A nil *Logger discards events.
type Logger struct {
	config LoggerConfig
	file   *os.File
	mu     sync.Mutex

	buffer   []Event
	bufferMu sync.Mutex

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	now func() time.Time
}

// NewLogger opens the trail file for append. It returns nil, nil when
// config.LogFile is empty.
func NewLogger(config LoggerConfig) (*Logger, error) {
	if config.LogFile == "" {
		return nil, nil
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}

	if err := os.MkdirAll(filepath.Dir(config.LogFile), 0755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	// 0640 = owner read/write, group read
	file, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}

	return &Logger{
		config: config,
		file:   file,
		buffer: make([]Event, 0, config.BufferSize),
		stopCh: make(chan struct{}),
		now:    time.Now,
	}, nil
}

// Start begins background flushing.
func (l *Logger) Start() {
	if l == nil {
		return
	}
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.mu.Unlock()

	l.wg.Add(1)
	go l.flushLoop()
}

// Stop stops background flushing, writes the remaining events and closes
// the file.
func (l *Logger) Stop() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	if l.running {
		l.running = false
		close(l.stopCh)
	}
	l.mu.Unlock()

	l.wg.Wait()
	l.Flush()
	return l.file.Close()
}

// Log records an audit event.
func (l *Logger) Log(event Event) {
	if l == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}

	l.bufferMu.Lock()
	l.buffer = append(l.buffer, event)
	shouldFlush := len(l.buffer) >= l.config.BufferSize
	l.bufferMu.Unlock()

	if shouldFlush {
		l.Flush()
	}
}

// RunStarted records the start of a run.
func (l *Logger) RunStarted(runID string) {
	l.Log(Event{
		Type:     EventRunStarted,
		Severity: SeverityInfo,
		RunID:    runID,
		Message:  "run started",
	})
}

// RunFinished records the outcome of a run. status is "completed",
// "failed" or "skipped".
func (l *Logger) RunFinished(runID, status string, duration time.Duration, err error, details map[string]any) {
	event := Event{
		RunID:    runID,
		Duration: duration,
		Details:  details,
		Message:  "run " + status,
	}
	switch status {
	case "completed":
		event.Type, event.Severity = EventRunCompleted, SeverityInfo
	case "skipped":
		event.Type, event.Severity = EventRunSkipped, SeverityWarning
	default:
		event.Type, event.Severity = EventRunFailed, SeverityError
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// SourceFailed records a source whose collection failed.
func (l *Logger) SourceFailed(runID, sourceID, url string, err error) {
	event := Event{
		Type:     EventSourceFailed,
		Severity: SeverityWarning,
		RunID:    runID,
		SourceID: sourceID,
		Message:  "source collection failed",
		Details:  map[string]any{"url": url},
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// PublishFailed records a publishing step with failed deliveries.
func (l *Logger) PublishFailed(runID, step string, attempted, failed int) {
	l.Log(Event{
		Type:     EventPublishFailed,
		Severity: SeverityWarning,
		RunID:    runID,
		Sink:     step,
		Message:  fmt.Sprintf("%d of %d deliveries failed", failed, attempted),
		Details:  map[string]any{"attempted": attempted, "failed": failed},
	})
}

// Flush writes buffered events to disk.
func (l *Logger) Flush() {
	if l == nil {
		return
	}
	l.bufferMu.Lock()
	if len(l.buffer) == 0 {
		l.bufferMu.Unlock()
		return
	}
	events := l.buffer
	l.buffer = make([]Event, 0, l.config.BufferSize)
	l.bufferMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = l.file.Write(append(data, '\n'))
	}
	_ = l.file.Sync()
}

func (l *Logger) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.Flush()
		}
	}
}

// ReadEvents parses a trail file written by Logger.
func ReadEvents(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var events []Event
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var e Event
		if err := dec.Decode(&e); err != nil {
			return events, fmt.Errorf("decode audit event %d: %w", len(events), err)
		}
		events = append(events, e)
	}
	return events, nil
}
