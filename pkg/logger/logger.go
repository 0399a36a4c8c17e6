// Package logger defines the structured logging contract used by every
// pipeline component and its default implementations.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
)

// Level is a log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel converts a textual level. Unknown values map to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Fields are structured key/value pairs attached to an entry.
type Fields map[string]any

// Logger is the structured logger accepted by all components.
// Implement this interface to plug another backend.
type Logger interface {
	// Log writes one entry.
	Log(level Level, fields Fields, msg string)

	// With returns a logger that adds fields to every entry.
	With(fields Fields) Logger
}

// merge returns a new map with b layered over a.
func merge(a, b Fields) Fields {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	out := make(Fields, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// SlogLogger writes entries through log/slog.
type SlogLogger struct {
	handler slog.Handler
	fields  Fields
}

// Options configures NewSlog.
type Options struct {
	Level  Level
	Format string // "text" (default) or "json"
	Output io.Writer
}

// NewSlog creates a slog-backed logger.
func NewSlog(opts Options) *SlogLogger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	hopts := &slog.HandlerOptions{Level: toSlog(opts.Level)}

	var h slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		h = slog.NewJSONHandler(out, hopts)
	} else {
		h = slog.NewTextHandler(out, hopts)
	}
	return &SlogLogger{handler: h}
}

func toSlog(l Level) slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Log implements Logger.
func (l *SlogLogger) Log(level Level, fields Fields, msg string) {
	sl := toSlog(level)
	ctx := context.Background()
	if !l.handler.Enabled(ctx, sl) {
		return
	}
	all := merge(l.fields, fields)

	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		v := all[k]
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		attrs = append(attrs, slog.Any(k, v))
	}
	slog.New(l.handler).LogAttrs(ctx, sl, msg, attrs...)
}

// With implements Logger.
func (l *SlogLogger) With(fields Fields) Logger {
	return &SlogLogger{handler: l.handler, fields: merge(l.fields, fields)}
}

// NopLogger discards all entries.
type NopLogger struct{}

func (NopLogger) Log(Level, Fields, string) {}
func (n NopLogger) With(Fields) Logger      { return n }

// Entry is a captured log entry.
type Entry struct {
	Level   Level
	Fields  Fields
	Message string
}

// Recorder keeps every entry in memory. Safe for concurrent use.
type Recorder struct {
	mu      *sync.Mutex
	entries *[]Entry
	fields  Fields
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{mu: &sync.Mutex{}, entries: &[]Entry{}}
}

// Log implements Logger.
func (r *Recorder) Log(level Level, fields Fields, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.entries = append(*r.entries, Entry{Level: level, Fields: merge(r.fields, fields), Message: msg})
}

// With implements Logger. The derived recorder shares its entry list with r.
func (r *Recorder) With(fields Fields) Logger {
	return &Recorder{mu: r.mu, entries: r.entries, fields: merge(r.fields, fields)}
}

// Entries returns a copy of all entries.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(*r.entries))
	copy(out, *r.entries)
	return out
}

// Count returns the number of entries logged at level.
func (r *Recorder) Count(level Level) int {
	n := 0
	for _, e := range r.Entries() {
		if e.Level == level {
			n++
		}
	}
	return n
}

var (
	defaultMu     sync.RWMutex
	defaultLogger Logger = NopLogger{}
)

// SetDefault replaces the package default logger.
func SetDefault(l Logger) {
	if l == nil {
		l = NopLogger{}
	}
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// Default returns the package default logger.
func Default() Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// OrDefault returns l, or the package default when l is nil.
func OrDefault(l Logger) Logger {
	if l == nil {
		return Default()
	}
	return l
}

var (
	_ Logger = (*SlogLogger)(nil)
	_ Logger = NopLogger{}
	_ Logger = (*Recorder)(nil)
)
