// Package mocks provides function-field test doubles for the pipeline's
// collaborators. Every double records its calls and is safe for
// concurrent use.
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/exploopio/intelpipe/pkg/collector"
	"github.com/exploopio/intelpipe/pkg/source"
	"github.com/exploopio/intelpipe/pkg/stix"
)

// =============================================================================
// Mock Indicator Sink
// =============================================================================

// IndicatorSink is a mock publish.IndicatorSink.
type IndicatorSink struct {
	// SinkName defaults to "mock-indicators".
	SinkName string

	// Unconfigured makes Configured return false.
	Unconfigured bool

	// SendIndicatorFn is called when SendIndicator is invoked
	SendIndicatorFn func(ctx context.Context, ind *stix.Indicator) error

	mu    sync.Mutex
	calls []*stix.Indicator
}

func (m *IndicatorSink) Name() string {
	if m.SinkName == "" {
		return "mock-indicators"
	}
	return m.SinkName
}

func (m *IndicatorSink) Configured() bool { return !m.Unconfigured }

func (m *IndicatorSink) SendIndicator(ctx context.Context, ind *stix.Indicator) error {
	m.mu.Lock()
	m.calls = append(m.calls, ind)
	m.mu.Unlock()
	if m.SendIndicatorFn != nil {
		return m.SendIndicatorFn(ctx, ind)
	}
	return nil
}

// Calls returns the indicators sent so far, in order.
func (m *IndicatorSink) Calls() []*stix.Indicator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*stix.Indicator(nil), m.calls...)
}

// =============================================================================
// Mock Bundle Sink
// =============================================================================

// BundleSink is a mock publish.BundleSink.
type BundleSink struct {
	// SinkName defaults to "mock-bundles".
	SinkName     string
	Unconfigured bool

	// SendBundleFn is called when SendBundle is invoked
	SendBundleFn func(ctx context.Context, b *stix.Bundle) error

	mu    sync.Mutex
	calls []*stix.Bundle
}

func (m *BundleSink) Name() string {
	if m.SinkName == "" {
		return "mock-bundles"
	}
	return m.SinkName
}

func (m *BundleSink) Configured() bool { return !m.Unconfigured }

func (m *BundleSink) SendBundle(ctx context.Context, b *stix.Bundle) error {
	m.mu.Lock()
	m.calls = append(m.calls, b)
	m.mu.Unlock()
	if m.SendBundleFn != nil {
		return m.SendBundleFn(ctx, b)
	}
	return nil
}

// Calls returns the bundles sent so far.
func (m *BundleSink) Calls() []*stix.Bundle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*stix.Bundle(nil), m.calls...)
}

// =============================================================================
// Mock Registry
// =============================================================================

// Registry is a mock source.Registry. Without function fields it serves
// Sources from memory.
type Registry struct {
	Sources []source.Source

	InitFn          func(ctx context.Context) error
	ActiveSourcesFn func(ctx context.Context) ([]source.Source, error)
	MarkScannedFn   func(ctx context.Context, id string, at time.Time) error
	PingFn          func(ctx context.Context) error

	mu          sync.Mutex
	InitCalls   int
	ActiveCalls int
	Scanned     map[string]time.Time
	Upserted    []source.Source
	Closed      bool
}

func (m *Registry) Init(ctx context.Context) error {
	m.mu.Lock()
	m.InitCalls++
	m.mu.Unlock()
	if m.InitFn != nil {
		return m.InitFn(ctx)
	}
	return nil
}

func (m *Registry) ActiveSources(ctx context.Context) ([]source.Source, error) {
	m.mu.Lock()
	m.ActiveCalls++
	m.mu.Unlock()
	if m.ActiveSourcesFn != nil {
		return m.ActiveSourcesFn(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []source.Source
	for _, s := range m.Sources {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Registry) Upsert(_ context.Context, src source.Source) (source.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Upserted = append(m.Upserted, src)
	return src, nil
}

func (m *Registry) MarkScanned(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	if m.Scanned == nil {
		m.Scanned = make(map[string]time.Time)
	}
	m.Scanned[id] = at
	m.mu.Unlock()
	if m.MarkScannedFn != nil {
		return m.MarkScannedFn(ctx, id, at)
	}
	return nil
}

func (m *Registry) Ping(ctx context.Context) error {
	if m.PingFn != nil {
		return m.PingFn(ctx)
	}
	return nil
}

func (m *Registry) Close() error {
	m.mu.Lock()
	m.Closed = true
	m.mu.Unlock()
	return nil
}

// ScannedIDs returns ids passed to MarkScanned.
func (m *Registry) ScannedIDs() map[string]time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]time.Time, len(m.Scanned))
	for k, v := range m.Scanned {
		out[k] = v
	}
	return out
}

// =============================================================================
// Mock Strategy
// =============================================================================

// Strategy is a mock collector.Strategy.
type Strategy struct {
	SourceType source.Type

	// CollectFn is called when Collect is invoked
	CollectFn func(ctx context.Context, src source.Source) ([]collector.Item, error)

	mu    sync.Mutex
	calls []source.Source
}

func (m *Strategy) Type() source.Type { return m.SourceType }

func (m *Strategy) Collect(ctx context.Context, src source.Source) ([]collector.Item, error) {
	m.mu.Lock()
	m.calls = append(m.calls, src)
	m.mu.Unlock()
	if m.CollectFn != nil {
		return m.CollectFn(ctx, src)
	}
	return nil, nil
}

// Calls returns the sources collected so far.
func (m *Strategy) Calls() []source.Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]source.Source(nil), m.calls...)
}

// =============================================================================
// Mock Enricher
// =============================================================================

// Enricher is a mock enrich.Enricher.
type Enricher struct {
	EnricherName string
	EnrichFn     func(ctx context.Context, indicators []*stix.Indicator) (int, error)

	mu    sync.Mutex
	Calls int
}

func (m *Enricher) Name() string {
	if m.EnricherName == "" {
		return "mock"
	}
	return m.EnricherName
}

func (m *Enricher) Enrich(ctx context.Context, indicators []*stix.Indicator) (int, error) {
	m.mu.Lock()
	m.Calls++
	m.mu.Unlock()
	if m.EnrichFn != nil {
		return m.EnrichFn(ctx, indicators)
	}
	return 0, nil
}
