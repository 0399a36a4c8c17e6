// Package metrics records pipeline activity. Components talk to the
// Collector interface; the Prometheus implementation backs the /metrics
// endpoint and the in-memory one backs tests.
package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Collector is the interface for recording metrics.
// Labels are passed as name/value pairs: "sink", "misp", "status", "ok".
type Collector interface {
	CounterInc(name string, labels ...string)
	CounterAdd(name string, value float64, labels ...string)
	GaugeSet(name string, value float64, labels ...string)
	HistogramObserve(name string, value float64, labels ...string)

	// Handler returns an HTTP handler exposing the metrics.
	Handler() http.Handler
}

// MetricType represents the type of metric.
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// MetricDefinition defines a metric with its metadata.
type MetricDefinition struct {
	Name    string     `json:"name"`
	Type    MetricType `json:"type"`
	Help    string     `json:"help"`
	Labels  []string   `json:"labels,omitempty"`
	Buckets []float64  `json:"buckets,omitempty"`
}

var (
	RunsTotal = MetricDefinition{
		Name:   "intelpipe_runs_total",
		Type:   MetricTypeCounter,
		Help:   "Pipeline runs by terminal status",
		Labels: []string{"status"},
	}
	RunDuration = MetricDefinition{
		Name:    "intelpipe_run_duration_seconds",
		Type:    MetricTypeHistogram,
		Help:    "Duration of pipeline runs in seconds",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900, 1800},
	}
	RunState = MetricDefinition{
		Name: "intelpipe_run_state",
		Type: MetricTypeGauge,
		Help: "Current run state (0 idle, 1 collecting, 2 normalizing, 3 publishing, 4 failed)",
	}
	SourceCollectsTotal = MetricDefinition{
		Name:   "intelpipe_source_collects_total",
		Type:   MetricTypeCounter,
		Help:   "Source collections by source type and outcome",
		Labels: []string{"type", "status"},
	}
	ItemsCollectedTotal = MetricDefinition{
		Name:   "intelpipe_items_collected_total",
		Type:   MetricTypeCounter,
		Help:   "Items collected by source type",
		Labels: []string{"type"},
	}
	ObjectsTotal = MetricDefinition{
		Name:   "intelpipe_objects_total",
		Type:   MetricTypeCounter,
		Help:   "Intelligence objects produced by object type",
		Labels: []string{"type"},
	}
	PublishTotal = MetricDefinition{
		Name:   "intelpipe_publish_total",
		Type:   MetricTypeCounter,
		Help:   "Publish attempts by sink and outcome",
		Labels: []string{"sink", "status"},
	}
	PublishDuration = MetricDefinition{
		Name:    "intelpipe_publish_duration_seconds",
		Type:    MetricTypeHistogram,
		Help:    "Duration of sink calls in seconds",
		Labels:  []string{"sink"},
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}
	EnrichmentsTotal = MetricDefinition{
		Name:   "intelpipe_enrichments_total",
		Type:   MetricTypeCounter,
		Help:   "Enrichment lookups by enricher and outcome",
		Labels: []string{"enricher", "status"},
	}
)

// Definitions returns every metric the pipeline records.
func Definitions() []MetricDefinition {
	return []MetricDefinition{
		RunsTotal, RunDuration, RunState,
		SourceCollectsTotal, ItemsCollectedTotal, ObjectsTotal,
		PublishTotal, PublishDuration, EnrichmentsTotal,
	}
}

// NopCollector discards all metrics.
type NopCollector struct{}

func (NopCollector) CounterInc(string, ...string)                {}
func (NopCollector) CounterAdd(string, float64, ...string)       {}
func (NopCollector) GaugeSet(string, float64, ...string)         {}
func (NopCollector) HistogramObserve(string, float64, ...string) {}
func (NopCollector) Handler() http.Handler                       { return http.NotFoundHandler() }

// InMemoryCollector stores metrics in memory for tests.
type InMemoryCollector struct {
	mu         sync.RWMutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string][]float64
}

// NewInMemoryCollector creates a new in-memory metrics collector.
func NewInMemoryCollector() *InMemoryCollector {
	return &InMemoryCollector{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

// key renders name{l1=v1,l2=v2} with labels sorted by name so lookups do
// not depend on argument order.
func key(name string, labels []string) string {
	if len(labels) < 2 {
		return name
	}
	pairs := make([]string, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		pairs = append(pairs, labels[i]+"="+labels[i+1])
	}
	sort.Strings(pairs)
	return name + "{" + strings.Join(pairs, ",") + "}"
}

func (c *InMemoryCollector) CounterInc(name string, labels ...string) {
	c.CounterAdd(name, 1, labels...)
}

func (c *InMemoryCollector) CounterAdd(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[key(name, labels)] += value
}

func (c *InMemoryCollector) GaugeSet(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[key(name, labels)] = value
}

func (c *InMemoryCollector) HistogramObserve(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key(name, labels)
	c.histograms[k] = append(c.histograms[k], value)
}

func (c *InMemoryCollector) Handler() http.Handler {
	return http.NotFoundHandler()
}

// Counter returns the value of a counter.
func (c *InMemoryCollector) Counter(name string, labels ...string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[key(name, labels)]
}

// Gauge returns the value of a gauge.
func (c *InMemoryCollector) Gauge(name string, labels ...string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gauges[key(name, labels)]
}

// Observations returns all observations of a histogram.
func (c *InMemoryCollector) Observations(name string, labels ...string) []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]float64(nil), c.histograms[key(name, labels)]...)
}

// Timer records the elapsed time of an operation to a histogram.
type Timer struct {
	start     time.Time
	collector Collector
	name      string
	labels    []string
}

// NewTimer starts a timer for the given histogram.
func NewTimer(collector Collector, name string, labels ...string) *Timer {
	return &Timer{start: time.Now(), collector: collector, name: name, labels: labels}
}

// ObserveDuration records the duration since the timer was created.
func (t *Timer) ObserveDuration() time.Duration {
	d := time.Since(t.start)
	t.collector.HistogramObserve(t.name, d.Seconds(), t.labels...)
	return d
}

// OrNop returns c, or a NopCollector when c is nil.
func OrNop(c Collector) Collector {
	if c == nil {
		return NopCollector{}
	}
	return c
}

var (
	_ Collector = NopCollector{}
	_ Collector = (*InMemoryCollector)(nil)
)
