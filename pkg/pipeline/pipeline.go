// Package pipeline runs one full ingestion pass: load the active sources,
// collect them with bounded concurrency, normalize the items into STIX
// objects, enrich the indicators and publish the result.
//
// A run never returns an error. Failures scoped to one source or one
// publish call are logged and counted in the Summary; only a registry
// failure at run start fails the run as a whole.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/exploopio/intelpipe/pkg/collector"
	"github.com/exploopio/intelpipe/pkg/dedupe"
	"github.com/exploopio/intelpipe/pkg/enrich"
	"github.com/exploopio/intelpipe/pkg/errors"
	"github.com/exploopio/intelpipe/pkg/logger"
	"github.com/exploopio/intelpipe/pkg/metrics"
	"github.com/exploopio/intelpipe/pkg/normalize"
	"github.com/exploopio/intelpipe/pkg/publish"
	"github.com/exploopio/intelpipe/pkg/source"
	"github.com/exploopio/intelpipe/pkg/stix"
)

// Collector collects the items of one source. A failing source returns
// nil items and an error that the collector has already logged.
type Collector interface {
	Collect(ctx context.Context, src source.Source) ([]collector.Item, error)
}

// Publisher delivers a run's indicators and bundle.
type Publisher interface {
	PublishIndicators(ctx context.Context, indicators []*stix.Indicator) publish.Stats
	PublishBundle(ctx context.Context, b *stix.Bundle) publish.Stats
}

// Auditor records run events in a durable trail. *audit.Logger
// implements it.
type Auditor interface {
	RunStarted(runID string)
	RunFinished(runID, status string, duration time.Duration, err error, details map[string]any)
	SourceFailed(runID, sourceID, url string, err error)
	PublishFailed(runID, step string, attempted, failed int)
}

type nopAuditor struct{}

func (nopAuditor) RunStarted(string)                                                {}
func (nopAuditor) RunFinished(string, string, time.Duration, error, map[string]any) {}
func (nopAuditor) SourceFailed(string, string, string, error)                       {}
func (nopAuditor) PublishFailed(string, string, int, int)                           {}

// Config configures a Pipeline.
type Config struct {
	// Concurrency bounds the number of sources collected at once.
	// Default: 4
	Concurrency int `yaml:"concurrency" json:"concurrency"`

	// RunTimeout bounds a whole run. 0 leaves it to the per-call deadlines.
	RunTimeout time.Duration `yaml:"run_timeout" json:"run_timeout"`
}

// DefaultConcurrency is the default number of concurrent source collections.
const DefaultConcurrency = 4

// Pipeline orchestrates runs. At most one run executes at a time; a run
// requested while another is active is skipped.
type Pipeline struct {
	cfg        Config
	registry   source.Registry
	collector  Collector
	normalizer *normalize.Normalizer
	publisher  Publisher
	enrichers  []enrich.Enricher
	filter     *dedupe.Filter
	audit      Auditor
	log        logger.Logger
	metrics    metrics.Collector
	now        func() time.Time

	state   atomic.Int32
	running atomic.Bool

	initMu sync.Mutex
	ready  bool

	mu   sync.RWMutex
	last *Summary
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Collector) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithEnrichers runs enrichers over each run's indicators, in order,
// before publishing.
func WithEnrichers(e ...enrich.Enricher) Option {
	return func(p *Pipeline) { p.enrichers = append(p.enrichers, e...) }
}

// WithDedupe saves f after every run. The filter itself is consulted by
// the Publisher.
func WithDedupe(f *dedupe.Filter) Option {
	return func(p *Pipeline) { p.filter = f }
}

// WithAudit records run, source and publish failures in a.
func WithAudit(a Auditor) Option {
	return func(p *Pipeline) { p.audit = a }
}

// WithClock sets the clock used for run and bookkeeping timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a Pipeline. A nil normalizer uses the defaults.
func New(cfg Config, registry source.Registry, coll Collector, norm *normalize.Normalizer, pub Publisher, opts ...Option) *Pipeline {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if norm == nil {
		norm = normalize.New(nil, normalize.Options{})
	}
	p := &Pipeline{
		cfg:        cfg,
		registry:   registry,
		collector:  coll,
		normalizer: norm,
		publisher:  pub,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = logger.OrDefault(p.log)
	p.metrics = metrics.OrNop(p.metrics)
	if p.audit == nil {
		p.audit = nopAuditor{}
	}
	return p
}

// Init ensures the registry storage exists. A run re-attempts Init until
// it succeeds once.
func (p *Pipeline) Init(ctx context.Context) error {
	p.initMu.Lock()
	defer p.initMu.Unlock()
	if p.ready {
		return nil
	}
	if err := p.registry.Init(ctx); err != nil {
		return errors.E(errors.KindRegistryInit, "pipeline.Init", err)
	}
	p.ready = true
	return nil
}

// State returns the current run state. Safe to call concurrently with a run.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Running reports whether a run is executing.
func (p *Pipeline) Running() bool {
	return p.running.Load()
}

// LastSummary returns the summary of the most recent run that was not
// skipped, or nil before the first run.
func (p *Pipeline) LastSummary() *Summary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

func (p *Pipeline) setState(s State) {
	p.state.Store(int32(s))
	p.metrics.GaugeSet(metrics.RunState.Name, float64(s))
}

// Execute performs one run and returns its summary.
func (p *Pipeline) Execute(ctx context.Context) *Summary {
	sum := &Summary{RunID: uuid.NewString(), StartedAt: p.now().UTC()}
	log := p.log.With(logger.Fields{"run": sum.RunID})

	if !p.running.CompareAndSwap(false, true) {
		sum.Status = StatusSkipped
		sum.FinishedAt = sum.StartedAt
		sum.setErr(errors.ErrRunInProgress)
		log.Log(logger.LevelWarn, nil, "run already in progress, skipping")
		p.metrics.CounterInc(metrics.RunsTotal.Name, "status", string(StatusSkipped))
		p.audit.RunFinished(sum.RunID, string(StatusSkipped), 0, sum.Err, nil)
		return sum
	}
	defer p.running.Store(false)
	p.audit.RunStarted(sum.RunID)

	if p.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.RunTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			sum.Status = StatusFailed
			sum.setErr(errors.E(errors.KindInternal, "pipeline.Execute", fmt.Sprintf("run panicked: %v", r)))
			log.Log(logger.LevelError, logger.Fields{"err": sum.Err}, "run aborted")
		}
		p.finish(log, sum)
	}()

	sources, err := p.loadSources(ctx)
	if err != nil {
		p.setState(StateFailed)
		sum.Status = StatusFailed
		sum.setErr(err)
		log.Log(logger.LevelError, logger.Fields{"err": err}, "failed loading active sources, run aborted")
		return sum
	}

	p.setState(StateCollectingSources)
	items := p.collect(ctx, sources, sum)

	p.setState(StateNormalizing)
	objects := p.normalizer.NormalizeAll(items)
	indicators := countObjects(objects, sum)
	enrich.Apply(ctx, p.enrichers, indicators, log, p.metrics)
	sum.Bundle = p.normalizer.Bundle(objects)
	sum.BundleID = sum.Bundle.ID
	for typ, n := range sum.Bundle.CountByType() {
		p.metrics.CounterAdd(metrics.ObjectsTotal.Name, float64(n), "type", typ)
	}

	p.setState(StatePublishing)
	if p.publisher != nil {
		sum.IndicatorStats = p.publisher.PublishIndicators(ctx, indicators)
		sum.BundleStats = p.publisher.PublishBundle(ctx, sum.Bundle)
		if st := sum.IndicatorStats; st.Failed > 0 {
			p.audit.PublishFailed(sum.RunID, "indicators", st.Attempted, st.Failed)
		}
		if st := sum.BundleStats; st.Failed > 0 {
			p.audit.PublishFailed(sum.RunID, "bundle", st.Attempted, st.Failed)
		}
	}

	p.markScanned(ctx, log, sources)
	if p.filter != nil {
		if err := p.filter.Save(); err != nil {
			log.Log(logger.LevelWarn, logger.Fields{"err": err}, "failed saving republish filter")
		}
	}

	sum.Status = StatusCompleted
	return sum
}

func (p *Pipeline) loadSources(ctx context.Context) ([]source.Source, error) {
	if err := p.Init(ctx); err != nil {
		return nil, err
	}
	sources, err := p.registry.ActiveSources(ctx)
	if err != nil {
		return nil, errors.E(errors.KindRegistryInit, "pipeline.ActiveSources", err)
	}
	return sources, nil
}

// collect runs the sources with bounded concurrency and returns their
// items in source order, then item order.
func (p *Pipeline) collect(ctx context.Context, sources []source.Source, sum *Summary) []collector.Item {
	results := make([][]collector.Item, len(sources))
	var failed atomic.Int64

	sem := make(chan struct{}, p.cfg.Concurrency)
	var wg sync.WaitGroup
	for i := range sources {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			items, err := p.collector.Collect(ctx, sources[i])
			if err != nil {
				failed.Add(1)
				p.audit.SourceFailed(sum.RunID, sources[i].ID, sources[i].URL, err)
				return
			}
			results[i] = items
		}(i)
	}
	wg.Wait()

	var all []collector.Item
	for _, items := range results {
		all = append(all, items...)
	}
	sum.SourcesAttempted = len(sources)
	sum.SourcesFailed = int(failed.Load())
	sum.ItemsCollected = len(all)
	return all
}

func countObjects(objects []stix.Object, sum *Summary) []*stix.Indicator {
	var indicators []*stix.Indicator
	for _, obj := range objects {
		switch o := obj.(type) {
		case *stix.Indicator:
			indicators = append(indicators, o)
		case *stix.Note:
			sum.Notes++
		}
	}
	sum.Indicators = len(indicators)
	sum.Objects = len(objects)
	return indicators
}

// markScanned records the scan time of every attempted source. Runs never
// overlap, so writes for one source never interleave.
func (p *Pipeline) markScanned(ctx context.Context, log logger.Logger, sources []source.Source) {
	at := p.now().UTC()
	for _, src := range sources {
		if err := p.registry.MarkScanned(ctx, src.ID, at); err != nil {
			log.Log(logger.LevelWarn, logger.Fields{"source": src.ID, "err": err}, "failed updating last scanned time")
		}
	}
}

func (p *Pipeline) finish(log logger.Logger, sum *Summary) {
	sum.FinishedAt = p.now().UTC()
	p.setState(StateIdle)

	p.metrics.CounterInc(metrics.RunsTotal.Name, "status", string(sum.Status))
	p.metrics.HistogramObserve(metrics.RunDuration.Name, sum.Duration().Seconds())

	p.mu.Lock()
	p.last = sum
	p.mu.Unlock()

	p.audit.RunFinished(sum.RunID, string(sum.Status), sum.Duration(), sum.Err, map[string]any{
		"sources":           sum.SourcesAttempted,
		"sources_failed":    sum.SourcesFailed,
		"indicators":        sum.Indicators,
		"notes":             sum.Notes,
		"bundle_id":         sum.BundleID,
		"indicators_failed": sum.IndicatorStats.Failed,
	})

	if sum.Status != StatusCompleted {
		return
	}
	log.Log(logger.LevelInfo, logger.Fields{
		"sources":             sum.SourcesAttempted,
		"sources_failed":      sum.SourcesFailed,
		"items":               sum.ItemsCollected,
		"indicators":          sum.Indicators,
		"notes":               sum.Notes,
		"indicators_failed":   sum.IndicatorStats.Failed,
		"bundle_sinks_failed": sum.BundleStats.Failed,
		"duration_ms":         sum.Duration().Milliseconds(),
	}, "run completed")
}
