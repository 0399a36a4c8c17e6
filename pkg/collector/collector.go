// Package collector turns upstream sources into collected items.
//
// Each source type has a Strategy. The Dispatcher picks the strategy from
// a lookup table, bounds the call with a deadline and isolates failures:
// a failing source is logged and yields no items, it never aborts the
// caller.
package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/exploopio/intelpipe/pkg/errors"
	"github.com/exploopio/intelpipe/pkg/logger"
	"github.com/exploopio/intelpipe/pkg/metrics"
	"github.com/exploopio/intelpipe/pkg/observable"
	"github.com/exploopio/intelpipe/pkg/source"
)

// Item is one entry discovered in a source.
type Item struct {
	ID         string                 `json:"id"`
	Title      string                 `json:"title"`
	URL        string                 `json:"url"`
	Summary    string                 `json:"summary"`
	Published  *time.Time             `json:"published,omitempty"`
	Confidence int                    `json:"confidence"`
	Source     string                 `json:"source"`
	SourceType source.Type            `json:"source_type"`
	Observable *observable.Observable `json:"observable,omitempty"`
}

// Strategy collects items from one source type.
type Strategy interface {
	Type() source.Type
	Collect(ctx context.Context, src source.Source) ([]Item, error)
}

// Config configures the default strategies and the dispatcher.
type Config struct {
	// Timeout bounds one source collection unless the source overrides it.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// UserAgent is sent on every request.
	UserAgent string `yaml:"user_agent" json:"user_agent"`

	// MaxBodyBytes caps a response body.
	MaxBodyBytes int64 `yaml:"max_body_bytes" json:"max_body_bytes"`

	// RequestsPerSecond limits outbound fetches across all sources; 0 disables.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
}

// DefaultConfig returns the collector defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		UserAgent:    "intelpipe/1.0",
		MaxBodyBytes: 10 << 20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	return c
}

// Dispatcher routes a source to its strategy.
type Dispatcher struct {
	cfg        Config
	strategies map[source.Type]Strategy
	log        logger.Logger
	metrics    metrics.Collector
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Collector) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithStrategy registers s for its type, replacing any default.
func WithStrategy(s Strategy) Option {
	return func(d *Dispatcher) { d.strategies[s.Type()] = s }
}

// WithoutDefaults starts from an empty strategy table.
func WithoutDefaults() Option {
	return func(d *Dispatcher) {
		for k := range d.strategies {
			delete(d.strategies, k)
		}
	}
}

// NewDispatcher builds a dispatcher with the four default strategies
// sharing one Fetcher. Options apply in order.
func NewDispatcher(cfg Config, opts ...Option) *Dispatcher {
	cfg = cfg.withDefaults()
	fetcher := NewFetcher(cfg)

	d := &Dispatcher{
		cfg: cfg,
		strategies: map[source.Type]Strategy{
			source.TypeFeed:       NewFeedStrategy(fetcher),
			source.TypePage:       NewPageStrategy(fetcher),
			source.TypeAPI:        NewAPIStrategy(fetcher),
			source.TypeRestricted: NewRestrictedStrategy(fetcher),
		},
		log:     logger.Default(),
		metrics: metrics.NopCollector{},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = logger.OrDefault(d.log)
	d.metrics = metrics.OrNop(d.metrics)
	return d
}

// Register sets the strategy for its type.
func (d *Dispatcher) Register(s Strategy) {
	d.strategies[s.Type()] = s
}

// Strategy returns the strategy registered for t.
func (d *Dispatcher) Strategy(t source.Type) (Strategy, bool) {
	s, ok := d.strategies[t.Canonical()]
	return s, ok
}

// Collect runs the strategy for src.
//
// It never panics and never propagates a strategy failure as a partial
// result: on failure the items are nil and the returned error, already
// logged, is for accounting only. An unknown source type is skipped with
// a warning and returns nil, nil. An unparseable configuration is logged
// as a warning and replaced by an empty one.
func (d *Dispatcher) Collect(ctx context.Context, src source.Source) (items []Item, err error) {
	const op = "collector.Collect"

	log := d.log.With(logger.Fields{"source": src.ID, "source_type": string(src.Type)})

	cfg, cerr := source.ParseConfiguration(src.Configuration)
	if cerr != nil {
		log.Log(logger.LevelWarn, logger.Fields{"err": cerr}, "failed parsing source configuration, defaulting to empty")
	}
	src.Configuration = cfg
	src.Type = src.Type.Canonical()

	strategy, ok := d.strategies[src.Type]
	if !ok {
		log.Log(logger.LevelWarn, nil, "unknown source type, skipping")
		d.metrics.CounterInc(metrics.SourceCollectsTotal.Name, "type", typeLabel(src.Type), "status", "skipped")
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout(d.cfg.Timeout))
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			items = nil
			err = d.fail(log, src, errors.E(errors.KindSourceCollection, op, fmt.Sprintf("strategy panicked: %v", r)))
		}
	}()

	start := time.Now()
	items, err = strategy.Collect(ctx, src)
	if err != nil {
		return nil, d.fail(log, src, errors.E(errors.KindSourceCollection, op, "collect "+src.URL, err))
	}

	for i := range items {
		if items[i].Source == "" {
			items[i].Source = src.Name
		}
		items[i].SourceType = src.Type
	}

	d.metrics.CounterInc(metrics.SourceCollectsTotal.Name, "type", string(src.Type), "status", "ok")
	d.metrics.CounterAdd(metrics.ItemsCollectedTotal.Name, float64(len(items)), "type", string(src.Type))
	log.Log(logger.LevelDebug, logger.Fields{"items": len(items), "duration_ms": time.Since(start).Milliseconds()}, "collected from source")
	return items, nil
}

func (d *Dispatcher) fail(log logger.Logger, src source.Source, err error) error {
	log.Log(logger.LevelError, logger.Fields{"err": err}, "failed collecting from source")
	d.metrics.CounterInc(metrics.SourceCollectsTotal.Name, "type", typeLabel(src.Type), "status", "error")
	return err
}

func typeLabel(t source.Type) string {
	if t.Valid() {
		return string(t)
	}
	return "unknown"
}

// clampConfidence keeps confidence in the STIX 0-100 range, using def
// when the record carries none.
func clampConfidence(v float64, def int) int {
	switch {
	case v <= 0:
		return def
	case v > 100:
		return 100
	default:
		return int(v)
	}
}
