// Package publish delivers normalized intelligence to downstream sinks.
//
// Indicators go one at a time to an indicator sink (MISP); the bundle
// goes once to every bundle sink (OpenCTI, the local archive). A sink
// without an endpoint or credential is skipped with one warning and no
// I/O. Any other failure is logged with the object id and publishing
// carries on; nothing here returns an error to the run.
package publish

import (
	"context"
	"time"

	"github.com/exploopio/intelpipe/pkg/dedupe"
	"github.com/exploopio/intelpipe/pkg/errors"
	"github.com/exploopio/intelpipe/pkg/logger"
	"github.com/exploopio/intelpipe/pkg/metrics"
	"github.com/exploopio/intelpipe/pkg/stix"
)

// IndicatorSink accepts individual indicators.
type IndicatorSink interface {
	Name() string

	// Configured reports whether the sink has what it needs to send.
	Configured() bool

	SendIndicator(ctx context.Context, ind *stix.Indicator) error
}

// BundleSink accepts whole bundles.
type BundleSink interface {
	Name() string
	Configured() bool
	SendBundle(ctx context.Context, b *stix.Bundle) error
}

// Stats counts the outcome of one publishing step.
type Stats struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Add returns the sum of s and o.
func (s Stats) Add(o Stats) Stats {
	return Stats{
		Attempted: s.Attempted + o.Attempted,
		Delivered: s.Delivered + o.Delivered,
		Failed:    s.Failed + o.Failed,
		Skipped:   s.Skipped + o.Skipped,
	}
}

// Publisher fans objects out to the configured sinks.
type Publisher struct {
	indicators IndicatorSink
	bundles    []BundleSink
	filter     *dedupe.Filter
	log        logger.Logger
	metrics    metrics.Collector
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Publisher) { p.log = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Collector) Option {
	return func(p *Publisher) { p.metrics = m }
}

// WithRepublishFilter suppresses indicators whose pattern was already
// delivered.
func WithRepublishFilter(f *dedupe.Filter) Option {
	return func(p *Publisher) { p.filter = f }
}

// New creates a Publisher. indicators may be nil; nil bundle sinks are dropped.
func New(indicators IndicatorSink, bundles []BundleSink, opts ...Option) *Publisher {
	p := &Publisher{indicators: indicators}
	for _, b := range bundles {
		if b != nil {
			p.bundles = append(p.bundles, b)
		}
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = logger.OrDefault(p.log)
	p.metrics = metrics.OrNop(p.metrics)
	return p
}

// PublishIndicators pushes each indicator to the indicator sink in order.
func (p *Publisher) PublishIndicators(ctx context.Context, indicators []*stix.Indicator) Stats {
	var st Stats
	if len(indicators) == 0 {
		return st
	}
	if p.indicators == nil || !p.indicators.Configured() {
		name := "indicators"
		if p.indicators != nil {
			name = p.indicators.Name()
		}
		p.log.Log(logger.LevelWarn, logger.Fields{"sink": name, "indicators": len(indicators)}, "indicator sink not configured, skipping")
		p.metrics.CounterAdd(metrics.PublishTotal.Name, float64(len(indicators)), "sink", name, "status", "skipped")
		st.Skipped = len(indicators)
		return st
	}

	sink := p.indicators
	cancelled := 0
	for _, ind := range indicators {
		if ctx.Err() != nil {
			cancelled++
			continue
		}
		if p.filter != nil && p.filter.Seen(ind.Pattern) {
			st.Skipped++
			p.metrics.CounterInc(metrics.PublishTotal.Name, "sink", sink.Name(), "status", "suppressed")
			continue
		}

		st.Attempted++
		err := p.send(sink.Name(), func() error { return sink.SendIndicator(ctx, ind) })
		switch {
		case err == nil:
			st.Delivered++
			if p.filter != nil {
				p.filter.Mark(ind.Pattern)
			}
		case errors.IsNotConfigured(err):
			st.Attempted--
			st.Skipped++
		default:
			st.Failed++
			p.log.Log(logger.LevelError, logger.Fields{"sink": sink.Name(), "indicator": ind.ID, "err": err}, "failed publishing indicator")
		}
	}

	if cancelled > 0 {
		st.Skipped += cancelled
		p.log.Log(logger.LevelWarn, logger.Fields{"sink": sink.Name(), "skipped": cancelled}, "run cancelled, remaining indicators not published")
	}
	return st
}

// PublishBundle sends b once to every bundle sink. Sinks are independent:
// one failing or unconfigured sink does not affect the others.
func (p *Publisher) PublishBundle(ctx context.Context, b *stix.Bundle) Stats {
	var st Stats
	if b == nil {
		return st
	}

	for _, sink := range p.bundles {
		if !sink.Configured() {
			p.log.Log(logger.LevelWarn, logger.Fields{"sink": sink.Name(), "bundle": b.ID}, "bundle sink not configured, skipping")
			p.metrics.CounterInc(metrics.PublishTotal.Name, "sink", sink.Name(), "status", "skipped")
			st.Skipped++
			continue
		}

		st.Attempted++
		err := p.send(sink.Name(), func() error { return sink.SendBundle(ctx, b) })
		switch {
		case err == nil:
			st.Delivered++
			p.log.Log(logger.LevelInfo, logger.Fields{"sink": sink.Name(), "bundle": b.ID, "objects": len(b.Objects)}, "bundle published")
		case errors.IsNotConfigured(err):
			st.Attempted--
			st.Skipped++
		default:
			st.Failed++
			p.log.Log(logger.LevelError, logger.Fields{"sink": sink.Name(), "bundle": b.ID, "err": err}, "failed publishing bundle")
		}
	}
	return st
}

// Sinks returns the names of the configured sinks, indicator sink first.
func (p *Publisher) Sinks() []string {
	var out []string
	if p.indicators != nil && p.indicators.Configured() {
		out = append(out, p.indicators.Name())
	}
	for _, b := range p.bundles {
		if b.Configured() {
			out = append(out, b.Name())
		}
	}
	return out
}

// send times fn and records its outcome. A panicking sink counts as a failure.
func (p *Publisher) send(sink string, fn func() error) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = errors.E(errors.KindPublish, sink+".send", "sink panicked")
		}
		p.metrics.HistogramObserve(metrics.PublishDuration.Name, time.Since(start).Seconds(), "sink", sink)
		status := "ok"
		switch {
		case err == nil:
		case errors.IsNotConfigured(err):
			status = "skipped"
		default:
			status = "error"
		}
		p.metrics.CounterInc(metrics.PublishTotal.Name, "sink", sink, "status", status)
	}()
	return fn()
}
