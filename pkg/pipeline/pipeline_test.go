package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/exploopio/intelpipe/pkg/audit"
	"github.com/exploopio/intelpipe/pkg/collector"
	"github.com/exploopio/intelpipe/pkg/dedupe"
	"github.com/exploopio/intelpipe/pkg/errors"
	"github.com/exploopio/intelpipe/pkg/logger"
	"github.com/exploopio/intelpipe/pkg/metrics"
	"github.com/exploopio/intelpipe/pkg/mocks"
	"github.com/exploopio/intelpipe/pkg/observable"
	"github.com/exploopio/intelpipe/pkg/publish"
	"github.com/exploopio/intelpipe/pkg/source"
	"github.com/exploopio/intelpipe/pkg/stix"
)

var fixedNow = time.Date(2024, 3, 29, 12, 0, 0, 0, time.UTC)

func feedSources(ids ...string) []source.Source {
	out := make([]source.Source, len(ids))
	for i, id := range ids {
		out[i] = source.Source{ID: id, Name: "source " + id, Type: source.TypeFeed, URL: "https://" + id + ".example/feed", Enabled: true}
	}
	return out
}

func cve(id string) *observable.Observable {
	return &observable.Observable{Kind: observable.KindVulnerability, Property: "name", Value: id}
}

type harness struct {
	registry   *mocks.Registry
	strategy   *mocks.Strategy
	indicators *mocks.IndicatorSink
	bundles    *mocks.BundleSink
	log        *logger.Recorder
	metrics    *metrics.InMemoryCollector
}

func newHarness(sources []source.Source, collect func(ctx context.Context, src source.Source) ([]collector.Item, error)) *harness {
	return &harness{
		registry:   &mocks.Registry{Sources: sources},
		strategy:   &mocks.Strategy{SourceType: source.TypeFeed, CollectFn: collect},
		indicators: &mocks.IndicatorSink{SinkName: "misp"},
		bundles:    &mocks.BundleSink{SinkName: "opencti"},
		log:        logger.NewRecorder(),
		metrics:    metrics.NewInMemoryCollector(),
	}
}

func (h *harness) pipeline(cfg Config, opts ...Option) *Pipeline {
	disp := collector.NewDispatcher(collector.Config{},
		collector.WithoutDefaults(),
		collector.WithStrategy(h.strategy),
		collector.WithLogger(h.log),
		collector.WithMetrics(h.metrics),
	)
	pub := publish.New(h.indicators, []publish.BundleSink{h.bundles}, publish.WithLogger(h.log), publish.WithMetrics(h.metrics))
	opts = append([]Option{WithLogger(h.log), WithMetrics(h.metrics), WithClock(func() time.Time { return fixedNow })}, opts...)
	return New(cfg, h.registry, disp, nil, pub, opts...)
}

func TestExecute_IsolatesFailingSources(t *testing.T) {
	h := newHarness(feedSources("s1", "s2", "s3"), func(_ context.Context, src source.Source) ([]collector.Item, error) {
		switch src.ID {
		case "s1":
			time.Sleep(20 * time.Millisecond)
			return []collector.Item{{ID: "a", Title: "xz backdoor", Summary: "CVE-2024-3094", Observable: cve("CVE-2024-3094")}}, nil
		case "s2":
			return nil, fmt.Errorf("connection refused")
		default:
			return []collector.Item{
				{ID: "b", Summary: "forum chatter without observables"},
				{ID: "c", Title: "c2", Observable: &observable.Observable{Kind: observable.KindIPv4, Property: "value", Value: "203.0.113.7"}},
			}, nil
		}
	})
	p := h.pipeline(Config{})

	sum := p.Execute(context.Background())

	if sum.Status != StatusCompleted || sum.Err != nil {
		t.Fatalf("status = %s, err = %v", sum.Status, sum.Err)
	}
	if sum.SourcesAttempted != 3 || sum.SourcesFailed != 1 || sum.ItemsCollected != 3 {
		t.Errorf("counts = %+v", sum)
	}
	if sum.Indicators != 2 || sum.Notes != 1 || sum.Objects != 3 {
		t.Errorf("objects = %d indicators, %d notes, %d total", sum.Indicators, sum.Notes, sum.Objects)
	}
	if got := h.log.Count(logger.LevelError); got != 1 {
		t.Errorf("error logs = %d, want exactly one for the failing source", got)
	}

	objs := sum.Bundle.Objects
	if len(objs) != 3 {
		t.Fatalf("bundle objects = %d", len(objs))
	}
	if ind, ok := objs[0].(*stix.Indicator); !ok || ind.Pattern != "[vulnerability:name = 'CVE-2024-3094']" {
		t.Errorf("objects[0] = %+v", objs[0])
	}
	if _, ok := objs[1].(*stix.Note); !ok {
		t.Errorf("objects[1] = %T, want note", objs[1])
	}
	if ind, ok := objs[2].(*stix.Indicator); !ok || ind.Pattern != "[ipv4-addr:value = '203.0.113.7']" {
		t.Errorf("objects[2] = %+v", objs[2])
	}

	if len(h.indicators.Calls()) != 2 {
		t.Errorf("indicator sink calls = %d", len(h.indicators.Calls()))
	}
	if calls := h.bundles.Calls(); len(calls) != 1 || calls[0] != sum.Bundle {
		t.Errorf("bundle sink calls = %v", calls)
	}
	if sum.IndicatorStats.Delivered != 2 || sum.BundleStats.Delivered != 1 {
		t.Errorf("stats = %+v / %+v", sum.IndicatorStats, sum.BundleStats)
	}

	scanned := h.registry.ScannedIDs()
	for _, id := range []string{"s1", "s2", "s3"} {
		if at, ok := scanned[id]; !ok || !at.Equal(fixedNow) {
			t.Errorf("source %s scanned at %v (%v)", id, at, ok)
		}
	}

	if p.State() != StateIdle || p.Running() {
		t.Errorf("state = %s, running = %v", p.State(), p.Running())
	}
	if p.LastSummary() != sum {
		t.Error("LastSummary should return the completed run")
	}
	if got := h.metrics.Counter(metrics.RunsTotal.Name, "status", "completed"); got != 1 {
		t.Errorf("runs_total{completed} = %v", got)
	}
	if got := h.metrics.Counter(metrics.ObjectsTotal.Name, "type", "indicator"); got != 2 {
		t.Errorf("objects_total{indicator} = %v", got)
	}
}

func TestExecute_RegistryFailure(t *testing.T) {
	h := newHarness(feedSources("s1"), nil)
	h.registry.ActiveSourcesFn = func(context.Context) ([]source.Source, error) {
		return nil, fmt.Errorf("database is locked")
	}
	p := h.pipeline(Config{})

	sum := p.Execute(context.Background())

	if sum.Status != StatusFailed || errors.GetKind(sum.Err) != errors.KindRegistryInit {
		t.Fatalf("status = %s, err = %v", sum.Status, sum.Err)
	}
	if sum.ErrorKind != "registry_init" || sum.Error == "" {
		t.Errorf("error fields = %q / %q", sum.ErrorKind, sum.Error)
	}
	if len(h.strategy.Calls()) != 0 || len(h.indicators.Calls()) != 0 || len(h.bundles.Calls()) != 0 {
		t.Error("a failed run must not collect or publish")
	}
	if len(h.registry.ScannedIDs()) != 0 {
		t.Error("a failed run must not touch bookkeeping")
	}
	if p.State() != StateIdle {
		t.Errorf("state = %s, want idle after failure", p.State())
	}
	if got := h.metrics.Counter(metrics.RunsTotal.Name, "status", "failed"); got != 1 {
		t.Errorf("runs_total{failed} = %v", got)
	}
}

func TestExecute_RetriesInit(t *testing.T) {
	h := newHarness(feedSources("s1"), nil)
	var attempts int32
	h.registry.InitFn = func(context.Context) error {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return fmt.Errorf("disk not mounted")
		}
		return nil
	}
	p := h.pipeline(Config{})

	if err := p.Init(context.Background()); errors.GetKind(err) != errors.KindRegistryInit {
		t.Fatalf("Init() = %v", err)
	}
	if sum := p.Execute(context.Background()); sum.Status != StatusCompleted {
		t.Fatalf("second attempt status = %s (%v)", sum.Status, sum.Err)
	}
	p.Execute(context.Background())
	if h.registry.InitCalls != 2 {
		t.Errorf("InitCalls = %d, want init to stop once it succeeded", h.registry.InitCalls)
	}
}

func TestExecute_SkipsOverlappingRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(feedSources("slow"), func(ctx context.Context, _ source.Source) ([]collector.Item, error) {
		close(started)
		<-release
		return nil, nil
	})
	p := h.pipeline(Config{})

	done := make(chan *Summary)
	go func() { done <- p.Execute(context.Background()) }()
	<-started

	if p.State() != StateCollectingSources || !p.Running() {
		t.Errorf("state = %s, running = %v", p.State(), p.Running())
	}
	second := p.Execute(context.Background())
	if second.Status != StatusSkipped || !errors.Is(second.Err, errors.ErrRunInProgress) {
		t.Errorf("overlapping run = %s (%v)", second.Status, second.Err)
	}

	close(release)
	first := <-done
	if first.Status != StatusCompleted {
		t.Errorf("first run = %s", first.Status)
	}
	if p.LastSummary() != first {
		t.Error("a skipped run must not replace the last summary")
	}
	if len(h.strategy.Calls()) != 1 {
		t.Errorf("strategy calls = %d", len(h.strategy.Calls()))
	}
	if got := h.metrics.Counter(metrics.RunsTotal.Name, "status", "skipped"); got != 1 {
		t.Errorf("runs_total{skipped} = %v", got)
	}
}

func TestExecute_BoundedConcurrencyKeepsOrder(t *testing.T) {
	ids := []string{"s0", "s1", "s2", "s3", "s4", "s5", "s6", "s7"}
	var inFlight, peak int32
	h := newHarness(feedSources(ids...), func(_ context.Context, src source.Source) ([]collector.Item, error) {
		n := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		// earlier sources finish last
		idx := int(src.ID[1] - '0')
		time.Sleep(time.Duration(len(ids)-idx) * 3 * time.Millisecond)
		return []collector.Item{{ID: src.ID, Summary: src.ID}}, nil
	})
	p := h.pipeline(Config{Concurrency: 3})

	sum := p.Execute(context.Background())

	if peak > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", peak)
	}
	if len(sum.Bundle.Objects) != len(ids) {
		t.Fatalf("objects = %d", len(sum.Bundle.Objects))
	}
	for i, obj := range sum.Bundle.Objects {
		note, ok := obj.(*stix.Note)
		if !ok || note.Content != ids[i] {
			t.Errorf("objects[%d] = %+v, want note for %s", i, obj, ids[i])
		}
	}
}

func TestExecute_UnconfiguredSinks(t *testing.T) {
	h := newHarness(feedSources("s1"), func(context.Context, source.Source) ([]collector.Item, error) {
		return []collector.Item{{Title: "t", Observable: cve("CVE-2024-1")}}, nil
	})
	h.indicators.Unconfigured = true
	h.bundles.Unconfigured = true
	p := h.pipeline(Config{})

	sum := p.Execute(context.Background())

	if sum.Status != StatusCompleted {
		t.Fatalf("status = %s", sum.Status)
	}
	if len(h.indicators.Calls())+len(h.bundles.Calls()) != 0 {
		t.Error("unconfigured sinks must never be called")
	}
	if sum.IndicatorStats != (publish.Stats{Skipped: 1}) || sum.BundleStats != (publish.Stats{Skipped: 1}) {
		t.Errorf("stats = %+v / %+v", sum.IndicatorStats, sum.BundleStats)
	}
	if h.log.Count(logger.LevelError) != 0 {
		t.Errorf("errors logged: %+v", h.log.Entries())
	}
}

func TestExecute_AppliesEnrichers(t *testing.T) {
	h := newHarness(feedSources("s1"), func(context.Context, source.Source) ([]collector.Item, error) {
		return []collector.Item{{Title: "t", Observable: cve("CVE-2024-1")}, {Summary: "note"}}, nil
	})
	enricher := &mocks.Enricher{EnrichFn: func(_ context.Context, inds []*stix.Indicator) (int, error) {
		for _, ind := range inds {
			ind.AddLabel("known-exploited")
		}
		return len(inds), nil
	}}
	p := h.pipeline(Config{}, WithEnrichers(enricher))

	sum := p.Execute(context.Background())

	inds := sum.Bundle.Indicators()
	if len(inds) != 1 || !inds[0].HasLabel("known-exploited") {
		t.Errorf("indicators = %+v", inds)
	}
	if sent := h.indicators.Calls(); len(sent) != 1 || !sent[0].HasLabel("known-exploited") {
		t.Error("the enriched indicator should be published")
	}
}

func TestExecute_SavesRepublishFilter(t *testing.T) {
	state := filepath.Join(t.TempDir(), "state", "published.bloom")
	filter := dedupe.New(dedupe.Config{StateFile: state})

	h := newHarness(feedSources("s1"), func(context.Context, source.Source) ([]collector.Item, error) {
		return []collector.Item{{Title: "t", Observable: cve("CVE-2024-1")}}, nil
	})
	disp := collector.NewDispatcher(collector.Config{}, collector.WithoutDefaults(), collector.WithStrategy(h.strategy), collector.WithLogger(h.log))
	pub := publish.New(h.indicators, nil, publish.WithLogger(h.log), publish.WithRepublishFilter(filter))
	p := New(Config{}, h.registry, disp, nil, pub, WithLogger(h.log), WithDedupe(filter))

	first := p.Execute(context.Background())
	if first.IndicatorStats.Delivered != 1 {
		t.Fatalf("first run = %+v", first.IndicatorStats)
	}
	if _, err := os.Stat(state); err != nil {
		t.Fatalf("filter state not saved: %v", err)
	}

	second := p.Execute(context.Background())
	if second.IndicatorStats != (publish.Stats{Skipped: 1}) {
		t.Errorf("second run = %+v, want the delivered pattern suppressed", second.IndicatorStats)
	}

	reopened, err := dedupe.Open(dedupe.Config{StateFile: state})
	if err != nil {
		t.Fatal(err)
	}
	if !reopened.Seen("[vulnerability:name = 'CVE-2024-1']") {
		t.Error("persisted filter lost the delivered pattern")
	}
}

type panickingPublisher struct{}

func (panickingPublisher) PublishIndicators(context.Context, []*stix.Indicator) publish.Stats {
	panic("publisher bug")
}

func (panickingPublisher) PublishBundle(context.Context, *stix.Bundle) publish.Stats {
	return publish.Stats{}
}

func TestExecute_RecoversPanics(t *testing.T) {
	h := newHarness(feedSources("s1"), nil)
	disp := collector.NewDispatcher(collector.Config{}, collector.WithoutDefaults(), collector.WithStrategy(h.strategy), collector.WithLogger(h.log))
	p := New(Config{}, h.registry, disp, nil, panickingPublisher{}, WithLogger(h.log))

	sum := p.Execute(context.Background())

	if sum.Status != StatusFailed || errors.GetKind(sum.Err) != errors.KindInternal {
		t.Errorf("status = %s, err = %v", sum.Status, sum.Err)
	}
	if p.State() != StateIdle || p.Running() {
		t.Errorf("state = %s, running = %v", p.State(), p.Running())
	}
	if again := p.Execute(context.Background()); again.Status == StatusSkipped {
		t.Error("a panicking run must release the running guard")
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateIdle:              "idle",
		StateCollectingSources: "collecting-sources",
		StateNormalizing:       "normalizing",
		StatePublishing:        "publishing",
		StateFailed:            "failed",
		State(42):              "unknown",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}

func TestExecute_WritesAuditTrail(t *testing.T) {
	h := newHarness(feedSources("s1", "s2"), func(_ context.Context, src source.Source) ([]collector.Item, error) {
		if src.ID == "s2" {
			return nil, fmt.Errorf("status 503")
		}
		return []collector.Item{{ID: "a", Observable: cve("CVE-2024-3094")}}, nil
	})
	h.indicators.SendIndicatorFn = func(context.Context, *stix.Indicator) error {
		return errors.E(errors.KindPublish, "mock", "rejected")
	}

	path := filepath.Join(t.TempDir(), "audit.jsonl")
	trail, err := audit.NewLogger(audit.LoggerConfig{LogFile: path})
	if err != nil {
		t.Fatal(err)
	}
	p := h.pipeline(Config{}, WithAudit(trail))

	sum := p.Execute(context.Background())
	if err := trail.Stop(); err != nil {
		t.Fatal(err)
	}

	events, err := audit.ReadEvents(path)
	if err != nil {
		t.Fatal(err)
	}
	var types []audit.EventType
	for _, e := range events {
		types = append(types, e.Type)
		if e.RunID != sum.RunID {
			t.Errorf("event %s run = %q, want %q", e.Type, e.RunID, sum.RunID)
		}
	}
	want := []audit.EventType{audit.EventRunStarted, audit.EventSourceFailed, audit.EventPublishFailed, audit.EventRunCompleted}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	if events[1].SourceID != "s2" || events[2].Sink != "indicators" {
		t.Errorf("source event = %+v, publish event = %+v", events[1], events[2])
	}
}
