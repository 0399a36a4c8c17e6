package enrich

import (
	"context"
	"fmt"
	"testing"

	"github.com/exploopio/intelpipe/pkg/logger"
	"github.com/exploopio/intelpipe/pkg/metrics"
	"github.com/exploopio/intelpipe/pkg/observable"
	"github.com/exploopio/intelpipe/pkg/stix"
)

func indicator(kind observable.Kind, value string) *stix.Indicator {
	prop := "name"
	if kind == observable.KindIPv4 {
		prop = "value"
	}
	return &stix.Indicator{Type: stix.TypeIndicator, Observable: &observable.Observable{Kind: kind, Property: prop, Value: value}}
}

func TestCVEs(t *testing.T) {
	inds := []*stix.Indicator{
		indicator(observable.KindVulnerability, "cve-2024-0001"),
		indicator(observable.KindIPv4, "10.0.0.1"),
		indicator(observable.KindVulnerability, "CVE-2024-0001"),
		indicator(observable.KindVulnerability, "CVE-2023-9999"),
		{Type: stix.TypeIndicator},
		nil,
	}
	got := CVEs(inds)
	want := []string{"CVE-2024-0001", "CVE-2023-9999"}
	if len(got) != len(want) {
		t.Fatalf("CVEs() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("CVEs()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRaiseConfidenceAndReference(t *testing.T) {
	ind := &stix.Indicator{Confidence: 40}
	RaiseConfidence(ind, 85)
	if ind.Confidence != 85 {
		t.Errorf("Confidence = %d", ind.Confidence)
	}
	ind.Confidence = 95
	RaiseConfidence(ind, 85)
	if ind.Confidence != 95 {
		t.Errorf("Confidence lowered to %d", ind.Confidence)
	}

	ref := stix.ExternalReference{SourceName: "cisa-kev", ExternalID: "CVE-1"}
	AddReference(ind, ref)
	AddReference(ind, ref)
	if len(ind.ExternalReferences) != 1 {
		t.Errorf("references = %v, want one", ind.ExternalReferences)
	}
}

type fakeEnricher struct {
	name string
	n    int
	err  error
	hits int
}

func (f *fakeEnricher) Name() string { return f.name }

func (f *fakeEnricher) Enrich(context.Context, []*stix.Indicator) (int, error) {
	f.hits++
	return f.n, f.err
}

func TestApply(t *testing.T) {
	rec := logger.NewRecorder()
	m := metrics.NewInMemoryCollector()
	failing := &fakeEnricher{name: "kev", err: fmt.Errorf("catalog unavailable")}
	working := &fakeEnricher{name: "epss", n: 2}

	Apply(context.Background(), []Enricher{failing, working}, []*stix.Indicator{{}}, rec, m)

	if failing.hits != 1 || working.hits != 1 {
		t.Errorf("hits = %d/%d, want both enrichers called", failing.hits, working.hits)
	}
	if rec.Count(logger.LevelWarn) != 1 {
		t.Errorf("want one warning, got %+v", rec.Entries())
	}
	if got := m.Counter(metrics.EnrichmentsTotal.Name, "enricher", "kev", "status", "error"); got != 1 {
		t.Errorf("kev error counter = %v", got)
	}
	if got := m.Counter(metrics.EnrichmentsTotal.Name, "enricher", "epss", "status", "ok"); got != 2 {
		t.Errorf("epss ok counter = %v", got)
	}

	Apply(context.Background(), []Enricher{working}, nil, rec, m)
	if working.hits != 1 {
		t.Error("no indicators should mean no enricher calls")
	}
}
