package epss

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/exploopio/intelpipe/pkg/observable"
	"github.com/exploopio/intelpipe/pkg/stix"
)

func cveIndicator(id string) *stix.Indicator {
	obs := observable.Observable{Kind: observable.KindVulnerability, Property: "name", Value: id}
	return &stix.Indicator{Type: stix.TypeIndicator, Pattern: obs.Pattern(), Observable: &obs}
}

func TestEnrich(t *testing.T) {
	var hits int32
	var gotCVE string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		gotCVE = r.URL.Query().Get("cve")
		fmt.Fprint(w, `{"status":"OK","total":2,"data":[
			{"cve":"CVE-2024-3094","epss":"0.97000","percentile":"0.99900","date":"2024-03-30"},
			{"cve":"CVE-2020-0001","epss":"0.00100","percentile":"0.20000","date":"2024-03-30"}
		]}`)
	}))
	defer srv.Close()

	e := New(Config{URL: srv.URL})
	hot := cveIndicator("cve-2024-3094")
	cold := cveIndicator("CVE-2020-0001")
	unknown := cveIndicator("CVE-2019-7777")

	n, err := e.Enrich(context.Background(), []*stix.Indicator{hot, cold, unknown})
	if err != nil {
		t.Fatalf("Enrich() error = %v", err)
	}
	if n != 2 {
		t.Errorf("enriched = %d, want 2", n)
	}
	if gotCVE != "CVE-2024-3094,CVE-2020-0001,CVE-2019-7777" {
		t.Errorf("requested cve = %q", gotCVE)
	}
	if !hot.HasLabel(HighProbabilityLabel) || cold.HasLabel(HighProbabilityLabel) {
		t.Errorf("labels hot=%v cold=%v", hot.Labels, cold.Labels)
	}
	if len(hot.ExternalReferences) != 1 || !strings.Contains(hot.ExternalReferences[0].Description, "0.97000") {
		t.Errorf("hot refs = %+v", hot.ExternalReferences)
	}
	if s := e.Lookup("CVE-2024-3094"); s == nil || s.Percentile < 99.8 {
		t.Errorf("Lookup() = %+v", s)
	}

	// all three, including the miss, are cached
	if _, err := e.Enrich(context.Background(), []*stix.Indicator{cveIndicator("CVE-2019-7777")}); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("hits = %d, want 1", hits)
	}
}

func TestEnrich_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	e := New(Config{URL: srv.URL})
	if _, err := e.Enrich(context.Background(), []*stix.Indicator{cveIndicator("CVE-2024-3094")}); err == nil {
		t.Error("want error on 429")
	}
}

func TestLoadCSV(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	e := New(Config{URL: srv.URL, Threshold: 0.9})
	csv := "#model_version:v2023.03.01,score_date:2024-03-30T00:00:00+0000\ncve,epss,percentile\nCVE-2024-3094,0.95,0.999\nCVE-2020-0001,0.2,0.5\n"
	if err := e.LoadCSV(strings.NewReader(csv)); err != nil {
		t.Fatalf("LoadCSV() error = %v", err)
	}
	if e.CacheSize() != 2 {
		t.Errorf("CacheSize() = %d", e.CacheSize())
	}

	hot := cveIndicator("CVE-2024-3094")
	missing := cveIndicator("CVE-2018-1")
	n, err := e.Enrich(context.Background(), []*stix.Indicator{hot, missing})
	if err != nil || n != 1 {
		t.Fatalf("Enrich() = %d, %v", n, err)
	}
	if !hot.HasLabel(HighProbabilityLabel) {
		t.Error("score above threshold should be labelled")
	}
	if hits != 0 {
		t.Error("offline mode should never call the API")
	}
}
