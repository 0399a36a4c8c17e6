package collector

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/exploopio/intelpipe/pkg/errors"
	"github.com/exploopio/intelpipe/pkg/observable"
	"github.com/exploopio/intelpipe/pkg/source"
)

const rssFixture = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Advisories</title>
    <link>https://advisories.example</link>
    <description>Security advisories</description>
    <item>
      <title>Critical flaw patched</title>
      <link>https://advisories.example/CVE-2024-3094</link>
      <guid>adv-1</guid>
      <description>&lt;p&gt;Backdoor in &lt;b&gt;xz&lt;/b&gt; utils&lt;/p&gt;</description>
      <pubDate>Fri, 29 Mar 2024 16:00:00 GMT</pubDate>
    </item>
    <item>
      <title>Weekly roundup</title>
      <link>https://advisories.example/roundup</link>
      <description>Nothing notable this week</description>
    </item>
  </channel>
</rss>`

const pageFixture = `<html><body>
<article><h2> Botnet returns </h2><p>C2 beacon observed at 10.0.0.5 during attack chain</p><p>second</p></article>
<article><p>No heading here</p></article>
<article><h3>Policy update</h3><p>New disclosure rules</p></article>
<div class="post"><h1>Custom block</h1><p>Exploiting CVE-2024-2222 leads to privilege escalation</p></div>
</body></html>`

func serve(t *testing.T, status int, contentType, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newFetcher() *Fetcher {
	return NewFetcher(DefaultConfig())
}

func TestFeedStrategy(t *testing.T) {
	srv := serve(t, http.StatusOK, "application/rss+xml", rssFixture)

	items, err := NewFeedStrategy(newFetcher()).Collect(context.Background(), source.Source{
		Name: "advisories", Type: source.TypeFeed, URL: srv.URL, Configuration: source.Configuration{},
	})
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(items))
	}

	first := items[0]
	if first.ID != "adv-1" {
		t.Errorf("ID = %q, want guid", first.ID)
	}
	if first.Summary != "Backdoor in xz utils" {
		t.Errorf("Summary = %q, want stripped text", first.Summary)
	}
	if first.Confidence != 60 {
		t.Errorf("Confidence = %d, want 60", first.Confidence)
	}
	if first.Published == nil || first.Published.Year() != 2024 {
		t.Errorf("Published = %v", first.Published)
	}
	if first.Observable == nil || first.Observable.Value != "CVE-2024-3094" {
		t.Errorf("Observable = %+v, want CVE from link", first.Observable)
	}

	second := items[1]
	if second.ID != "https://advisories.example/roundup" {
		t.Errorf("ID = %q, want link fallback", second.ID)
	}
	if second.Observable != nil {
		t.Errorf("Observable = %+v, want none", second.Observable)
	}
}

func TestFeedStrategy_InvalidFeed(t *testing.T) {
	srv := serve(t, http.StatusOK, "text/plain", "definitely not a feed")
	if _, err := NewFeedStrategy(newFetcher()).Collect(context.Background(), source.Source{URL: srv.URL, Configuration: source.Configuration{}}); err == nil {
		t.Error("invalid feed should fail")
	}
}

func TestFeedStrategy_JSON(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
		items   int
	}{
		{
			name:  "json feed",
			body:  `{"version":"https://jsonfeed.org/version/1.1","title":"Advisories","items":[{"id":"1","url":"https://a.example/CVE-2024-2222","title":"Advisory"}]}`,
			items: 1,
		},
		{
			name:    "api payload",
			body:    `{"posts":[{"id":"1","body":"CVE-2024-2222"}]}`,
			wantErr: true,
		},
		{
			name:    "wrong version",
			body:    `{"version":"2","items":[]}`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := serve(t, http.StatusOK, "application/json", tt.body)
			items, err := NewFeedStrategy(newFetcher()).Collect(context.Background(), source.Source{URL: srv.URL, Configuration: source.Configuration{}})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Collect() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(items) != tt.items {
				t.Errorf("items = %d, want %d", len(items), tt.items)
			}
		})
	}
}

func TestPageStrategy(t *testing.T) {
	srv := serve(t, http.StatusOK, "text/html", pageFixture)
	strategy := NewPageStrategy(newFetcher())

	items, err := strategy.Collect(context.Background(), source.Source{Name: "blog", URL: srv.URL, Configuration: source.Configuration{}})
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2 (heading-less block skipped)", len(items))
	}
	if items[0].Title != "Botnet returns" || items[0].Summary != "C2 beacon observed at 10.0.0.5 during attack chain" {
		t.Errorf("first item = %+v", items[0])
	}
	if items[0].Observable == nil || items[0].Observable.Kind != observable.KindIPv4 {
		t.Errorf("Observable = %+v", items[0].Observable)
	}
	if items[0].URL != srv.URL || items[0].Confidence != 40 || len(items[0].ID) != 36 {
		t.Errorf("url/confidence/id = %q/%d/%q", items[0].URL, items[0].Confidence, items[0].ID)
	}
	if items[1].Observable != nil {
		t.Errorf("second item should have no observable")
	}

	custom, err := strategy.Collect(context.Background(), source.Source{URL: srv.URL, Configuration: source.Configuration{"selector": "div.post"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(custom) != 1 || custom[0].Title != "Custom block" || custom[0].Observable == nil || custom[0].Observable.Value != "CVE-2024-2222" {
		t.Errorf("custom selector items = %+v", custom)
	}
}

func TestPageStrategy_InvalidSelector(t *testing.T) {
	srv := serve(t, http.StatusOK, "text/html", pageFixture)
	_, err := NewPageStrategy(newFetcher()).Collect(context.Background(), source.Source{URL: srv.URL, Configuration: source.Configuration{"selector": "di[v"}})
	if err == nil {
		t.Error("invalid selector should fail")
	}
}

func TestAPIStrategy(t *testing.T) {
	var gotMethod, gotKey, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotKey = r.Header.Get("X-Api-Key")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"items":[
			{"id": 42, "name": "Scanner activity", "description": "mass scanning", "indicator": "198.51.100.23", "confidence": 85},
			{"title": "Advisory", "summary": "patch now", "url": "https://vendor.example/CVE-2023-4966"},
			{"title": "Odd confidence", "confidence": "250"}
		]}`)
	}))
	defer srv.Close()

	items, err := NewAPIStrategy(newFetcher()).Collect(context.Background(), source.Source{
		Name: "vendor-api",
		URL:  srv.URL,
		Configuration: source.Configuration{
			"method":  "post",
			"headers": map[string]any{"X-Api-Key": "secret"},
			"body":    map[string]any{"since": "1h"},
		},
	})
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if gotMethod != http.MethodPost || gotKey != "secret" || gotBody != `{"since":"1h"}` {
		t.Errorf("request = %s key=%q body=%q", gotMethod, gotKey, gotBody)
	}
	if len(items) != 3 {
		t.Fatalf("len(items) = %d, want 3", len(items))
	}

	if items[0].ID != "42" || items[0].Title != "Scanner activity" || items[0].Summary != "mass scanning" {
		t.Errorf("first = %+v", items[0])
	}
	if items[0].URL != srv.URL {
		t.Errorf("URL = %q, want source url fallback", items[0].URL)
	}
	if items[0].Confidence != 85 {
		t.Errorf("Confidence = %d, want record value", items[0].Confidence)
	}
	if items[0].Observable == nil || items[0].Observable.Value != "198.51.100.23" {
		t.Errorf("Observable = %+v, want indicator field", items[0].Observable)
	}

	if len(items[1].ID) != 36 || items[1].Confidence != 50 {
		t.Errorf("second id/confidence = %q/%d", items[1].ID, items[1].Confidence)
	}
	if items[1].Observable == nil || items[1].Observable.Value != "CVE-2023-4966" {
		t.Errorf("Observable = %+v, want cve from url", items[1].Observable)
	}
	if items[2].Confidence != 100 {
		t.Errorf("Confidence = %d, want clamped 100", items[2].Confidence)
	}
}

func TestAPIStrategy_ArrayAndErrors(t *testing.T) {
	arr := serve(t, http.StatusOK, "application/json", `[{"id":"a","title":"x"}]`)
	items, err := NewAPIStrategy(newFetcher()).Collect(context.Background(), source.Source{URL: arr.URL, Configuration: source.Configuration{}})
	if err != nil || len(items) != 1 || items[0].ID != "a" {
		t.Fatalf("array response: items=%+v err=%v", items, err)
	}

	noItems := serve(t, http.StatusOK, "application/json", `{"data": []}`)
	items, err = NewAPIStrategy(newFetcher()).Collect(context.Background(), source.Source{URL: noItems.URL, Configuration: source.Configuration{}})
	if err != nil || len(items) != 0 {
		t.Errorf("object without items: items=%v err=%v", items, err)
	}

	failing := serve(t, http.StatusBadGateway, "text/plain", "upstream exploded")
	_, err = NewAPIStrategy(newFetcher()).Collect(context.Background(), source.Source{URL: failing.URL, Configuration: source.Configuration{}})
	apiErr, ok := errors.IsAPIError(err)
	if !ok || apiErr.StatusCode != http.StatusBadGateway || !strings.Contains(apiErr.Body, "upstream exploded") {
		t.Errorf("err = %v, want APIError 502 with body", err)
	}

	garbage := serve(t, http.StatusOK, "application/json", `"just a string"`)
	if _, err := NewAPIStrategy(newFetcher()).Collect(context.Background(), source.Source{URL: garbage.URL, Configuration: source.Configuration{}}); err == nil {
		t.Error("scalar JSON should fail")
	}
}

func TestRestrictedStrategy(t *testing.T) {
	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Gateway-Token")
		_, _ = io.WriteString(w, `{"posts":[
			{"id":"p1","title":"Access for sale","body":"RDP to 203.0.113.50 available","url":"http://forum.onion/t/1"},
			{"title":"Chatter","body":"nothing concrete","confidence":45}
		]}`)
	}))
	defer srv.Close()

	items, err := NewRestrictedStrategy(newFetcher()).Collect(context.Background(), source.Source{
		Name:          "forum",
		URL:           srv.URL,
		Configuration: source.Configuration{"headers": map[string]any{"X-Gateway-Token": "t0k"}},
	})
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if gotToken != "t0k" {
		t.Errorf("gateway token header = %q", gotToken)
	}
	if len(items) != 2 {
		t.Fatalf("len(items) = %d", len(items))
	}
	if items[0].Confidence != 30 || items[0].Summary != "RDP to 203.0.113.50 available" || items[0].URL != "http://forum.onion/t/1" {
		t.Errorf("first = %+v", items[0])
	}
	if items[0].Observable == nil || items[0].Observable.Value != "203.0.113.50" {
		t.Errorf("Observable = %+v", items[0].Observable)
	}
	if items[1].Confidence != 45 || len(items[1].ID) != 36 || items[1].Observable != nil {
		t.Errorf("second = %+v", items[1])
	}
}

func TestRestrictedStrategy_Status(t *testing.T) {
	srv := serve(t, http.StatusForbidden, "text/plain", "denied")
	if _, err := NewRestrictedStrategy(newFetcher()).Collect(context.Background(), source.Source{URL: srv.URL, Configuration: source.Configuration{}}); err == nil {
		t.Error("403 should fail")
	}
}

func TestFetcher_BodyLimit(t *testing.T) {
	srv := serve(t, http.StatusOK, "text/plain", strings.Repeat("x", 64))
	f := NewFetcher(Config{MaxBodyBytes: 16})
	if _, err := f.Do(context.Background(), Request{URL: srv.URL}); err == nil {
		t.Error("oversized body should fail")
	}
}

func TestPlainText(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", ""},
		{"  plain   text \n", "plain text"},
		{"<p>Hello <b>world</b></p>", "Hello world"},
		{"Tom &amp; Jerry", "Tom & Jerry"},
	}
	for _, tt := range tests {
		if got := plainText(tt.in); got != tt.want {
			t.Errorf("plainText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
