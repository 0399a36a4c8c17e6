// Package epss attaches EPSS (Exploit Prediction Scoring System) scores to
// CVE indicators.
// Data source: https://www.first.org/epss
package epss

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/exploopio/intelpipe/pkg/enrich"
	"github.com/exploopio/intelpipe/pkg/errors"
	"github.com/exploopio/intelpipe/pkg/stix"
)

const (
	// DefaultURL is the official EPSS API endpoint.
	DefaultURL = "https://api.first.org/data/v1/epss"

	// DefaultCacheTTL is the default cache TTL (EPSS updates daily).
	DefaultCacheTTL = 24 * time.Hour

	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultThreshold is the score at or above which an indicator is
	// labelled HighProbabilityLabel.
	DefaultThreshold = 0.5

	// HighProbabilityLabel marks indicators likely to be exploited.
	HighProbabilityLabel = "high-exploit-probability"

	// SourceName is the external reference source name.
	SourceName = "first-epss"

	// maxBatch bounds the CVEs per API request.
	maxBatch = 100
)

// Score is the EPSS data for one CVE.
type Score struct {
	CVE        string    `json:"cve"`
	EPSS       float64   `json:"epss"`       // probability 0-1
	Percentile float64   `json:"percentile"` // rank 0-100
	Date       time.Time `json:"date"`
}

// Config configures the enricher.
type Config struct {
	Enabled   bool          `yaml:"enabled" json:"enabled"`
	URL       string        `yaml:"url" json:"url"`
	CacheTTL  time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
	Threshold float64       `yaml:"threshold" json:"threshold"`

	// OfflineCSV is an EPSS CSV export (cve,epss,percentile). When set
	// the API is never called.
	OfflineCSV string `yaml:"offline_csv" json:"offline_csv"`
}

type cached struct {
	score *Score // nil when the API had no data
	at    time.Time
}

// Enricher implements enrich.Enricher for EPSS.
type Enricher struct {
	mu sync.RWMutex

	url       string
	client    *http.Client
	cacheTTL  time.Duration
	threshold float64
	offline   bool
	now       func() time.Time

	cache map[string]cached
}

// New creates an EPSS enricher. Zero config fields take the defaults.
func New(cfg Config) *Enricher {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	return &Enricher{
		url:       cfg.URL,
		client:    &http.Client{Timeout: cfg.Timeout},
		cacheTTL:  cfg.CacheTTL,
		threshold: cfg.Threshold,
		now:       time.Now,
		cache:     make(map[string]cached),
	}
}

// SetHTTPClient replaces the HTTP client.
func (e *Enricher) SetHTTPClient(c *http.Client) {
	e.client = c
}

// Name returns "epss".
func (e *Enricher) Name() string {
	return "epss"
}

// Enrich attaches the EPSS score of each CVE indicator as an external
// reference and labels high-probability ones.
func (e *Enricher) Enrich(ctx context.Context, indicators []*stix.Indicator) (int, error) {
	cves := enrich.CVEs(indicators)
	if len(cves) == 0 {
		return 0, nil
	}

	if missing := e.missing(cves); len(missing) > 0 && !e.isOffline() {
		for start := 0; start < len(missing); start += maxBatch {
			end := start + maxBatch
			if end > len(missing) {
				end = len(missing)
			}
			if err := e.fetch(ctx, missing[start:end]); err != nil {
				return 0, err
			}
		}
	}

	n := 0
	for _, ind := range indicators {
		score := e.lookup(enrich.CVE(ind))
		if score == nil {
			continue
		}
		enrich.AddReference(ind, stix.ExternalReference{
			SourceName:  SourceName,
			URL:         "https://www.first.org/epss",
			ExternalID:  score.CVE,
			Description: fmt.Sprintf("EPSS %.5f (percentile %.1f)", score.EPSS, score.Percentile),
		})
		if score.EPSS >= e.threshold {
			ind.AddLabel(HighProbabilityLabel)
		}
		n++
	}
	return n, nil
}

// Lookup returns the cached score for cveID, or nil.
func (e *Enricher) Lookup(cveID string) *Score {
	return e.lookup(strings.ToUpper(cveID))
}

func (e *Enricher) lookup(cveID string) *Score {
	if cveID == "" {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cache[cveID].score
}

func (e *Enricher) isOffline() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.offline
}

// missing returns the CVEs without a fresh cache entry.
func (e *Enricher) missing(cves []string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	now := e.now()
	var out []string
	for _, c := range cves {
		entry, ok := e.cache[c]
		if !ok || now.Sub(entry.at) >= e.cacheTTL {
			out = append(out, c)
		}
	}
	return out
}

func (e *Enricher) fetch(ctx context.Context, cves []string) error {
	const op = "epss.fetch"

	u := e.url + "?cve=" + url.QueryEscape(strings.Join(cves, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return errors.E(errors.KindInvalidInput, op, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return errors.E(errors.KindNetwork, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &errors.APIError{StatusCode: resp.StatusCode, URL: e.url}
	}

	var result struct {
		Status string `json:"status"`
		Total  int    `json:"total"`
		Data   []struct {
			CVE        string `json:"cve"`
			EPSS       string `json:"epss"`
			Percentile string `json:"percentile"`
			Date       string `json:"date"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return errors.E(errors.KindInvalidInput, op, "decode response", err)
	}

	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()

	// cache misses too so unknown CVEs are not re-requested every run
	for _, c := range cves {
		e.cache[c] = cached{at: now}
	}
	for _, item := range result.Data {
		score, _ := strconv.ParseFloat(item.EPSS, 64)
		percentile, _ := strconv.ParseFloat(item.Percentile, 64)
		date, _ := time.Parse("2006-01-02", item.Date)
		id := strings.ToUpper(item.CVE)
		e.cache[id] = cached{
			score: &Score{CVE: id, EPSS: score, Percentile: percentile * 100, Date: date},
			at:    now,
		}
	}
	return nil
}

// LoadCSV loads scores from an EPSS CSV export and switches the enricher
// to offline mode. Comment lines starting with '#' and the header row are
// skipped.
func (e *Enricher) LoadCSV(r io.Reader) error {
	reader := csv.NewReader(r)
	reader.Comment = '#'
	reader.FieldsPerRecord = -1

	scores := make(map[string]cached)
	now := e.now()
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.E(errors.KindInvalidInput, "epss.LoadCSV", err)
		}
		if len(record) < 3 || !strings.HasPrefix(strings.ToUpper(record[0]), "CVE-") {
			continue
		}
		id := strings.ToUpper(strings.TrimSpace(record[0]))
		score, _ := strconv.ParseFloat(strings.TrimSpace(record[1]), 64)
		percentile, _ := strconv.ParseFloat(strings.TrimSpace(record[2]), 64)
		scores[id] = cached{
			score: &Score{CVE: id, EPSS: score, Percentile: percentile * 100, Date: now},
			at:    now,
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for k, v := range scores {
		e.cache[k] = v
	}
	e.offline = true
	// offline entries never expire
	e.cacheTTL = 1<<63 - 1
	return nil
}

// CacheSize returns the number of cached CVEs, misses included.
func (e *Enricher) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

var _ enrich.Enricher = (*Enricher)(nil)
