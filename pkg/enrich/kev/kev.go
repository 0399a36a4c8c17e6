// Package kev flags CVE indicators listed in the CISA Known Exploited
// Vulnerabilities catalog.
// Data source: https://www.cisa.gov/known-exploited-vulnerabilities-catalog
package kev

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/exploopio/intelpipe/pkg/enrich"
	"github.com/exploopio/intelpipe/pkg/errors"
	"github.com/exploopio/intelpipe/pkg/stix"
)

const (
	// DefaultURL is the official CISA KEV catalog endpoint.
	DefaultURL = "https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.json"

	// DefaultCacheTTL is the default cache TTL (KEV updates a few times a week).
	DefaultCacheTTL = 6 * time.Hour

	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 60 * time.Second

	// Label marks indicators whose CVE is in the catalog.
	Label = "known-exploited"

	// RansomwareLabel marks catalog entries with known ransomware use.
	RansomwareLabel = "ransomware"

	// ConfidenceFloor is the minimum confidence of a known-exploited indicator.
	ConfidenceFloor = 85

	// SourceName is the external reference source name.
	SourceName = "cisa-kev"

	catalogPage = "https://www.cisa.gov/known-exploited-vulnerabilities-catalog"
)

// Entry is one catalog vulnerability.
type Entry struct {
	CVEID             string `json:"cveID"`
	VendorProject     string `json:"vendorProject"`
	Product           string `json:"product"`
	VulnerabilityName string `json:"vulnerabilityName"`
	DateAdded         string `json:"dateAdded"`
	ShortDescription  string `json:"shortDescription"`
	RequiredAction    string `json:"requiredAction"`
	DueDate           string `json:"dueDate"`
	KnownRansomware   string `json:"knownRansomwareCampaignUse"`

	AddedAt time.Time `json:"-"`
}

// Catalog is the catalog document.
type Catalog struct {
	Title           string  `json:"title"`
	CatalogVersion  string  `json:"catalogVersion"`
	DateReleased    string  `json:"dateReleased"`
	Count           int     `json:"count"`
	Vulnerabilities []Entry `json:"vulnerabilities"`
}

// Config configures the enricher.
type Config struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	URL      string        `yaml:"url" json:"url"`
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
}

// Enricher implements enrich.Enricher for KEV.
type Enricher struct {
	mu sync.RWMutex

	url      string
	client   *http.Client
	cacheTTL time.Duration
	now      func() time.Time

	cache   map[string]*Entry
	version string
	cacheAt time.Time
}

// New creates a KEV enricher. Zero config fields take the defaults.
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
	return &Enricher{
		url:      cfg.URL,
		client:   &http.Client{Timeout: cfg.Timeout},
		cacheTTL: cfg.CacheTTL,
		now:      time.Now,
		cache:    make(map[string]*Entry),
	}
}

// SetHTTPClient replaces the HTTP client.
func (e *Enricher) SetHTTPClient(c *http.Client) {
	e.client = c
}

// Name returns "kev".
func (e *Enricher) Name() string {
	return "kev"
}

// Enrich labels catalogued CVE indicators, raises their confidence and
// attaches a reference to the catalog.
func (e *Enricher) Enrich(ctx context.Context, indicators []*stix.Indicator) (int, error) {
	if len(enrich.CVEs(indicators)) == 0 {
		return 0, nil
	}
	if err := e.ensureLoaded(ctx); err != nil {
		return 0, err
	}

	n := 0
	for _, ind := range indicators {
		entry := e.lookup(enrich.CVE(ind))
		if entry == nil {
			continue
		}
		ind.AddLabel(Label)
		if entry.KnownRansomware == "Known" {
			ind.AddLabel(RansomwareLabel)
		}
		enrich.RaiseConfidence(ind, ConfidenceFloor)
		enrich.AddReference(ind, stix.ExternalReference{
			SourceName:  SourceName,
			URL:         catalogPage,
			ExternalID:  entry.CVEID,
			Description: entry.RequiredAction,
		})
		n++
	}
	return n, nil
}

// Contains reports whether cveID is in the catalog.
func (e *Enricher) Contains(ctx context.Context, cveID string) (bool, error) {
	if err := e.ensureLoaded(ctx); err != nil {
		return false, err
	}
	return e.lookup(cveID) != nil, nil
}

// CatalogVersion returns the version of the loaded catalog.
func (e *Enricher) CatalogVersion() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

// CacheSize returns the number of cached entries.
func (e *Enricher) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

func (e *Enricher) lookup(cveID string) *Entry {
	if cveID == "" {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cache[cveID]
}

func (e *Enricher) ensureLoaded(ctx context.Context) error {
	e.mu.RLock()
	fresh := len(e.cache) > 0 && e.now().Sub(e.cacheAt) < e.cacheTTL
	e.mu.RUnlock()
	if fresh {
		return nil
	}
	return e.load(ctx)
}

func (e *Enricher) load(ctx context.Context) error {
	const op = "kev.load"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.url, nil)
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

	var catalog Catalog
	if err := json.NewDecoder(resp.Body).Decode(&catalog); err != nil {
		return errors.E(errors.KindInvalidInput, op, "decode catalog", err)
	}

	cache := make(map[string]*Entry, len(catalog.Vulnerabilities))
	for i := range catalog.Vulnerabilities {
		entry := &catalog.Vulnerabilities[i]
		if entry.DateAdded != "" {
			entry.AddedAt, _ = time.Parse("2006-01-02", entry.DateAdded)
		}
		cache[entry.CVEID] = entry
	}

	e.mu.Lock()
	e.cache = cache
	e.version = catalog.CatalogVersion
	e.cacheAt = e.now()
	e.mu.Unlock()
	return nil
}

var _ enrich.Enricher = (*Enricher)(nil)
