// Package misp publishes indicators to a MISP instance as stix2-pattern
// attributes.
package misp

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/exploopio/intelpipe/pkg/errors"
	"github.com/exploopio/intelpipe/pkg/logger"
	"github.com/exploopio/intelpipe/pkg/publish"
	"github.com/exploopio/intelpipe/pkg/retry"
	"github.com/exploopio/intelpipe/pkg/stix"
)

const (
	// Name is the sink name used in logs and metrics.
	Name = "misp"

	attributesPath = "/attributes/restSearch"

	// AttributeType is the MISP attribute type of submitted patterns.
	AttributeType = "stix2-pattern"
)

// Config holds MISP connection settings.
type Config struct {
	// URL is the MISP base URL, e.g. https://misp.example.org.
	URL string `yaml:"url" json:"url"`

	// APIKey is the automation key sent in the Authorization header.
	APIKey string `yaml:"api_key" json:"api_key"`

	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`

	// RateLimit is the request rate per second; 0 disables limiting.
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit"`
}

// Client is a MISP indicator sink.
type Client struct {
	conn   *publish.Connector
	apiKey string
}

// New creates a client. An empty URL or key yields an unconfigured client
// that never performs I/O.
func New(cfg Config, opts ...Option) *Client {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	policy := retry.Policy{MaxRetries: cfg.MaxRetries, Backoff: o.backoff}
	return &Client{
		conn: publish.NewConnector(publish.ConnectorConfig{
			Name:       Name,
			BaseURL:    cfg.URL,
			Timeout:    cfg.Timeout,
			RateLimit:  cfg.RateLimit,
			Retry:      policy,
			HTTPClient: o.client,
			Logger:     o.log,
		}),
		apiKey: strings.TrimSpace(cfg.APIKey),
	}
}

type options struct {
	client  *http.Client
	log     logger.Logger
	backoff retry.Backoff
}

// Option customizes a Client.
type Option func(*options)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithLogger sets the logger for retry warnings.
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithBackoff overrides the retry backoff.
func WithBackoff(b retry.Backoff) Option {
	return func(o *options) { o.backoff = b }
}

// Name returns "misp".
func (c *Client) Name() string { return Name }

// Configured reports whether both the base URL and the API key are set.
func (c *Client) Configured() bool {
	return c != nil && c.conn.BaseURL() != "" && c.apiKey != ""
}

type attributeRequest struct {
	ReturnFormat string `json:"returnFormat"`
	Values       string `json:"values"`
	ToIDs        bool   `json:"to_ids"`
	Comment      string `json:"comment"`
	Type         string `json:"type"`
}

// SendIndicator submits the indicator pattern as an IDS-enabled attribute.
func (c *Client) SendIndicator(ctx context.Context, ind *stix.Indicator) error {
	const op = "misp.SendIndicator"
	if !c.Configured() {
		return errors.ErrNotConfigured
	}
	if ind == nil || ind.Pattern == "" {
		return errors.E(errors.KindInvalidInput, op, "indicator without pattern")
	}

	_, err := c.conn.Do(ctx, publish.Call{
		Method: http.MethodPost,
		Path:   attributesPath,
		Body: attributeRequest{
			ReturnFormat: "json",
			Values:       ind.Pattern,
			ToIDs:        true,
			Comment:      ind.Description,
			Type:         AttributeType,
		},
		Header: c.authHeader(),
	})
	if err != nil {
		return errors.E(errors.KindPublish, op, ind.ID, err)
	}
	return nil
}

// Attribute is a MISP attribute as returned by restSearch.
type Attribute struct {
	ID        string `json:"id"`
	EventID   string `json:"event_id"`
	Type      string `json:"type"`
	Category  string `json:"category"`
	Value     string `json:"value"`
	Comment   string `json:"comment"`
	ToIDs     bool   `json:"to_ids"`
	Timestamp string `json:"timestamp"`
}

// FetchRecent returns up to limit recent attributes.
func (c *Client) FetchRecent(ctx context.Context, limit int) ([]Attribute, error) {
	const op = "misp.FetchRecent"
	if !c.Configured() {
		return nil, errors.ErrNotConfigured
	}
	if limit <= 0 {
		limit = 10
	}

	data, err := c.conn.Do(ctx, publish.Call{
		Method: http.MethodPost,
		Path:   attributesPath,
		Body:   map[string]any{"page": 1, "limit": limit, "returnFormat": "json"},
		Header: c.authHeader(),
	})
	if err != nil {
		return nil, errors.E(errors.KindPublish, op, err)
	}

	var resp struct {
		Response struct {
			Attribute []Attribute `json:"Attribute"`
		} `json:"response"`
	}
	if err := c.conn.DecodeJSON(data, &resp); err != nil {
		return nil, err
	}
	return resp.Response.Attribute, nil
}

func (c *Client) authHeader() http.Header {
	h := http.Header{}
	h.Set("Authorization", c.apiKey)
	return h
}

var _ publish.IndicatorSink = (*Client)(nil)
