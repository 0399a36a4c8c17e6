// Package opencti imports STIX bundles into OpenCTI through its GraphQL API.
package opencti

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/exploopio/intelpipe/pkg/errors"
	"github.com/exploopio/intelpipe/pkg/logger"
	"github.com/exploopio/intelpipe/pkg/publish"
	"github.com/exploopio/intelpipe/pkg/retry"
	"github.com/exploopio/intelpipe/pkg/stix"
)

const (
	// Name is the sink name used in logs and metrics.
	Name = "opencti"

	graphqlPath = "/graphql"

	importMutation = `mutation ImportBundle($bundle: String!) { stix2_import(file: $bundle) { id } }`
	aboutQuery     = `{ about { version } }`
	notesQuery     = `query RecentNotes($first: Int!) { notes(first: $first, orderBy: created_at, orderMode: desc) { edges { node { id content created_at } } } }`
)

// Config holds OpenCTI connection settings.
type Config struct {
	// URL is the platform base URL; /graphql is appended.
	URL string `yaml:"url" json:"url"`

	// Token is the API token sent as a bearer credential.
	Token string `yaml:"token" json:"token"`

	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
	RateLimit  float64       `yaml:"rate_limit" json:"rate_limit"`
}

// Client is an OpenCTI bundle sink.
type Client struct {
	conn       *publish.Connector
	configured bool
}

type options struct {
	client  *http.Client
	log     logger.Logger
	backoff retry.Backoff
}

// Option customizes a Client.
type Option func(*options)

// WithHTTPClient sets the base HTTP client; the bearer token is layered
// on its transport.
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

// New creates a client. An empty URL or token yields an unconfigured
// client that never performs I/O.
func New(cfg Config, opts ...Option) *Client {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	token := strings.TrimSpace(cfg.Token)
	base := o.client
	if base == nil {
		base = http.DefaultClient
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
	client.Timeout = base.Timeout

	conn := publish.NewConnector(publish.ConnectorConfig{
		Name:       Name,
		BaseURL:    cfg.URL,
		Timeout:    cfg.Timeout,
		RateLimit:  cfg.RateLimit,
		Retry:      retry.Policy{MaxRetries: cfg.MaxRetries, Backoff: o.backoff},
		HTTPClient: client,
		Logger:     o.log,
	})
	return &Client{conn: conn, configured: conn.BaseURL() != "" && token != ""}
}

// Name returns "opencti".
func (c *Client) Name() string { return Name }

// Configured reports whether both the base URL and the token are set.
func (c *Client) Configured() bool {
	return c != nil && c.configured
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlError struct {
	Message string `json:"message"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

// query runs a GraphQL document. A 2xx response that carries errors is a
// failure.
func (c *Client) query(ctx context.Context, op string, req graphqlRequest, out any) error {
	if !c.Configured() {
		return errors.ErrNotConfigured
	}

	data, err := c.conn.Do(ctx, publish.Call{Method: http.MethodPost, Path: graphqlPath, Body: req})
	if err != nil {
		return errors.E(errors.KindPublish, op, err)
	}

	var resp graphqlResponse
	if err := c.conn.DecodeJSON(data, &resp); err != nil {
		return err
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			msgs = append(msgs, e.Message)
		}
		return errors.E(errors.KindPublish, op, fmt.Sprintf("graphql errors: %s", strings.Join(msgs, "; ")))
	}
	if out != nil && len(resp.Data) > 0 {
		return c.conn.DecodeJSON(resp.Data, out)
	}
	return nil
}

// SendBundle imports b as one serialized STIX bundle.
func (c *Client) SendBundle(ctx context.Context, b *stix.Bundle) error {
	const op = "opencti.SendBundle"
	if !c.Configured() {
		return errors.ErrNotConfigured
	}
	if b == nil {
		return errors.E(errors.KindInvalidInput, op, "nil bundle")
	}

	serialized, err := json.Marshal(b)
	if err != nil {
		return errors.E(errors.KindInvalidInput, op, "encode bundle", err)
	}
	return c.query(ctx, op, graphqlRequest{
		Query:     importMutation,
		Variables: map[string]any{"bundle": string(serialized)},
	}, nil)
}

// Ping returns the platform version.
func (c *Client) Ping(ctx context.Context) (string, error) {
	var data struct {
		About struct {
			Version string `json:"version"`
		} `json:"about"`
	}
	if err := c.query(ctx, "opencti.Ping", graphqlRequest{Query: aboutQuery}, &data); err != nil {
		return "", err
	}
	return data.About.Version, nil
}

// Prediction is a note stored on the platform.
type Prediction struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// FetchPredictions returns the newest first notes.
func (c *Client) FetchPredictions(ctx context.Context, first int) ([]Prediction, error) {
	if first <= 0 {
		first = 10
	}
	var data struct {
		Notes struct {
			Edges []struct {
				Node Prediction `json:"node"`
			} `json:"edges"`
		} `json:"notes"`
	}
	if err := c.query(ctx, "opencti.FetchPredictions", graphqlRequest{
		Query:     notesQuery,
		Variables: map[string]any{"first": first},
	}, &data); err != nil {
		return nil, err
	}

	out := make([]Prediction, 0, len(data.Notes.Edges))
	for _, e := range data.Notes.Edges {
		out = append(out, e.Node)
	}
	return out, nil
}

var _ publish.BundleSink = (*Client)(nil)
