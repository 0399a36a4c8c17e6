package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/exploopio/intelpipe/pkg/errors"
	"github.com/exploopio/intelpipe/pkg/logger"
	"github.com/exploopio/intelpipe/pkg/retry"
)

const (
	// DefaultTimeout bounds one sink call, retries included.
	DefaultTimeout = 30 * time.Second

	maxResponseBytes = 4 << 20
	bodyExcerpt      = 512
)

// ConnectorConfig configures a Connector.
type ConnectorConfig struct {
	// Name identifies the sink in logs and errors.
	Name string

	// BaseURL is the sink root; a trailing slash is dropped.
	BaseURL string

	// Timeout bounds one call including retries. Default 30s.
	Timeout time.Duration

	// RateLimit is the request rate per second; 0 disables limiting.
	RateLimit float64

	// Burst is the limiter burst. Default 1.
	Burst int

	// Retry governs in-call retries of transient failures.
	Retry retry.Policy

	// HTTPClient overrides the default client.
	HTTPClient *http.Client

	Logger logger.Logger
}

// Connector is the HTTP plumbing shared by the sinks: base URL
// handling, a request deadline, client-side rate limiting, retries and
// status checks. Authentication is the caller's Header function or the
// client transport.
type Connector struct {
	name    string
	baseURL string
	timeout time.Duration
	client  *http.Client
	limiter *rate.Limiter
	retry   retry.Policy
	log     logger.Logger
}

// NewConnector creates a Connector.
func NewConnector(cfg ConnectorConfig) *Connector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retry.Backoff.Base <= 0 {
		cfg.Retry.Backoff = retry.DefaultBackoff()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	c := &Connector{
		name:    cfg.Name,
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		timeout: cfg.Timeout,
		client:  client,
		retry:   cfg.Retry,
		log:     logger.OrDefault(cfg.Logger),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c
}

// Name returns the sink name.
func (c *Connector) Name() string {
	return c.name
}

// BaseURL returns the base URL without a trailing slash.
func (c *Connector) BaseURL() string {
	return c.baseURL
}

// HTTPClient returns the client in use.
func (c *Connector) HTTPClient() *http.Client {
	return c.client
}

// Call describes one JSON request.
type Call struct {
	Method string
	Path   string
	Body   any
	Header http.Header
}

// Do sends call as JSON and returns the response body. It waits for the
// rate limiter, retries transient failures per the retry policy and
// turns any status outside 2xx into *errors.APIError. The whole call,
// retries included, is bounded by the connector timeout.
func (c *Connector) Do(ctx context.Context, call Call) ([]byte, error) {
	op := c.name + ".Do"

	var payload []byte
	if call.Body != nil {
		var err error
		if payload, err = json.Marshal(call.Body); err != nil {
			return nil, errors.E(errors.KindInvalidInput, op, "encode request", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	policy := c.retry
	policy.OnRetry = func(n int, wait time.Duration, err error) {
		c.log.Log(logger.LevelWarn, logger.Fields{"sink": c.name, "retry": n, "wait_ms": wait.Milliseconds(), "err": err}, "retrying sink call")
	}

	var body []byte
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		var err error
		body, err = c.once(ctx, op, call, payload)
		return err
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Connector) once(ctx context.Context, op string, call Call, payload []byte) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.E(errors.KindTimeout, op, "rate limit wait", err)
		}
	}

	method := call.Method
	if method == "" {
		method = http.MethodPost
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	url := c.baseURL + call.Path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, errors.E(errors.KindInvalidInput, op, "create request", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range call.Header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.E(errors.KindTimeout, op, url, err)
		}
		return nil, errors.E(errors.KindNetwork, op, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.E(errors.KindNetwork, op, "read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt := strings.TrimSpace(string(data))
		if len(excerpt) > bodyExcerpt {
			excerpt = excerpt[:bodyExcerpt]
		}
		return nil, &errors.APIError{StatusCode: resp.StatusCode, URL: url, Body: excerpt}
	}
	return data, nil
}

// DecodeJSON unmarshals a sink response, naming the sink on failure.
func (c *Connector) DecodeJSON(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errors.E(errors.KindPublish, c.name+".decode", fmt.Sprintf("unexpected response: %.120s", data), err)
	}
	return nil
}
