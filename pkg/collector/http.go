package collector

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/exploopio/intelpipe/pkg/errors"
)

// bodyExcerpt bounds the body text kept on an APIError.
const bodyExcerpt = 512

// Request describes one outbound fetch.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
	Accept  string
}

// Fetcher performs HTTP fetches for the strategies.
type Fetcher struct {
	client    *http.Client
	userAgent string
	maxBody   int64
	limiter   *rate.Limiter
}

// NewFetcher creates a Fetcher. The client timeout is a backstop; each
// collection is also bounded by the dispatcher deadline.
func NewFetcher(cfg Config) *Fetcher {
	cfg = cfg.withDefaults()
	f := &Fetcher{
		client:    &http.Client{Timeout: cfg.Timeout},
		userAgent: cfg.UserAgent,
		maxBody:   cfg.MaxBodyBytes,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return f
}

// SetHTTPClient replaces the underlying client.
func (f *Fetcher) SetHTTPClient(c *http.Client) {
	f.client = c
}

// Do executes req and returns the response body. Status codes outside
// 2xx become *errors.APIError.
func (f *Fetcher) Do(ctx context.Context, req Request) ([]byte, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, errors.E(errors.KindTimeout, "fetch", "rate limit wait", err)
		}
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, errors.E(errors.KindInvalidInput, "fetch", "create request", err)
	}
	f.setHeaders(httpReq, req)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.E(errors.KindTimeout, "fetch", req.URL, err)
		}
		return nil, errors.E(errors.KindNetwork, "fetch", req.URL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, errors.E(errors.KindNetwork, "fetch", "read body", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt := strings.TrimSpace(string(data))
		if len(excerpt) > bodyExcerpt {
			excerpt = excerpt[:bodyExcerpt]
		}
		return nil, &errors.APIError{StatusCode: resp.StatusCode, URL: req.URL, Body: excerpt}
	}
	if int64(len(data)) > f.maxBody {
		return nil, errors.E(errors.KindInvalidInput, "fetch", fmt.Sprintf("response exceeds %d bytes", f.maxBody))
	}
	return data, nil
}

// setHeaders applies defaults first so per-source headers can override them.
func (f *Fetcher) setHeaders(httpReq *http.Request, req Request) {
	accept := req.Accept
	if accept == "" {
		accept = "*/*"
	}
	httpReq.Header.Set("Accept", accept)
	httpReq.Header.Set("User-Agent", f.userAgent)
	if len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
}
