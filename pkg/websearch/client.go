// Package websearch provides a client for the Bing Web Search v7 API.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/renaudjmathieu/serverless-full-stack-apps-azure-synapse/internal/model"
)

// DefaultBaseURL is the Bing Web Search v7 endpoint.
const DefaultBaseURL = "https://api.bing.microsoft.com/v7.0/search"

// Client defines the web search operations.
type Client interface {
	// Search runs a web query and returns the page results.
	Search(ctx context.Context, query string) (*SearchResponse, error)
}

// SearchResponse is the subset of the Bing response used by callers.
type SearchResponse struct {
	Type     string   `json:"_type"`
	Query    Query    `json:"queryContext"`
	WebPages WebPages `json:"webPages"`
}

// Query echoes the query the service actually ran.
type Query struct {
	OriginalQuery string `json:"originalQuery"`
	AlteredQuery  string `json:"alteredQuery,omitempty"`
}

// WebPages holds the page results.
type WebPages struct {
	TotalEstimatedMatches int64     `json:"totalEstimatedMatches"`
	Value                 []WebPage `json:"value"`
}

// WebPage is a single search result.
type WebPage struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets a custom endpoint (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithMarket sets the mkt query parameter.
func WithMarket(mkt string) Option {
	return func(c *httpClient) {
		c.market = mkt
	}
}

// WithCount sets how many results are requested.
func WithCount(n int) Option {
	return func(c *httpClient) {
		c.count = n
	}
}

// WithRateLimit caps requests per second. Zero or less disables limiting.
func WithRateLimit(perSecond float64) Option {
	return func(c *httpClient) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// WithBackoff sets the initial retry delay.
func WithBackoff(d time.Duration) Option {
	return func(c *httpClient) {
		c.backoff = d
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	market  string
	count   int
	backoff time.Duration
	limiter *rate.Limiter
	http    *http.Client
}

// NewClient creates a Bing Web Search client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		market:  "en-US",
		count:   10,
		backoff: 1 * time.Second,
		limiter: rate.NewLimiter(3, 1),
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// retryableStatusCode returns true if the HTTP status code should trigger a retry.
func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable
}

// retryDo executes an HTTP request with exponential backoff retries on
// transient failures (429, 500, 502, 503).
func (c *httpClient) retryDo(ctx context.Context, req *http.Request) ([]byte, int, error) {
	const maxAttempts = 3
	backoff := c.backoff

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, 0, eris.Wrap(err, "websearch: rate limiter")
			}
		}

		resp, err := c.http.Do(req.Clone(ctx))
		if err != nil {
			lastErr = err
			if attempt < maxAttempts {
				select {
				case <-ctx.Done():
					return nil, 0, ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= 2
				continue
			}
			return nil, 0, lastErr
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, resp.StatusCode, eris.Wrap(readErr, "websearch: read response body")
		}

		if retryableStatusCode(resp.StatusCode) && attempt < maxAttempts {
			lastErr = eris.Errorf("websearch: status %d: %s", resp.StatusCode, string(body))
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}

		return body, resp.StatusCode, nil
	}

	return nil, 0, lastErr
}

func (c *httpClient) Search(ctx context.Context, query string) (*SearchResponse, error) {
	if query == "" {
		return nil, eris.New("websearch: empty query")
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("textDecorations", "true")
	params.Set("textFormat", "HTML")
	if c.market != "" {
		params.Set("mkt", c.market)
	}
	if c.count > 0 {
		params.Set("count", strconv.Itoa(c.count))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "websearch: create request")
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	body, statusCode, err := c.retryDo(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "websearch: request failed")
	}

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return nil, fmt.Errorf("websearch: status %d: %w", statusCode, model.ErrUnauthorized)
	case statusCode != http.StatusOK:
		return nil, eris.Errorf("websearch: unexpected status %d: %s", statusCode, string(body))
	}

	var result SearchResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "websearch: unmarshal response")
	}
	return &result, nil
}
