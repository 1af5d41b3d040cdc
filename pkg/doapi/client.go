// Package doapi is a client for the Data Observatory metadata REST API.
package doapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/cartodb/observatory-cli/internal/resilience"
)

// ErrNotFound is returned (wrapped) when the API answers 404.
var ErrNotFound = eris.New("doapi: entity not found")

// Client fetches catalog metadata.
type Client interface {
	// GetVariable looks a variable up by fully qualified id or slug.
	GetVariable(ctx context.Context, idOrSlug string) (*Variable, error)

	// GetDataset looks a dataset up by id or slug.
	GetDataset(ctx context.Context, idOrSlug string) (*Dataset, error)

	// GetGeography looks a geography up by id or slug.
	GetGeography(ctx context.Context, idOrSlug string) (*Geography, error)

	// GetSubscriptions lists the caller's active licenses.
	GetSubscriptions(ctx context.Context) (*Subscriptions, error)
}

// Variable is the API representation of a catalog variable.
type Variable struct {
	ID          string `json:"id"`
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Description string `json:"description"`
	ColumnName  string `json:"column_name"`
	DBType      string `json:"db_type"`
	DatasetID   string `json:"dataset_id"`
	AggMethod   string `json:"agg_method"`
}

// Dataset is the API representation of a catalog dataset.
type Dataset struct {
	ID           string   `json:"id"`
	Slug         string   `json:"slug"`
	Name         string   `json:"name"`
	GeographyID  string   `json:"geography_id"`
	IsPublicData bool     `json:"is_public_data"`
	AvailableIn  []string `json:"available_in"`
}

// Geography is the API representation of a catalog geography.
type Geography struct {
	ID           string   `json:"id"`
	Slug         string   `json:"slug"`
	Name         string   `json:"name"`
	IsPublicData bool     `json:"is_public_data"`
	AvailableIn  []string `json:"available_in"`
}

// Subscriptions lists licensed entity ids.
type Subscriptions struct {
	Datasets    []string `json:"datasets"`
	Geographies []string `json:"geographies"`
}

// Option configures the client.
type Option func(*client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *client) { c.httpClient = hc }
}

// WithRateLimit caps requests per second.
func WithRateLimit(rps float64) Option {
	return func(c *client) {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRetryPolicy overrides the retry policy for transient failures.
func WithRetryPolicy(p resilience.Policy) Option {
	return func(c *client) { c.retry = p }
}

type client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      resilience.Policy
}

// NewClient creates a metadata client rooted at baseURL.
func NewClient(baseURL, apiKey string, opts ...Option) Client {
	c := &client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(10, 10),
		retry:      resilience.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.OnRetry == nil {
		c.retry.OnRetry = resilience.LogRetries("doapi", "get")
	}
	return c
}

func (c *client) GetVariable(ctx context.Context, idOrSlug string) (*Variable, error) {
	var v Variable
	if err := c.get(ctx, "variables/"+url.PathEscape(idOrSlug), &v); err != nil {
		return nil, eris.Wrapf(err, "doapi: get variable %s", idOrSlug)
	}
	return &v, nil
}

func (c *client) GetDataset(ctx context.Context, idOrSlug string) (*Dataset, error) {
	var d Dataset
	if err := c.get(ctx, "datasets/"+url.PathEscape(idOrSlug), &d); err != nil {
		return nil, eris.Wrapf(err, "doapi: get dataset %s", idOrSlug)
	}
	return &d, nil
}

func (c *client) GetGeography(ctx context.Context, idOrSlug string) (*Geography, error) {
	var g Geography
	if err := c.get(ctx, "geographies/"+url.PathEscape(idOrSlug), &g); err != nil {
		return nil, eris.Wrapf(err, "doapi: get geography %s", idOrSlug)
	}
	return &g, nil
}

func (c *client) GetSubscriptions(ctx context.Context) (*Subscriptions, error) {
	var s Subscriptions
	if err := c.get(ctx, "subscriptions", &s); err != nil {
		return nil, eris.Wrap(err, "doapi: get subscriptions")
	}
	return &s, nil
}

// get issues a rate-limited, retried GET and decodes the JSON body into out.
func (c *client) get(ctx context.Context, path string, out any) error {
	endpoint := c.baseURL + "/" + path
	if c.apiKey != "" {
		endpoint += "?api_key=" + url.QueryEscape(c.apiKey)
	}

	return resilience.Do(ctx, c.retry, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "rate limiter")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return eris.Wrap(err, "build request")
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return eris.Wrap(err, "request")
		}
		defer resp.Body.Close() //nolint:errcheck

		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return eris.Wrap(err, "read body")
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return ErrNotFound
		case resilience.IsTransientHTTPStatus(resp.StatusCode):
			return resilience.NewTransientError(
				fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 200)), resp.StatusCode)
		case resp.StatusCode >= 300:
			return eris.Errorf("status %d: %s", resp.StatusCode, truncate(body, 200))
		}

		if err := json.Unmarshal(body, out); err != nil {
			return eris.Wrap(err, "decode response")
		}
		return nil
	})
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
