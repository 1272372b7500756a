// Package gfw talks to a Global Forest Watch style Data API: one SQL query
// per request, scoped by a GeoJSON geometry, answered with JSON rows.
package gfw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/couchcryptid/forest-disturbance-etl/internal/domain"
	"github.com/couchcryptid/forest-disturbance-etl/internal/observability"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// DefaultBaseURL is the public Data API.
const DefaultBaseURL = "https://data-api.globalforestwatch.org"

// Client is a shared Data API connection. Dataset-specific adapters wrap it.
type Client struct {
	apiKey     string
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewClient creates a Data API client. An empty baseURL uses DefaultBaseURL.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		apiKey:     apiKey,
		httpClient: newHTTPClient(timeout),
		baseURL:    baseURL,
		logger:     logger,
		metrics:    metrics,
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

type queryRequest struct {
	SQL      string            `json:"sql"`
	Geometry *geojson.Geometry `json:"geometry"`
}

type queryResponse struct {
	Status string            `json:"status"`
	Data   []json.RawMessage `json:"data"`
}

// query runs sql against dataset/version inside geom and returns the raw
// rows. 429, 5xx and transport failures wrap domain.ErrProviderUnavailable;
// other non-200 responses are permanent.
func (c *Client) query(ctx context.Context, dataset, version, sql string, geom orb.Geometry) ([]json.RawMessage, error) {
	start := time.Now()
	rows, err := c.doQuery(ctx, dataset, version, sql, geom)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	c.metrics.APIRequests.WithLabelValues(dataset, outcome).Inc()
	c.metrics.APIDuration.WithLabelValues(dataset).Observe(time.Since(start).Seconds())
	return rows, err
}

func (c *Client) doQuery(ctx context.Context, dataset, version, sql string, geom orb.Geometry) ([]json.RawMessage, error) {
	body, err := json.Marshal(queryRequest{SQL: sql, Geometry: geojson.NewGeometry(geom)})
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}

	u := fmt.Sprintf("%s/dataset/%s/%s/query/json", c.baseURL, url.PathEscape(dataset), url.PathEscape(version))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: query %s: %w", domain.ErrProviderUnavailable, dataset, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: %s: status %d: %s", domain.ErrProviderUnavailable, dataset, resp.StatusCode, msg)
		}
		return nil, fmt.Errorf("data API error: %s: status %d: %s", dataset, resp.StatusCode, msg)
	}

	var out queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.Status != "" && out.Status != "success" {
		return nil, fmt.Errorf("data API error: %s: status %q", dataset, out.Status)
	}
	c.logger.Debug("data API query", "dataset", dataset, "rows", len(out.Data))
	return out.Data, nil
}
