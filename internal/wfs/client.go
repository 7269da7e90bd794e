// Package wfs implements the HTTP client for the remote feature service.
// The orchestrator only needs to express a bounding box, a record cap, and
// interpret a coarse saturation signal, so the client is deliberately thin:
// it builds GetFeature requests, returns raw payloads, and treats any
// non-2xx status as a retryable failure.
package wfs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"wfsharvest/internal/geo"
	"wfsharvest/internal/metrics"
)

// Config controls the feature service client.
type Config struct {
	BaseURL      string
	Layer        string
	Version      string
	SRS          string
	OutputFormat string
	UserAgent    string
	Timeout      time.Duration
	// RPS bounds outbound request volume to the remote service.
	// Zero or negative means unlimited.
	RPS float64
}

// Request describes one GetFeature query: a bounding box and the maximum
// number of records the server should return.
type Request struct {
	BBox  geo.BBox
	Count int
}

// FeatureGetter is the interface the fetch pipeline depends on.
type FeatureGetter interface {
	GetFeatures(ctx context.Context, req Request) ([]byte, error)
	RequestURL(req Request) string
}

// StatusError reports a non-success status from the remote service.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("feature service returned status %d for %s", e.Code, e.URL)
}

// Client issues GetFeature requests over HTTP.
type Client struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
}

// New builds a Client, validating the base URL.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("feature service base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid feature service base URL %q: %w", cfg.BaseURL, err)
	}
	if cfg.Layer == "" {
		return nil, fmt.Errorf("feature service layer is required")
	}
	if cfg.Version == "" {
		cfg.Version = "2.0.0"
	}
	if cfg.SRS == "" {
		cfg.SRS = "EPSG:4326"
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "application/json"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	limit := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		limit = rate.Inf
	}

	return &Client{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: newHTTPTransport(),
		},
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

// RequestURL builds the full GetFeature URL for a request.
func (c *Client) RequestURL(req Request) string {
	q := url.Values{}
	q.Set("service", "WFS")
	q.Set("version", c.cfg.Version)
	q.Set("request", "GetFeature")
	q.Set("typeNames", c.cfg.Layer)
	q.Set("outputFormat", c.cfg.OutputFormat)
	q.Set("srsName", c.cfg.SRS)
	q.Set("bbox", fmt.Sprintf("%s,%s,%s,%s,%s",
		geo.Coord(req.BBox.West), geo.Coord(req.BBox.South),
		geo.Coord(req.BBox.East), geo.Coord(req.BBox.North), c.cfg.SRS))
	q.Set("count", strconv.Itoa(req.Count))

	sep := "?"
	if u, err := url.Parse(c.cfg.BaseURL); err == nil && u.RawQuery != "" {
		sep = "&"
	}
	return c.cfg.BaseURL + sep + q.Encode()
}

// GetFeatures performs one GetFeature request and returns the raw payload.
// A non-2xx status is returned as a *StatusError so the retry layer treats
// it like any other transient failure.
func (c *Client) GetFeatures(ctx context.Context, req Request) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	target := c.RequestURL(req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("feature request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read side only

	payload, err := io.ReadAll(resp.Body)
	metrics.ObserveWFSRequest(resp.StatusCode, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, URL: target}
	}
	return payload, nil
}

// CountFeatures counts recognizable feature occurrences in a raw GeoJSON
// payload. This is a textual signal, not a parse: it is only used to decide
// whether a query likely hit the server's record cap. The trailing quote in
// the marker keeps "FeatureCollection" from matching.
func CountFeatures(payload []byte) int {
	return bytes.Count(payload, []byte(`"type":"Feature"`)) +
		bytes.Count(payload, []byte(`"type": "Feature"`))
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
