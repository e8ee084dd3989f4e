package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPConfig configures the eligibility API endpoint.
type HTTPConfig struct {
	// BaseURL is the API origin, e.g. https://qpp.cms.gov.
	BaseURL string

	// Endpoint is the path template; {npi} is replaced by the identifier.
	Endpoint string

	// Timeout is the per-request socket timeout.
	Timeout time.Duration

	UserAgent string
	Accept    string
}

// DefaultHTTPConfig returns the public API settings.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		BaseURL:   "https://qpp.cms.gov",
		Endpoint:  "/api/eligibility/npi/{npi}",
		Timeout:   30 * time.Second,
		UserAgent: "CMS-Eligibility-Extractor/1.0",
		Accept:    "application/vnd.qpp.cms.gov.v6+json",
	}
}

// HTTPFetcher is the default RemoteFetchFunc over net/http. The partition
// key is sent as the year query parameter.
type HTTPFetcher struct {
	httpClient *http.Client
	config     HTTPConfig
}

// NewHTTPFetcher creates a fetcher. Empty fields fall back to DefaultHTTPConfig.
func NewHTTPFetcher(cfg HTTPConfig) *HTTPFetcher {
	def := DefaultHTTPConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.Accept == "" {
		cfg.Accept = def.Accept
	}

	return &HTTPFetcher{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		config:     cfg,
	}
}

// Fetch implements RemoteFetchFunc.
func (f *HTTPFetcher) Fetch(ctx context.Context, identifier, partition string) (*Response, error) {
	endpoint := strings.ReplaceAll(f.config.Endpoint, "{npi}", url.PathEscape(identifier))
	u, err := url.Parse(strings.TrimRight(f.config.BaseURL, "/") + endpoint)
	if err != nil {
		return nil, fmt.Errorf("build request url: %w", err)
	}
	if partition != "" {
		q := u.Query()
		q.Set("year", partition)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	req.Header.Set("Accept", f.config.Accept)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{
			ErrorClass: ErrorClassNetwork,
			Message:    "request failed",
			Err:        err,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassNetwork,
			Message:    "read response body",
			Err:        err,
		}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       body,
		Header:     resp.Header,
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (f *HTTPFetcher) SetHTTPClient(client *http.Client) {
	f.httpClient = client
}
