package providers

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"fetcharr/internal/config"
	"fetcharr/internal/services"
	"fetcharr/internal/steps"
)

// IndexerClient searches a Prowlarr-style indexer aggregator for releases.
type IndexerClient struct {
	baseURL string
	apiKey  string
	client  HTTPDoer
}

// NewIndexerClient builds a searcher from the configured indexer endpoint.
func NewIndexerClient(cfg *config.Config) *IndexerClient {
	return &IndexerClient{
		baseURL: trimBaseURL(cfg.Providers.IndexerURL),
		apiKey:  cfg.Providers.IndexerAPIKey,
		client:  newHTTPClient(cfg),
	}
}

// NewIndexerClientWith injects the HTTP client, for tests.
func NewIndexerClientWith(baseURL, apiKey string, client HTTPDoer) *IndexerClient {
	return &IndexerClient{baseURL: trimBaseURL(baseURL), apiKey: apiKey, client: client}
}

// Search implements steps.Searcher.
func (c *IndexerClient) Search(ctx context.Context, options steps.SearchOptions) ([]steps.Release, error) {
	if c.baseURL == "" {
		return nil, services.Wrap(services.ErrConfiguration, "indexer", "search", "no indexer_url configured", nil)
	}

	query := url.Values{}
	query.Set("query", options.Query)
	if options.MediaType != "" {
		query.Set("type", options.MediaType)
	}
	if options.MinSeeders > 0 {
		query.Set("minSeeders", strconv.Itoa(options.MinSeeders))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/search?"+query.Encode(), nil)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "indexer", "search", "build request", err)
	}
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "indexer", "search", "request failed", err)
	}

	var releases []steps.Release
	if err := decodeJSON(resp, "indexer", "search", &releases); err != nil {
		return nil, err
	}
	return releases, nil
}
