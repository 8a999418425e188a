package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"fetcharr/internal/config"
	"fetcharr/internal/services"
	"fetcharr/internal/steps"
)

// DownloadClient hands releases to an external download client and waits for
// the transfer to land in the staging area.
type DownloadClient struct {
	baseURL      string
	apiKey       string
	client       HTTPDoer
	pollInterval time.Duration
}

// NewDownloadClient builds a downloader from the configured endpoint.
func NewDownloadClient(cfg *config.Config) *DownloadClient {
	return &DownloadClient{
		baseURL:      trimBaseURL(cfg.Providers.DownloadClientURL),
		apiKey:       cfg.Providers.DownloadAPIKey,
		client:       newHTTPClient(cfg),
		pollInterval: 2 * time.Second,
	}
}

// NewDownloadClientWith injects the HTTP client and poll interval, for tests.
func NewDownloadClientWith(baseURL, apiKey string, client HTTPDoer, pollInterval time.Duration) *DownloadClient {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &DownloadClient{
		baseURL:      trimBaseURL(baseURL),
		apiKey:       apiKey,
		client:       client,
		pollInterval: pollInterval,
	}
}

type downloadStatus struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	FilePath string `json:"filePath"`
	Error    string `json:"error"`
}

// Download implements steps.Downloader. The external client works
// asynchronously, so the call submits the release and then polls the
// transfer until it completes or fails.
func (c *DownloadClient) Download(ctx context.Context, release steps.Release) (*steps.DownloadHandle, error) {
	if c.baseURL == "" {
		return nil, services.Wrap(services.ErrConfiguration, "downloader", "download", "no download_client_url configured", nil)
	}
	if release.DownloadURL == "" {
		return nil, services.Wrap(services.ErrValidation, "downloader", "download", "release has no download url", nil)
	}

	status, err := c.submit(ctx, release)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		switch status.Status {
		case "completed":
			if status.FilePath == "" {
				return nil, services.Wrap(services.ErrExternalTool, "downloader", "download",
					fmt.Sprintf("transfer %s completed without a file path", status.ID), nil)
			}
			return &steps.DownloadHandle{ID: status.ID, FilePath: status.FilePath}, nil
		case "failed":
			reason := status.Error
			if reason == "" {
				reason = "transfer failed"
			}
			return nil, services.Wrap(services.ErrExternalTool, "downloader", "download",
				fmt.Sprintf("transfer %s: %s", status.ID, reason), nil)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		status, err = c.poll(ctx, status.ID)
		if err != nil {
			return nil, err
		}
	}
}

func (c *DownloadClient) submit(ctx context.Context, release steps.Release) (*downloadStatus, error) {
	body, err := json.Marshal(map[string]string{
		"url":   release.DownloadURL,
		"title": release.Title,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal download request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/downloads", bytes.NewReader(body))
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "downloader", "download", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "downloader", "download", "submit failed", err)
	}
	var status downloadStatus
	if err := decodeJSON(resp, "downloader", "download", &status); err != nil {
		return nil, err
	}
	if status.ID == "" {
		return nil, services.Wrap(services.ErrExternalTool, "downloader", "download", "client returned no transfer id", nil)
	}
	return &status, nil
}

func (c *DownloadClient) poll(ctx context.Context, id string) (*downloadStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/downloads/"+id, nil)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "downloader", "poll", "build request", err)
	}
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "downloader", "poll", "request failed", err)
	}
	var status downloadStatus
	if err := decodeJSON(resp, "downloader", "poll", &status); err != nil {
		return nil, err
	}
	return &status, nil
}
