// Package providers implements the collaborator capabilities the step
// handlers call: an indexer search client, a download client, a filesystem
// extractor, and a library deliverer. The HTTP collaborators speak small JSON
// APIs and authenticate with an api key header; everything else is local
// filesystem work.
package providers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fetcharr/internal/config"
	"fetcharr/internal/services"
)

const apiKeyHeader = "X-Api-Key"

// HTTPDoer describes the HTTP client used by the remote collaborators.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

func newHTTPClient(cfg *config.Config) *http.Client {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Providers.RequestTimeout > 0 {
		timeout = time.Duration(cfg.Providers.RequestTimeout) * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// decodeJSON enforces a 2xx status before decoding the body into out.
func decodeJSON(resp *http.Response, component, operation string, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		marker := services.ErrExternalTool
		if resp.StatusCode == http.StatusNotFound {
			marker = services.ErrNotFound
		}
		return services.Wrap(marker, component, operation,
			fmt.Sprintf("returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), nil)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return services.Wrap(services.ErrExternalTool, component, operation, "invalid JSON response", err)
	}
	return nil
}

func trimBaseURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}
