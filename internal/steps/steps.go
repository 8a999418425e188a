// Package steps provides the built-in handlers for the closed step type set
// {search, download, encode, deliver, notification, approval, extract}.
// Handlers call collaborator capabilities through narrow interfaces and only
// persist structured output into the execution context; the collaborators own
// every external side effect.
package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"fetcharr/internal/config"
	"fetcharr/internal/jobqueue"
	"fetcharr/internal/logging"
	"fetcharr/internal/pipeline"
	"fetcharr/internal/services"
	"fetcharr/internal/store"
)

// Release is one candidate found by a search collaborator.
type Release struct {
	Title       string  `json:"title"`
	DownloadURL string  `json:"downloadUrl"`
	Indexer     string  `json:"indexer,omitempty"`
	SizeBytes   int64   `json:"sizeBytes,omitempty"`
	Seeders     int     `json:"seeders,omitempty"`
	Quality     string  `json:"quality,omitempty"`
	Score       float64 `json:"score,omitempty"`
}

// SearchOptions narrows a search to one request's terms.
type SearchOptions struct {
	Query      string
	MediaType  string
	MinSeeders int
}

// DownloadHandle identifies one finished download and where it landed.
type DownloadHandle struct {
	ID       string `json:"id"`
	FilePath string `json:"filePath"`
}

// ExtractedItem is one file produced from a downloaded container, keyed for
// branch fan-out (e.g. "s01e03" for an episode in a season pack).
type ExtractedItem struct {
	Key      string `json:"key"`
	FilePath string `json:"filePath"`
	Title    string `json:"title,omitempty"`
}

// DeliveryResult records where a file ended up in the library.
type DeliveryResult struct {
	Destination string `json:"destination"`
	Replaced    bool   `json:"replaced,omitempty"`
}

// NotifyResult is one notification target's delivery outcome.
type NotifyResult struct {
	Target    string `json:"target"`
	Delivered bool   `json:"delivered"`
}

// Searcher finds candidate releases for a query.
type Searcher interface {
	Search(ctx context.Context, options SearchOptions) ([]Release, error)
}

// Downloader fetches one release and reports where the payload landed.
type Downloader interface {
	Download(ctx context.Context, release Release) (*DownloadHandle, error)
}

// Extractor unpacks a download into individually deliverable files.
type Extractor interface {
	ExtractFiles(ctx context.Context, handle DownloadHandle) ([]ExtractedItem, error)
}

// Deliverer moves a finished file into its library destination.
type Deliverer interface {
	Deliver(ctx context.Context, sourcePath, destinationDir string) (*DeliveryResult, error)
}

// Notifier publishes a pipeline event to configured targets.
type Notifier interface {
	Notify(ctx context.Context, event string, payload map[string]any) ([]NotifyResult, error)
}

// Deps carries everything the built-in handlers need. Collaborators left nil
// fail their steps with a configuration error, except Notifier, which
// degrades to a no-op.
type Deps struct {
	Config     *config.Config
	Store      *store.Store
	Queue      *jobqueue.Queue
	Searcher   Searcher
	Downloader Downloader
	Extractor  Extractor
	Deliverer  Deliverer
	Notifier   Notifier
	Logger     *slog.Logger
}

// RegisterAll binds the built-in handlers for every known step type.
func RegisterAll(registry *pipeline.Registry, deps Deps) error {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "steps")

	handlers := map[string]pipeline.Handler{
		pipeline.StepSearch:       &searchHandler{deps: deps},
		pipeline.StepDownload:     &downloadHandler{deps: deps},
		pipeline.StepEncode:       newEncodeHandler(deps, logger),
		pipeline.StepDeliver:      &deliverHandler{deps: deps},
		pipeline.StepNotification: &notificationHandler{deps: deps, logger: logger},
		pipeline.StepApproval:     &approvalHandler{},
		pipeline.StepExtract:      &extractHandler{deps: deps},
	}
	for stepType, handler := range handlers {
		if err := registry.Register(stepType, handler); err != nil {
			return err
		}
	}
	return nil
}

// toOutputMap flattens a typed collaborator result into the JSON-shaped map
// the execution context persists.
func toOutputMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal step output: %w", err)
	}
	out := make(map[string]any)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal step output: %w", err)
	}
	return out, nil
}

// fromNamespace rehydrates one typed value persisted under an earlier step's
// namespace key.
func fromNamespace(execCtx *pipeline.ExecContext, namespace, key string, out any) error {
	value, ok := execCtx.Value(namespace, key)
	if !ok {
		return services.Wrap(services.ErrValidation, "steps", "read context",
			fmt.Sprintf("namespace %q has no %q", namespace, key), nil)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("remarshal context value: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return services.Wrap(services.ErrValidation, "steps", "read context",
			fmt.Sprintf("namespace %q key %q has unexpected shape", namespace, key), err)
	}
	return nil
}

// findContextString resolves the first string value for any of keys. Keys
// rank over namespaces, so a caller asking for "outputPath", "filePath" gets
// the encoded output wherever it lives before falling back to a raw file.
// The preferred namespace wins ties within one key.
func findContextString(execCtx *pipeline.ExecContext, preferred string, keys ...string) (string, bool) {
	lookup := func(namespace, key string) (string, bool) {
		if value, ok := execCtx.Value(namespace, key); ok {
			if s, isString := value.(string); isString && s != "" {
				return s, true
			}
		}
		return "", false
	}
	namespaces := execCtx.Namespaces()
	for _, key := range keys {
		if preferred != "" {
			if s, ok := lookup(preferred, key); ok {
				return s, true
			}
		}
		for _, namespace := range namespaces {
			if namespace == preferred {
				continue
			}
			if s, ok := lookup(namespace, key); ok {
				return s, true
			}
		}
	}
	return "", false
}
