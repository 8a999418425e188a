package steps

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"fetcharr/internal/fileutil"
	"fetcharr/internal/logging"
	"fetcharr/internal/pipeline"
	"fetcharr/internal/services"
	"fetcharr/internal/store"
)

// searchHandler queries the indexer and records the best-scoring release.
type searchHandler struct {
	deps Deps
}

type searchConfig struct {
	Query      string `json:"query"`
	MediaType  string `json:"mediaType"`
	MinSeeders int    `json:"minSeeders"`
}

func (h *searchHandler) Execute(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	if h.deps.Searcher == nil {
		return nil, services.Wrap(services.ErrConfiguration, "steps", "search", "no searcher configured", nil)
	}
	var cfg searchConfig
	if err := pipeline.DecodeConfig(req.Step, &cfg); err != nil {
		return nil, err
	}
	query := strings.TrimSpace(cfg.Query)
	if query == "" {
		query, _ = findContextString(req.Context, "", "query", "title")
	}
	if query == "" {
		return nil, services.Wrap(services.ErrValidation, "steps", "search", "no query in step config or context", nil)
	}

	releases, err := h.deps.Searcher.Search(ctx, SearchOptions{
		Query:      query,
		MediaType:  cfg.MediaType,
		MinSeeders: cfg.MinSeeders,
	})
	if err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "steps", "search", query, err)
	}
	if len(releases) == 0 {
		return nil, services.Wrap(services.ErrNotFound, "steps", "search",
			fmt.Sprintf("no releases for %q", query), nil)
	}

	best := releases[0]
	for _, candidate := range releases[1:] {
		if candidate.Score > best.Score ||
			(candidate.Score == best.Score && candidate.Seeders > best.Seeders) {
			best = candidate
		}
	}
	release, err := toOutputMap(best)
	if err != nil {
		return nil, err
	}
	return &pipeline.Result{Output: map[string]any{
		"release":     release,
		"title":       best.Title,
		"downloadUrl": best.DownloadURL,
		"candidates":  len(releases),
	}}, nil
}

// downloadHandler fetches the release an earlier search selected.
type downloadHandler struct {
	deps Deps
}

type downloadConfig struct {
	// From names the step whose namespace holds the release. Defaults to
	// "search".
	From string `json:"from"`
}

func (h *downloadHandler) Execute(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	if h.deps.Downloader == nil {
		return nil, services.Wrap(services.ErrConfiguration, "steps", "download", "no downloader configured", nil)
	}
	var cfg downloadConfig
	if err := pipeline.DecodeConfig(req.Step, &cfg); err != nil {
		return nil, err
	}
	source := cfg.From
	if source == "" {
		source = "search"
	}

	var release Release
	if err := fromNamespace(req.Context, source, "release", &release); err != nil {
		return nil, err
	}
	handle, err := h.deps.Downloader.Download(ctx, release)
	if err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "steps", "download", release.Title, err)
	}
	if handle == nil || handle.FilePath == "" {
		return nil, services.Wrap(services.ErrExternalTool, "steps", "download",
			fmt.Sprintf("downloader returned no file for %q", release.Title), nil)
	}
	return &pipeline.Result{Output: map[string]any{
		"downloadId": handle.ID,
		"filePath":   handle.FilePath,
		"title":      release.Title,
	}}, nil
}

// extractHandler unpacks a download and fans out one branch per extracted
// item. A single-item download carries no fan-out and completes inline.
type extractHandler struct {
	deps Deps
}

type extractConfig struct {
	From string `json:"from"`
	// BranchTemplate names the step tree each extracted item runs. Required;
	// templates without one are rejected at load time.
	BranchTemplate string `json:"branchTemplate"`
}

// ValidateSpec rejects extract steps that name no branch template, so the
// defect surfaces at template registration rather than mid-execution.
func (h *extractHandler) ValidateSpec(spec pipeline.StepSpec) error {
	var cfg extractConfig
	if err := pipeline.DecodeConfig(spec, &cfg); err != nil {
		return err
	}
	if cfg.BranchTemplate == "" {
		return services.Wrap(services.ErrConfiguration, "steps", "extract",
			"branchTemplate is required", nil)
	}
	return nil
}

func (h *extractHandler) Execute(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	if h.deps.Extractor == nil {
		return nil, services.Wrap(services.ErrConfiguration, "steps", "extract", "no extractor configured", nil)
	}
	var cfg extractConfig
	if err := pipeline.DecodeConfig(req.Step, &cfg); err != nil {
		return nil, err
	}

	filePath, ok := findContextString(req.Context, cfg.From, "filePath")
	if !ok {
		return nil, services.Wrap(services.ErrValidation, "steps", "extract", "no download file in context", nil)
	}
	downloadID, _ := findContextString(req.Context, cfg.From, "downloadId")

	items, err := h.deps.Extractor.ExtractFiles(ctx, DownloadHandle{ID: downloadID, FilePath: filePath})
	if err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "steps", "extract", filePath, err)
	}
	if len(items) == 0 {
		return nil, services.Wrap(services.ErrNotFound, "steps", "extract",
			fmt.Sprintf("nothing extractable in %s", filePath), nil)
	}

	if len(items) == 1 {
		return &pipeline.Result{Output: map[string]any{
			"items":    1,
			"filePath": items[0].FilePath,
			"title":    items[0].Title,
		}}, nil
	}

	if cfg.BranchTemplate == "" {
		return nil, services.Wrap(services.ErrConfiguration, "steps", "extract",
			fmt.Sprintf("%d items to fan out but no branchTemplate", len(items)), nil)
	}

	branches := make([]pipeline.Branch, 0, len(items))
	for _, item := range items {
		seed, err := toOutputMap(item)
		if err != nil {
			return nil, err
		}
		branches = append(branches, pipeline.Branch{
			Key:        item.Key,
			TemplateID: cfg.BranchTemplate,
			Seed:       seed,
		})
	}
	return &pipeline.Result{
		Output:   map[string]any{"items": len(items)},
		Branches: branches,
	}, nil
}

// deliverHandler moves the finished file into the library. The encoded output
// wins over the raw download when both are present.
type deliverHandler struct {
	deps Deps
}

type deliverConfig struct {
	From string `json:"from"`
	// Subdir selects the library section: "movies", "tv", or a literal
	// directory name. Empty delivers to the library root.
	Subdir string `json:"subdir"`
	// TitleFrom prefers a namespace when resolving the "title" value. When
	// a title is present the file lands in a folder named after it.
	TitleFrom string `json:"titleFrom"`
}

func (h *deliverHandler) Execute(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	if h.deps.Deliverer == nil {
		return nil, services.Wrap(services.ErrConfiguration, "steps", "deliver", "no deliverer configured", nil)
	}
	var cfg deliverConfig
	if err := pipeline.DecodeConfig(req.Step, &cfg); err != nil {
		return nil, err
	}

	source, ok := findContextString(req.Context, cfg.From, "outputPath", "filePath")
	if !ok {
		return nil, services.Wrap(services.ErrValidation, "steps", "deliver", "no file in context to deliver", nil)
	}
	destination := h.destinationDir(cfg.Subdir)
	if title, ok := findContextString(req.Context, cfg.TitleFrom, "title"); ok {
		if folder := fileutil.TitleDirName(title); folder != "" {
			destination = filepath.Join(destination, folder)
		}
	}

	result, err := h.deps.Deliverer.Deliver(ctx, source, destination)
	if err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "steps", "deliver", source, err)
	}
	if result == nil || result.Destination == "" {
		return nil, services.Wrap(services.ErrExternalTool, "steps", "deliver",
			fmt.Sprintf("deliverer reported no destination for %s", source), nil)
	}
	output, err := toOutputMap(result)
	if err != nil {
		return nil, err
	}
	return &pipeline.Result{Output: output}, nil
}

func (h *deliverHandler) destinationDir(subdir string) string {
	library := h.deps.Config.Paths.LibraryDir
	switch subdir {
	case "":
		return library
	case "movies":
		if h.deps.Config.Library.MoviesDir != "" {
			subdir = h.deps.Config.Library.MoviesDir
		}
	case "tv":
		if h.deps.Config.Library.TVDir != "" {
			subdir = h.deps.Config.Library.TVDir
		}
	}
	return filepath.Join(library, subdir)
}

// notificationHandler publishes a pipeline event. An unconfigured notifier
// skips silently so templates stay portable across installations.
type notificationHandler struct {
	deps   Deps
	logger *slog.Logger
}

type notificationConfig struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

func (h *notificationHandler) Execute(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	var cfg notificationConfig
	if err := pipeline.DecodeConfig(req.Step, &cfg); err != nil {
		return nil, err
	}
	event := cfg.Event
	if event == "" {
		event = req.Step.Name
	}
	if h.deps.Notifier == nil {
		return &pipeline.Result{Output: map[string]any{"event": event, "skipped": true}}, nil
	}

	payload := map[string]any{
		"requestId":   req.RequestID,
		"executionId": req.ExecutionID,
	}
	if cfg.Message != "" {
		payload["message"] = cfg.Message
	}
	if title, ok := findContextString(req.Context, "", "title"); ok {
		payload["title"] = title
	}

	results, err := h.deps.Notifier.Notify(ctx, event, payload)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "steps", "notification", event, err)
	}
	delivered := 0
	for _, result := range results {
		if result.Delivered {
			delivered++
		}
	}
	h.logger.Info("notification sent",
		logging.String(logging.FieldEventType, event),
		logging.Int("delivered", delivered))
	return &pipeline.Result{Output: map[string]any{
		"event":     event,
		"delivered": delivered,
	}}, nil
}

// approvalHandler pauses the subtree behind a gate. The executor owns gate
// persistence and resume; the handler only shapes the request.
type approvalHandler struct{}

type approvalConfig struct {
	RequiredRole string `json:"requiredRole"`
	TimeoutHours int    `json:"timeoutHours"`
	AutoAction   string `json:"autoAction"`
}

func (h *approvalHandler) Execute(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	var cfg approvalConfig
	if err := pipeline.DecodeConfig(req.Step, &cfg); err != nil {
		return nil, err
	}
	switch store.ApprovalAction(cfg.AutoAction) {
	case store.AutoApprove, store.AutoReject, store.AutoCancel, store.AutoNone, "":
	default:
		return nil, services.Wrap(services.ErrConfiguration, "steps", "approval",
			fmt.Sprintf("unknown autoAction %q", cfg.AutoAction), nil)
	}
	return &pipeline.Result{Await: &pipeline.ApprovalRequest{
		RequiredRole: cfg.RequiredRole,
		TimeoutHours: cfg.TimeoutHours,
		AutoAction:   cfg.AutoAction,
	}}, nil
}
