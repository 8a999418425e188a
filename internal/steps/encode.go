package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"fetcharr/internal/coordinator"
	"fetcharr/internal/jobqueue"
	"fetcharr/internal/logging"
	"fetcharr/internal/pipeline"
	"fetcharr/internal/services"
	"fetcharr/internal/store"
)

// encodeHandler offloads encoding to the durable job queue and blocks until
// the delegated job reaches a terminal state. Encoder matching and remote
// execution belong to the coordinator; the step owns only the enqueue and
// the wait. The dedupe key ties the job to its step, so a retried or resumed
// step reattaches to the in-flight job instead of enqueueing a duplicate.
type encodeHandler struct {
	deps         Deps
	logger       *slog.Logger
	pollInterval time.Duration
}

type encodeConfig struct {
	From      string          `json:"from"`
	ProfileID string          `json:"profileId"`
	Profile   json.RawMessage `json:"profile"`
	Priority  int             `json:"priority"`
}

func newEncodeHandler(deps Deps, logger *slog.Logger) *encodeHandler {
	poll := time.Second
	if deps.Config != nil && deps.Config.Workflow.StepPollInterval > 0 {
		poll = time.Duration(deps.Config.Workflow.StepPollInterval) * time.Second
	}
	return &encodeHandler{deps: deps, logger: logger, pollInterval: poll}
}

func (h *encodeHandler) Execute(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	if h.deps.Queue == nil || h.deps.Store == nil {
		return nil, services.Wrap(services.ErrConfiguration, "steps", "encode", "job queue is not wired", nil)
	}
	var cfg encodeConfig
	if err := pipeline.DecodeConfig(req.Step, &cfg); err != nil {
		return nil, err
	}

	inputPath, ok := findContextString(req.Context, cfg.From, "filePath")
	if !ok {
		return nil, services.Wrap(services.ErrValidation, "steps", "encode", "no input file in context", nil)
	}

	payload := coordinator.EncodePayload{
		InputPath:  inputPath,
		OutputPath: h.plannedOutputPath(inputPath),
		ProfileID:  cfg.ProfileID,
		Profile:    cfg.Profile,
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal encode payload: %w", err)
	}

	job, existing, err := h.deps.Queue.EnqueueIfAbsent(ctx, store.JobSpec{
		Type:        coordinator.EncodeJobType,
		PayloadJSON: string(payloadJSON),
		DedupeKey:   fmt.Sprintf("encode:%s:%s", req.ExecutionID, req.Step.Name),
		Priority:    cfg.Priority,
		RequestID:   req.RequestID,
		ExecutionID: req.ExecutionID,
	})
	if err != nil {
		return nil, err
	}
	if existing {
		h.logger.Info("reattached to in-flight encode job",
			logging.String(logging.FieldExecutionID, req.ExecutionID),
			logging.String(logging.FieldJobID, job.ID))
	} else {
		h.logger.Info("encode job enqueued",
			logging.String(logging.FieldExecutionID, req.ExecutionID),
			logging.String(logging.FieldJobID, job.ID))
	}

	return h.awaitJob(ctx, job.ID)
}

// awaitJob polls the store until the encode job leaves the active set.
func (h *encodeHandler) awaitJob(ctx context.Context, jobID string) (*pipeline.Result, error) {
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	for {
		job, err := h.deps.Store.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job == nil {
			return nil, services.Wrap(services.ErrNotFound, "steps", "encode",
				fmt.Sprintf("job %s disappeared while waiting", jobID), nil)
		}

		switch job.Status {
		case store.JobCompleted:
			return &pipeline.Result{Output: map[string]any{
				"jobId":      job.ID,
				"outputPath": completedOutputPath(job.PayloadJSON),
			}}, nil
		case store.JobFailed:
			reason := job.ErrorMessage
			if reason == "" {
				reason = "encode job failed"
			}
			return nil, services.Wrap(services.ErrExternalTool, "steps", "encode", reason, nil)
		case store.JobCancelled:
			return nil, context.Canceled
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// plannedOutputPath places the encoded file next to the staging dir with a
// stable suffix. Empty when no staging dir is configured; the encoder derives
// its own destination in that case.
func (h *encodeHandler) plannedOutputPath(inputPath string) string {
	if h.deps.Config == nil || h.deps.Config.Paths.StagingDir == "" {
		return ""
	}
	base := filepath.Base(inputPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(h.deps.Config.Paths.StagingDir, stem+".encoded.mkv")
}

func completedOutputPath(payloadJSON string) string {
	var payload coordinator.EncodePayload
	if payloadJSON == "" {
		return ""
	}
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return ""
	}
	return payload.OutputPath
}

// DelegateEncode is the queue-side handler for encode jobs. Claiming the job
// and reporting delegation moves it under the coordinator's control while
// releasing the consumer slot.
func DelegateEncode() jobqueue.Handler {
	return jobqueue.HandlerFunc(func(ctx context.Context, job *store.Job) error {
		return jobqueue.ErrDelegated
	})
}
