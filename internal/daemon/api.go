package daemon

import (
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"fetcharr/internal/logging"
	"fetcharr/internal/services"
	"fetcharr/internal/store"
)

// apiServer exposes the daemon over HTTP plus the encoder WebSocket endpoint.
type apiServer struct {
	daemon   *Daemon
	app      *fiber.App
	validate *validator.Validate
	logger   *slog.Logger
}

func newAPIServer(d *Daemon, logger *slog.Logger) *apiServer {
	s := &apiServer{
		daemon:   d,
		validate: validator.New(),
		logger:   logging.NewComponentLogger(logger, "api"),
	}

	app := fiber.New(fiber.Config{
		AppName:               "fetcharrd",
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})
	app.Use(recover.New())

	app.Get("/health", s.handleHealth)

	auth := authMiddleware(d.cfg.Paths.APIToken)

	api := app.Group("/api", auth)
	api.Get("/status", s.handleStatus)
	api.Post("/requests", s.handleStartRequest)
	api.Get("/executions/:id", s.handleExecution)
	api.Get("/queue", s.handleQueue)
	api.Delete("/queue", s.handleQueueClear)
	api.Post("/queue/:id/retry", s.handleJobRetry)
	api.Post("/queue/:id/cancel", s.handleJobCancel)
	api.Get("/approvals", s.handleApprovals)
	api.Post("/approvals/:id/decision", s.handleApprovalDecision)
	api.Get("/encoders", s.handleEncoders)

	app.Use("/ws", auth, func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/encoders", websocket.New(func(conn *websocket.Conn) {
		d.coordinator.HandleConnection(d.runCtx, conn)
	}))

	s.app = app
	return s
}

func (s *apiServer) listen(bind string) error {
	return s.app.Listen(bind)
}

func (s *apiServer) shutdown(timeout time.Duration) {
	if err := s.app.ShutdownWithTimeout(timeout); err != nil {
		s.logger.Warn("api shutdown", logging.Error(err))
	}
}

// errorHandler translates service error kinds into HTTP statuses.
func (s *apiServer) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
	} else {
		switch {
		case errors.Is(err, services.ErrNotFound), errors.Is(err, sql.ErrNoRows):
			code = fiber.StatusNotFound
		case errors.Is(err, services.ErrValidation), errors.Is(err, services.ErrConfiguration):
			code = fiber.StatusBadRequest
		case errors.Is(err, services.ErrTimeout):
			code = fiber.StatusGatewayTimeout
		}
	}
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("request failed",
			logging.String("path", c.Path()), logging.Error(err))
	}
	return c.Status(code).JSON(fiber.Map{
		"error": err.Error(),
		"kind":  services.Kind(err),
	})
}

func (s *apiServer) handleHealth(c *fiber.Ctx) error {
	health, err := s.daemon.store.CheckHealth(c.Context())
	if err != nil {
		return err
	}
	status := "ok"
	if !health.IntegrityCheck || health.Error != "" {
		status = "degraded"
	}
	return c.JSON(fiber.Map{"status": status, "dbPath": health.DBPath})
}

func (s *apiServer) handleStatus(c *fiber.Ctx) error {
	status, err := s.daemon.StatusSnapshot(c.Context())
	if err != nil {
		return err
	}
	return c.JSON(status)
}

type startRequestBody struct {
	RequestID  string `json:"requestId" validate:"required"`
	TemplateID string `json:"templateId" validate:"required"`
}

func (s *apiServer) handleStartRequest(c *fiber.Ctx) error {
	var body startRequestBody
	if err := c.BodyParser(&body); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := s.validate.Struct(&body); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	exec, err := s.daemon.StartRequest(c.Context(), body.RequestID, body.TemplateID)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(executionToView(exec))
}

func (s *apiServer) handleExecution(c *fiber.Ctx) error {
	id := c.Params("id")
	exec, err := s.daemon.store.GetExecution(c.Context(), id)
	if err != nil {
		return err
	}
	if exec == nil {
		return fiber.NewError(fiber.StatusNotFound, "execution not found")
	}
	steps, err := s.daemon.store.StepStates(c.Context(), id)
	if err != nil {
		return err
	}
	branches, err := s.daemon.store.Branches(c.Context(), id)
	if err != nil {
		return err
	}
	view := struct {
		executionView
		Steps    []stepView      `json:"steps"`
		Branches []executionView `json:"branches"`
	}{
		executionView: executionToView(exec),
		Steps:         make([]stepView, 0, len(steps)),
		Branches:      make([]executionView, 0, len(branches)),
	}
	for _, st := range steps {
		view.Steps = append(view.Steps, stepToView(st))
	}
	for _, branch := range branches {
		view.Branches = append(view.Branches, executionToView(branch))
	}
	return c.JSON(view)
}

func (s *apiServer) handleQueue(c *fiber.Ctx) error {
	statuses := []store.JobStatus{store.JobPending, store.JobRunning, store.JobFailed}
	if raw := c.Query("status"); raw != "" {
		parsed, ok := store.ParseJobStatus(raw)
		if !ok {
			return fiber.NewError(fiber.StatusBadRequest, "unknown job status")
		}
		statuses = []store.JobStatus{parsed}
	}
	jobs, err := s.daemon.store.JobsByStatus(c.Context(), statuses...)
	if err != nil {
		return err
	}
	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, jobToView(job))
	}
	return c.JSON(fiber.Map{"jobs": views})
}

func (s *apiServer) handleQueueClear(c *fiber.Ctx) error {
	statuses := []store.JobStatus{store.JobCompleted, store.JobFailed, store.JobCancelled}
	if raw := c.Query("status"); raw != "" {
		parsed, ok := store.ParseJobStatus(raw)
		if !ok || !parsed.Terminal() {
			return fiber.NewError(fiber.StatusBadRequest, "only completed, failed or cancelled jobs can be cleared")
		}
		statuses = []store.JobStatus{parsed}
	}
	removed, err := s.daemon.store.ClearJobs(c.Context(), statuses...)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"removed": removed})
}

func (s *apiServer) handleJobRetry(c *fiber.Ctx) error {
	job, err := s.daemon.store.RetryJob(c.Context(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(jobToView(job))
}

func (s *apiServer) handleJobCancel(c *fiber.Ctx) error {
	job, err := s.daemon.queue.RequestCancellation(c.Context(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(jobToView(job))
}

func (s *apiServer) handleApprovals(c *fiber.Ctx) error {
	approvals, err := s.daemon.store.PendingApprovals(c.Context())
	if err != nil {
		return err
	}
	views := make([]approvalView, 0, len(approvals))
	for _, approval := range approvals {
		views = append(views, approvalToView(approval))
	}
	return c.JSON(fiber.Map{"approvals": views})
}

type approvalDecisionBody struct {
	Decision  string `json:"decision" validate:"required,oneof=approve reject"`
	DecidedBy string `json:"decidedBy" validate:"required"`
}

func (s *apiServer) handleApprovalDecision(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "approval id must be numeric")
	}
	var body approvalDecisionBody
	if err := c.BodyParser(&body); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := s.validate.Struct(&body); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	approval, err := s.daemon.store.GetApproval(c.Context(), int64(id))
	if err != nil {
		return err
	}
	if approval == nil {
		return fiber.NewError(fiber.StatusNotFound, "approval not found")
	}
	status := store.ApprovalApproved
	if body.Decision == "reject" {
		status = store.ApprovalRejected
	}
	decided, err := s.daemon.store.DecideApproval(c.Context(), approval.ID, status, body.DecidedBy)
	if err != nil {
		return err
	}
	if !decided {
		return fiber.NewError(fiber.StatusConflict, "approval already decided")
	}
	if err := s.daemon.Resume(c.Context(), approval.ExecutionID); err != nil {
		return err
	}
	updated, err := s.daemon.store.GetApproval(c.Context(), approval.ID)
	if err != nil {
		return err
	}
	return c.JSON(approvalToView(updated))
}

func (s *apiServer) handleEncoders(c *fiber.Ctx) error {
	encoders, err := s.daemon.store.ListEncoders(c.Context())
	if err != nil {
		return err
	}
	views := make([]encoderView, 0, len(encoders))
	for _, enc := range encoders {
		views = append(views, encoderToView(enc))
	}
	return c.JSON(fiber.Map{"encoders": views})
}

type executionView struct {
	ID           string     `json:"id"`
	RequestID    string     `json:"requestId"`
	TemplateID   string     `json:"templateId"`
	Status       string     `json:"status"`
	ParentID     string     `json:"parentId,omitempty"`
	BranchKey    string     `json:"branchKey,omitempty"`
	ErrorMessage string     `json:"error,omitempty"`
	StartedAt    time.Time  `json:"startedAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

func executionToView(exec *store.Execution) executionView {
	return executionView{
		ID:           exec.ID,
		RequestID:    exec.RequestID,
		TemplateID:   exec.TemplateID,
		Status:       string(exec.Status),
		ParentID:     exec.ParentID,
		BranchKey:    exec.BranchKey,
		ErrorMessage: exec.ErrorMessage,
		StartedAt:    exec.StartedAt,
		UpdatedAt:    exec.UpdatedAt,
		CompletedAt:  exec.CompletedAt,
	}
}

type stepView struct {
	Path         string `json:"path"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	Status       string `json:"status"`
	Attempt      int    `json:"attempt"`
	ErrorMessage string `json:"error,omitempty"`
}

func stepToView(state *store.StepState) stepView {
	return stepView{
		Path:         state.Path,
		Name:         state.Name,
		Type:         state.Type,
		Status:       string(state.Status),
		Attempt:      state.Attempt,
		ErrorMessage: state.ErrorMessage,
	}
}

type jobView struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Status       string    `json:"status"`
	Priority     int       `json:"priority"`
	Progress     float64   `json:"progress"`
	RequestID    string    `json:"requestId,omitempty"`
	ExecutionID  string    `json:"executionId,omitempty"`
	Delegated    bool      `json:"delegated"`
	ErrorMessage string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func jobToView(job *store.Job) jobView {
	return jobView{
		ID:           job.ID,
		Type:         job.Type,
		Status:       string(job.Status),
		Priority:     job.Priority,
		Progress:     job.Progress,
		RequestID:    job.RequestID,
		ExecutionID:  job.ExecutionID,
		Delegated:    job.Delegated,
		ErrorMessage: job.ErrorMessage,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
}

type approvalView struct {
	ID           int64      `json:"id"`
	RequestID    string     `json:"requestId"`
	ExecutionID  string     `json:"executionId"`
	StepPath     string     `json:"stepPath"`
	Status       string     `json:"status"`
	RequiredRole string     `json:"requiredRole,omitempty"`
	TimeoutHours int        `json:"timeoutHours,omitempty"`
	AutoAction   string     `json:"autoAction,omitempty"`
	DecidedBy    string     `json:"decidedBy,omitempty"`
	DecidedAt    *time.Time `json:"decidedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

func approvalToView(approval *store.Approval) approvalView {
	return approvalView{
		ID:           approval.ID,
		RequestID:    approval.RequestID,
		ExecutionID:  approval.ExecutionID,
		StepPath:     approval.StepPath,
		Status:       string(approval.Status),
		RequiredRole: approval.RequiredRole,
		TimeoutHours: approval.TimeoutHours,
		AutoAction:   string(approval.AutoAction),
		DecidedBy:    approval.DecidedBy,
		DecidedAt:    approval.DecidedAt,
		CreatedAt:    approval.CreatedAt,
	}
}

type encoderView struct {
	EncoderID     string     `json:"encoderId"`
	Hostname      string     `json:"hostname,omitempty"`
	Version       string     `json:"version,omitempty"`
	GPUDevice     string     `json:"gpuDevice,omitempty"`
	MaxConcurrent int        `json:"maxConcurrent"`
	CurrentJobs   int        `json:"currentJobs"`
	Status        string     `json:"status"`
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty"`
	CompletedJobs int64      `json:"completedJobs"`
	FailedJobs    int64      `json:"failedJobs"`
}

func encoderToView(enc *store.Encoder) encoderView {
	return encoderView{
		EncoderID:     enc.EncoderID,
		Hostname:      enc.Hostname,
		Version:       enc.Version,
		GPUDevice:     enc.GPUDevice,
		MaxConcurrent: enc.MaxConcurrent,
		CurrentJobs:   enc.CurrentJobs,
		Status:        string(enc.Status),
		LastHeartbeat: enc.LastHeartbeat,
		CompletedJobs: enc.CompletedJobs,
		FailedJobs:    enc.FailedJobs,
	}
}

// TestHandler exposes the fiber app for in-process API tests.
func (d *Daemon) TestHandler() *fiber.App {
	return d.api.app
}
