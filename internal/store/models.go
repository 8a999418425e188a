package store

import (
	"strings"
	"time"
)

// ExecutionStatus represents the lifecycle of a pipeline execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the execution has reached a final state.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// StepStatus represents the per-node state machine of a pipeline step.
type StepStatus string

const (
	StepPending         StepStatus = "pending"
	StepRunning         StepStatus = "running"
	StepCompleted       StepStatus = "completed"
	StepFailed          StepStatus = "failed"
	StepWaitingApproval StepStatus = "waiting_approval"
	StepSkipped         StepStatus = "skipped"
)

// Terminal reports whether the step state is final.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped:
		return true
	default:
		return false
	}
}

// JobStatus represents the lifecycle of a queue job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the job has reached a final state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// ParseJobStatus converts a string into a known JobStatus.
func ParseJobStatus(value string) (JobStatus, bool) {
	normalized := JobStatus(strings.ToLower(strings.TrimSpace(value)))
	switch normalized {
	case JobPending, JobRunning, JobCompleted, JobFailed, JobCancelled:
		return normalized, true
	default:
		return "", false
	}
}

// AssignmentStatus represents one encode attempt on one encoder.
type AssignmentStatus string

const (
	AssignmentPending   AssignmentStatus = "pending"
	AssignmentEncoding  AssignmentStatus = "encoding"
	AssignmentCompleted AssignmentStatus = "completed"
	AssignmentFailed    AssignmentStatus = "failed"
	AssignmentCancelled AssignmentStatus = "cancelled"
)

// Terminal reports whether the assignment has reached a final state.
func (s AssignmentStatus) Terminal() bool {
	switch s {
	case AssignmentCompleted, AssignmentFailed, AssignmentCancelled:
		return true
	default:
		return false
	}
}

// EncoderStatus represents remote encoder availability.
type EncoderStatus string

const (
	EncoderOffline  EncoderStatus = "offline"
	EncoderIdle     EncoderStatus = "idle"
	EncoderEncoding EncoderStatus = "encoding"
	EncoderError    EncoderStatus = "error"
)

// ApprovalStatus represents the lifecycle of an approval gate entry.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalTimeout  ApprovalStatus = "timeout"
)

// ApprovalAction is the automatic decision applied when an approval times out.
type ApprovalAction string

const (
	AutoApprove ApprovalAction = "approve"
	AutoReject  ApprovalAction = "reject"
	AutoCancel  ApprovalAction = "cancel"
	AutoNone    ApprovalAction = "none"
)

// Execution is one run of a request through a step tree.
type Execution struct {
	ID           string
	RequestID    string
	TemplateID   string
	Status       ExecutionStatus
	ContextJSON  string
	ParentID     string
	BranchKey    string
	ErrorMessage string
	StartedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// StepState is the persisted runtime state of one node of an execution's
// step tree, addressed by its path (e.g. "0.1.0").
type StepState struct {
	ExecutionID    string
	Path           string
	Name           string
	Type           string
	Status         StepStatus
	Attempt        int
	ErrorMessage   string
	LastProgressAt *time.Time
	UpdatedAt      time.Time
}

// Job is a queued, trackable unit of asynchronous work.
type Job struct {
	ID                    string
	Type                  string
	PayloadJSON           string
	DedupeKey             string
	Priority              int
	Status                JobStatus
	Progress              float64
	Current               int64
	Total                 int64
	RequestID             string
	ParentJobID           string
	ExecutionID           string
	Delegated             bool
	CancellationRequested bool
	ErrorMessage          string
	CreatedAt             time.Time
	UpdatedAt             time.Time
	StartedAt             *time.Time
	CompletedAt           *time.Time
}

// Assignment binds one encode job to one remote encoder for one attempt.
type Assignment struct {
	ID           string
	JobID        string
	EncoderID    string
	InputPath    string
	OutputPath   string
	ProfileID    string
	Status       AssignmentStatus
	Attempt      int
	MaxAttempts  int
	Progress     float64
	FPS          float64
	Speed        float64
	ETASeconds   int64
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// Encoder is the persisted record of a remote encoder worker.
type Encoder struct {
	EncoderID     string
	Hostname      string
	Version       string
	GPUDevice     string
	MaxConcurrent int
	CurrentJobs   int
	Status        EncoderStatus
	LastHeartbeat *time.Time
	CompletedJobs int64
	FailedJobs    int64
	UpdatedAt     time.Time
}

// Approval is a pending human decision blocking an execution subtree.
type Approval struct {
	ID           int64
	RequestID    string
	ExecutionID  string
	StepPath     string
	Status       ApprovalStatus
	RequiredRole string
	TimeoutHours int
	AutoAction   ApprovalAction
	DecidedBy    string
	DecidedAt    *time.Time
	CreatedAt    time.Time
}

// HealthSummary describes aggregated job counts per key lifecycle states.
type HealthSummary struct {
	Total      int
	Pending    int
	Running    int
	Failed     int
	Completed  int
	Cancelled  int
	Executions int
}

// DatabaseHealth captures diagnostic information about the database.
type DatabaseHealth struct {
	DBPath           string
	DatabaseExists   bool
	DatabaseReadable bool
	TablesPresent    []string
	MissingTables    []string
	IntegrityCheck   bool
	Error            string
}
