package config

import "strings"

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeWorkflow()
	c.normalizeQueue()
	c.normalizeCoordinator()
	c.normalizeEncoder()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return err
	}
	if c.Paths.StagingDir, err = expandPath(c.Paths.StagingDir); err != nil {
		return err
	}
	if c.Paths.LibraryDir, err = expandPath(c.Paths.LibraryDir); err != nil {
		return err
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return err
	}
	if c.Workflow.TemplateDir, err = expandPath(c.Workflow.TemplateDir); err != nil {
		return err
	}
	return nil
}

func (c *Config) normalizeWorkflow() {
	if c.Workflow.StepPollInterval <= 0 {
		c.Workflow.StepPollInterval = defaultStepPollInterval
	}
	if c.Workflow.RetryBackoffSeconds <= 0 {
		c.Workflow.RetryBackoffSeconds = defaultRetryBackoffSeconds
	}
	if c.Workflow.DefaultMaxAttempts <= 0 {
		c.Workflow.DefaultMaxAttempts = defaultMaxAttempts
	}
	if c.Workflow.BranchBudgetSeconds <= 0 {
		c.Workflow.BranchBudgetSeconds = defaultBranchBudgetSeconds
	}
	if c.Workflow.StallThresholdMinutes <= 0 {
		c.Workflow.StallThresholdMinutes = defaultStallThresholdMinutes
	}
}

func (c *Config) normalizeQueue() {
	if c.Queue.Concurrency <= 0 {
		c.Queue.Concurrency = defaultQueueConcurrency
	}
	if c.Queue.PollInterval <= 0 {
		c.Queue.PollInterval = defaultQueuePollInterval
	}
	if c.Queue.RetentionDays <= 0 {
		c.Queue.RetentionDays = defaultQueueRetentionDays
	}
	if c.Queue.CleanupInterval <= 0 {
		c.Queue.CleanupInterval = defaultQueueCleanupMinutes
	}
	if c.Queue.SchedulerTick <= 0 {
		c.Queue.SchedulerTick = defaultSchedulerTick
	}
	if c.Queue.ReconcileMinutes <= 0 {
		c.Queue.ReconcileMinutes = defaultReconcileMinutes
	}
}

func (c *Config) normalizeCoordinator() {
	if c.Coordinator.HeartbeatInterval <= 0 {
		c.Coordinator.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.Coordinator.LivenessMultiplier <= 0 {
		c.Coordinator.LivenessMultiplier = defaultLivenessMultiplier
	}
	if c.Coordinator.AssignMaxAttempts <= 0 {
		c.Coordinator.AssignMaxAttempts = defaultAssignMaxAttempts
	}
}

func (c *Config) normalizeEncoder() {
	if c.Encoder.MaxConcurrent <= 0 {
		c.Encoder.MaxConcurrent = defaultEncoderMaxConcurrent
	}
	if strings.TrimSpace(c.Encoder.FFmpegBinary) == "" {
		c.Encoder.FFmpegBinary = defaultFFmpegBinary
	}
	if c.Encoder.HeartbeatSeconds <= 0 {
		c.Encoder.HeartbeatSeconds = defaultEncoderHeartbeat
	}
	if c.Encoder.ReconnectMinSeconds <= 0 {
		c.Encoder.ReconnectMinSeconds = defaultReconnectMinSeconds
	}
	if c.Encoder.ReconnectMaxSeconds < c.Encoder.ReconnectMinSeconds {
		c.Encoder.ReconnectMaxSeconds = defaultReconnectMaxSeconds
	}
}

func (c *Config) normalizeLogging() {
	if strings.TrimSpace(c.Logging.Format) == "" {
		c.Logging.Format = defaultLogFormat
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays <= 0 {
		c.Logging.RetentionDays = defaultLogRetentionDays
	}
}
