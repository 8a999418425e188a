package config

const (
	defaultDataDir    = "~/.local/share/fetcharr"
	defaultStagingDir = "~/.local/share/fetcharr/staging"
	defaultLibraryDir = "~/library"
	defaultLogDir     = "~/.local/share/fetcharr/logs"
	defaultAPIBind    = "127.0.0.1:7810"

	defaultMoviesDir = "movies"
	defaultTVDir     = "tv"

	defaultStepPollInterval      = 5
	defaultRetryBackoffSeconds   = 30
	defaultMaxAttempts           = 3
	defaultBranchBudgetSeconds   = 1800
	defaultStallThresholdMinutes = 30

	defaultQueueConcurrency    = 4
	defaultQueuePollInterval   = 5
	defaultQueueRetentionDays  = 30
	defaultQueueCleanupMinutes = 60
	defaultSchedulerTick       = 10
	defaultReconcileMinutes    = 5

	defaultHeartbeatInterval  = 15
	defaultLivenessMultiplier = 3
	defaultAssignMaxAttempts  = 3

	defaultEncoderMaxConcurrent = 1
	defaultFFmpegBinary         = "ffmpeg"
	defaultEncoderHeartbeat     = 15
	defaultReconnectMinSeconds  = 1
	defaultReconnectMaxSeconds  = 60

	defaultProviderTimeout = 30

	defaultLogFormat        = "console"
	defaultLogLevel         = "info"
	defaultLogRetentionDays = 60
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:    defaultDataDir,
			StagingDir: defaultStagingDir,
			LibraryDir: defaultLibraryDir,
			LogDir:     defaultLogDir,
			APIBind:    defaultAPIBind,
		},
		Library: Library{
			MoviesDir: defaultMoviesDir,
			TVDir:     defaultTVDir,
		},
		Workflow: Workflow{
			StepPollInterval:      defaultStepPollInterval,
			RetryBackoffSeconds:   defaultRetryBackoffSeconds,
			DefaultMaxAttempts:    defaultMaxAttempts,
			BranchBudgetSeconds:   defaultBranchBudgetSeconds,
			StallThresholdMinutes: defaultStallThresholdMinutes,
		},
		Queue: Queue{
			Concurrency:      defaultQueueConcurrency,
			PollInterval:     defaultQueuePollInterval,
			RetentionDays:    defaultQueueRetentionDays,
			CleanupInterval:  defaultQueueCleanupMinutes,
			SchedulerTick:    defaultSchedulerTick,
			ReconcileMinutes: defaultReconcileMinutes,
		},
		Coordinator: Coordinator{
			HeartbeatInterval:  defaultHeartbeatInterval,
			LivenessMultiplier: defaultLivenessMultiplier,
			AssignMaxAttempts:  defaultAssignMaxAttempts,
		},
		Encoder: Encoder{
			MaxConcurrent:       defaultEncoderMaxConcurrent,
			FFmpegBinary:        defaultFFmpegBinary,
			HeartbeatSeconds:    defaultEncoderHeartbeat,
			ReconnectMinSeconds: defaultReconnectMinSeconds,
			ReconnectMaxSeconds: defaultReconnectMaxSeconds,
		},
		Providers: Providers{
			RequestTimeout: defaultProviderTimeout,
		},
		Notifications: Notifications{
			RequestTimeout:  10,
			RequestComplete: true,
			Approvals:       true,
			Encoders:        true,
			Errors:          true,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
