package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir    string `toml:"data_dir"`
	StagingDir string `toml:"staging_dir"`
	LibraryDir string `toml:"library_dir"`
	LogDir     string `toml:"log_dir"`
	APIBind    string `toml:"api_bind"`
	APIToken   string `toml:"api_token"`
}

// Library contains configuration for the media library structure.
type Library struct {
	MoviesDir         string `toml:"movies_dir"`
	TVDir             string `toml:"tv_dir"`
	OverwriteExisting bool   `toml:"overwrite_existing"`
}

// Workflow contains pipeline executor tuning.
type Workflow struct {
	TemplateDir           string `toml:"template_dir"`
	StepPollInterval      int    `toml:"step_poll_interval"`
	RetryBackoffSeconds   int    `toml:"retry_backoff_seconds"`
	DefaultMaxAttempts    int    `toml:"default_max_attempts"`
	BranchBudgetSeconds   int    `toml:"branch_budget_seconds"`
	StallThresholdMinutes int    `toml:"stall_threshold_minutes"`
}

// Queue contains job queue tuning.
type Queue struct {
	Concurrency      int `toml:"concurrency"`
	PollInterval     int `toml:"poll_interval"`
	RetentionDays    int `toml:"retention_days"`
	CleanupInterval  int `toml:"cleanup_interval"`
	SchedulerTick    int `toml:"scheduler_tick"`
	ReconcileMinutes int `toml:"reconcile_minutes"`
}

// Coordinator contains remote encoder coordination settings.
type Coordinator struct {
	HeartbeatInterval  int `toml:"heartbeat_interval"`
	LivenessMultiplier int `toml:"liveness_multiplier"`
	AssignMaxAttempts  int `toml:"assign_max_attempts"`
}

// Encoder contains settings for the fetcharr-encoder agent.
type Encoder struct {
	ServerURL           string `toml:"server_url"`
	EncoderID           string `toml:"encoder_id"`
	GPUDevice           string `toml:"gpu_device"`
	MaxConcurrent       int    `toml:"max_concurrent"`
	FFmpegBinary        string `toml:"ffmpeg_binary"`
	HeartbeatSeconds    int    `toml:"heartbeat_seconds"`
	ReconnectMinSeconds int    `toml:"reconnect_min_seconds"`
	ReconnectMaxSeconds int    `toml:"reconnect_max_seconds"`
}

// Providers contains endpoints for external collaborators.
type Providers struct {
	IndexerURL        string `toml:"indexer_url"`
	IndexerAPIKey     string `toml:"indexer_api_key"`
	DownloadClientURL string `toml:"download_client_url"`
	DownloadAPIKey    string `toml:"download_api_key"`
	RequestTimeout    int    `toml:"request_timeout"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic       string `toml:"ntfy_topic"`
	RequestTimeout  int    `toml:"request_timeout"`
	RequestComplete bool   `toml:"request_complete"`
	Approvals       bool   `toml:"approvals"`
	Encoders        bool   `toml:"encoders"`
	Errors          bool   `toml:"errors"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for fetcharr.
//
// Configuration sections by subsystem:
//   - Paths: directories, API bind address and token
//   - Library: output directory structure (movies/tv subdirs)
//   - Workflow: pipeline executor intervals, retries, stall thresholds
//   - Queue: job queue concurrency, retention, scheduler cadence
//   - Coordinator: encoder heartbeat and assignment settings
//   - Encoder: the remote encoder agent's connection and ffmpeg settings
//   - Providers: indexer and download client endpoints
//   - Notifications: ntfy push notification settings
//   - Logging: log format, level, and retention
type Config struct {
	Paths         Paths         `toml:"paths"`
	Library       Library       `toml:"library"`
	Workflow      Workflow      `toml:"workflow"`
	Queue         Queue         `toml:"queue"`
	Coordinator   Coordinator   `toml:"coordinator"`
	Encoder       Encoder       `toml:"encoder"`
	Providers     Providers     `toml:"providers"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/fetcharr/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized. A missing file is not
// an error; defaults apply.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	return defaultPath, false, nil
}

// EnsureDirectories creates the directories fetcharr needs at runtime.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.DataDir, c.Paths.StagingDir, c.Paths.LibraryDir, c.Paths.LogDir}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the sqlite database location inside the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "fetcharr.db")
}

// CreateSample writes the embedded sample configuration to path.
func CreateSample(path string) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if _, err := os.Stat(expanded); err == nil {
		return fmt.Errorf("config file already exists at %s", expanded)
	}
	if err := os.WriteFile(expanded, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	trimmed := strings.TrimSpace(pathValue)
	if trimmed == "" {
		return "", nil
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve path %q: %w", pathValue, err)
	}
	return abs, nil
}

// ExpandPath exposes path expansion for CLI helpers.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}
