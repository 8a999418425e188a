package testsupport

import (
	"path/filepath"
	"testing"

	"fetcharr/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.StagingDir = filepath.Join(base, "staging")
	cfgVal.Paths.LibraryDir = filepath.Join(base, "library")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Library.MoviesDir = "movies"
	cfgVal.Library.TVDir = "tv"
	cfgVal.Workflow.RetryBackoffSeconds = 0
	cfgVal.Workflow.StepPollInterval = 0
	cfgVal.Queue.PollInterval = 1

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithQueueConcurrency overrides the job consumer pool size.
func WithQueueConcurrency(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queue.Concurrency = n
	}
}

// WithEncoderSettings overrides the agent connection settings.
func WithEncoderSettings(serverURL, encoderID string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Encoder.ServerURL = serverURL
		b.cfg.Encoder.EncoderID = encoderID
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StagingDir)
}
