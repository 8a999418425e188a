package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateLibrary(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateCoordinator(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir must be set")
	}
	if strings.TrimSpace(c.Paths.APIBind) == "" {
		return errors.New("paths.api_bind must be set")
	}
	return nil
}

func (c *Config) validateLibrary() error {
	if c.Library.MoviesDir == "" {
		return errors.New("library.movies_dir must be set")
	}
	if c.Library.TVDir == "" {
		return errors.New("library.tv_dir must be set")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if c.Workflow.DefaultMaxAttempts > 10 {
		return fmt.Errorf("workflow.default_max_attempts %d is unreasonably high (max 10)", c.Workflow.DefaultMaxAttempts)
	}
	return nil
}

func (c *Config) validateCoordinator() error {
	if c.Coordinator.LivenessMultiplier < 2 {
		return errors.New("coordinator.liveness_multiplier must be at least 2 to tolerate a missed heartbeat")
	}
	return nil
}
