package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hed1ad/turboguard/internal/config"
	"github.com/hed1ad/turboguard/internal/logging"
	"github.com/hed1ad/turboguard/internal/pipeline"
)

type globalFlags struct {
	config    string
	logLevel  string
	logFormat string
	delimiter string
}

type commandContext struct {
	flags *globalFlags

	config     *config.Config
	configPath string
	exists     bool
	logger     *slog.Logger
}

func newCommandContext(flags *globalFlags) *commandContext {
	return &commandContext{flags: flags}
}

// ensureConfig loads the configuration once, applies the logging flags and
// builds the logger.
func (c *commandContext) ensureConfig(cmd *cobra.Command) (*config.Config, error) {
	if c.config != nil {
		return c.config, nil
	}

	path := strings.TrimSpace(c.flags.config)
	cfg, exists, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if c.flags.logLevel != "" {
		cfg.Logging.Level = c.flags.logLevel
	}
	if c.flags.logFormat != "" {
		cfg.Logging.Format = c.flags.logFormat
	}
	if c.flags.delimiter != "" {
		cfg.Data.Delimiter = c.flags.delimiter
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, err
	}

	c.config = cfg
	c.configPath = path
	c.exists = exists
	c.logger = logger
	if !exists {
		logger.Debug("no configuration file found; using defaults")
	}
	return cfg, nil
}

func (c *commandContext) pipeline() *pipeline.Pipeline {
	return pipeline.New(c.config, pipeline.WithLogger(c.logger))
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

// overrideString replaces dst when the flag was given on the command line.
func overrideString(cmd *cobra.Command, name string, dst *string, value string) {
	if cmd.Flags().Changed(name) {
		*dst = value
	}
}
