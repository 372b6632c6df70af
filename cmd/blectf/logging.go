package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blectf/pkg/config"
)

// loadConfig reads the file named by --config, or the default path when the
// flag is empty, and validates it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// configureLogger creates a logger whose level comes from --log-level, falling
// back to the config file. With neither set logging stays silent.
func configureLogger(cmd *cobra.Command, cfg *config.Config) (*logrus.Logger, error) {
	levelStr, _ := cmd.Flags().GetString("log-level")
	if levelStr == "" && cfg != nil {
		levelStr = cfg.LogLevel
	}
	level, err := config.ParseLevel(levelStr)
	if err != nil {
		return nil, err
	}

	logger := config.DefaultConfig().NewLogger()
	logger.SetLevel(level)
	logger.SetOutput(cmd.ErrOrStderr())
	return logger, nil
}
