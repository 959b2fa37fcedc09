package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mpetrov/gattlink/pkg/config"
)

// loadConfig reads the config file named by --config, or the defaults when
// the flag is unset.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// configureLogger creates a logger from the config file and flags.
// --log-level takes precedence over the config value; the verbose flag (when
// the command has one) bumps the level to debug.
func configureLogger(cmd *cobra.Command, cfg *config.Config, verboseFlagName string) (*logrus.Logger, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	logLevelStr, _ := cmd.Flags().GetString("log-level")
	switch {
	case logLevelStr != "":
		if _, err := logrus.ParseLevel(logLevelStr); err != nil {
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", logLevelStr)
		}
		cfg.LogLevel = logLevelStr
	case verboseFlag(cmd, verboseFlagName):
		cfg.LogLevel = "debug"
	default:
		// Interactive commands stay quiet unless asked otherwise.
		cfg.LogLevel = "error"
	}

	return cfg.NewLogger(), nil
}

func verboseFlag(cmd *cobra.Command, name string) bool {
	if name == "" {
		return false
	}
	verbose, _ := cmd.Flags().GetBool(name)
	return verbose
}
