// Package config handles the analyzer setup derived from program options.
package config

import (
	"github.com/retroenv/retrogolib/log"
)

// CreateLogger creates the analyzer logger. Debug verbosity takes
// precedence over quiet mode.
func CreateLogger(debug, quiet bool) *log.Logger {
	cfg := log.DefaultConfig()
	switch {
	case debug:
		cfg.Level = log.DebugLevel
	case quiet:
		cfg.Level = log.ErrorLevel
	}
	return log.NewWithConfig(cfg)
}
