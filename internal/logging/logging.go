// Package logging initializes the process-wide structured logger.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// truthy reports whether an env var value selects JSON output: any of
// "1", "true", or "json" (case-insensitive).
func truthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "json":
		return true
	default:
		return false
	}
}

// Init configures slog's default logger for service and returns it. JSON
// output is selected by FLUXWEAVE_JSON_LOG (1/true/json); level by
// FLUXWEAVE_LOG_LEVEL (debug/info/warn/error, default info).
func Init(service string) *slog.Logger {
	asJSON := truthy(os.Getenv("FLUXWEAVE_JSON_LOG"))
	opts := &slog.HandlerOptions{AddSource: false, Level: levelFromEnv()}

	var handler slog.Handler
	if asJSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	logger.Info("logging initialized", "json", asJSON)
	return logger
}

// levelMap backs levelFromEnv; kept as a table rather than a switch so
// adding a new named level is a one-line edit.
var levelMap = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

func levelFromEnv() slog.Leveler {
	if lvl, ok := levelMap[strings.ToLower(os.Getenv("FLUXWEAVE_LOG_LEVEL"))]; ok {
		return lvl
	}
	return slog.LevelInfo
}
