package config

import (
	"fmt"
	"log/slog"
	"os"
)

// SetupLogging installs the process-wide slog handler according to
// LOG_LEVEL and LOG_FORMAT. Call once from main before any other package
// logs.
func SetupLogging(s *Settings) error {
	level, err := parseLogLevel(s.LogLevel)
	if err != nil {
		return err
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch s.LogFormat {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

func parseLogLevel(level string) (slog.Level, error) {
	switch level {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("LOG_LEVEL must be DEBUG, INFO, WARN, or ERROR, got %q", level)
	}
}
