// Package log configures application-wide structured logging on slog.
package log

import (
	"log/slog"
	"os"
	"strings"
)

// Config controls the process logger.
type Config struct {
	Level   slog.Level
	Service string
	JSON    bool
}

// DefaultConfig reads LOG_LEVEL and LOG_FORMAT from the environment.
func DefaultConfig(service string) Config {
	cfg := Config{
		Level:   slog.LevelInfo,
		Service: service,
		JSON:    strings.EqualFold(os.Getenv("LOG_FORMAT"), "json"),
	}
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		cfg.Level = slog.LevelDebug
	case "warn":
		cfg.Level = slog.LevelWarn
	case "error":
		cfg.Level = slog.LevelError
	}
	return cfg
}

// Setup installs the default slog logger for the process and returns it.
// Every log line carries the service name.
func Setup(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With("service", cfg.Service)
	slog.SetDefault(logger)
	return logger
}
