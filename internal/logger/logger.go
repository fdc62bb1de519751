// Package logger builds the process logger from configuration.
package logger

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

var (
	ErrInvalidLogLevel  = errors.New("invalid log level")
	ErrInvalidLogFormat = errors.New("invalid log format")
)

// New returns an slog.Logger writing to stdout with the given level and
// handler format ("text", "json" or "tint").
func New(logLevel, logFormat string) (*slog.Logger, error) {
	level, err := parseLevel(logLevel)
	if err != nil {
		return nil, err
	}

	switch logFormat {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})), nil
	case "text":
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})), nil
	case "tint":
		return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: level})), nil
	}

	return nil, fmt.Errorf("%w: %s", ErrInvalidLogFormat, logFormat)
}

func parseLevel(logLevel string) (slog.Level, error) {
	switch logLevel {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	}

	return slog.LevelInfo, fmt.Errorf("%w: %s", ErrInvalidLogLevel, logLevel)
}
