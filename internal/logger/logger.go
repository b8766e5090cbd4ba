// Package logger builds the slog loggers used by both binaries.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/natefinch/lumberjack"

	"github.com/menta2k/defect-forge/internal/config"
)

const (
	LogTypeConsole = "console"
	LogTypeFile    = "file"
)

// New creates a logger from the log section of the configuration
func New(cfg config.LogConfig) (*slog.Logger, error) {
	switch cfg.Type {
	case LogTypeConsole, "":
		return NewConsole(cfg.Level, os.Stdout), nil
	case LogTypeFile:
		if cfg.File == "" {
			return nil, fmt.Errorf("file path required for file logger")
		}
		return NewFile(cfg.Level, cfg.File, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays), nil
	default:
		return nil, fmt.Errorf("unsupported log type: %s", cfg.Type)
	}
}

// NewConsole logs text lines to w
func NewConsole(level string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// NewFile logs JSON lines to a size-rotated file
func NewFile(level, filePath string, maxSize, maxBackups, maxAge int) *slog.Logger {
	writer := &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     maxAge,
		Compress:   true,
	}

	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}
	return slog.New(slog.NewJSONHandler(writer, opts))
}

// ParseLevel maps a configured level name to a slog level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warning", "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
