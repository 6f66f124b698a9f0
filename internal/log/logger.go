// Package log configures the process-wide slog logger.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"firestige.xyz/wlanrx/internal/config"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Init installs the default logger described by cfg. Every record carries
// the node name. The returned closer releases the rotating file, if any.
func Init(cfg config.LogConfig, node string) (io.Closer, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	writers := []io.Writer{os.Stdout}
	var closer io.Closer = nopCloser{}

	if cfg.Outputs.File.Enabled {
		fw, err := createFileWriter(cfg.Outputs.File)
		if err != nil {
			return nil, fmt.Errorf("failed to create file output: %w", err)
		}
		writers = append(writers, fw)
		closer = fw
	}

	handler, err := NewHandler(io.MultiWriter(writers...), cfg.Format, level)
	if err != nil {
		return nil, err
	}

	logger := slog.New(handler)
	if node != "" {
		logger = logger.With("node", node)
	}
	slog.SetDefault(logger)

	return closer, nil
}

// NewHandler builds a json or text handler writing to w.
func NewHandler(w io.Writer, format string, level slog.Leveler) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	case "text":
		return slog.NewTextHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s (must be json or text)", format)
	}
}

func parseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level: %s", levelStr)
	}
}

// createFileWriter returns a size-rotated file writer.
func createFileWriter(fc config.FileOutputConfig) (*lumberjack.Logger, error) {
	if fc.Path == "" {
		return nil, fmt.Errorf("file output requires 'path' field")
	}
	return &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    fc.Rotation.MaxSizeMB,
		MaxBackups: fc.Rotation.MaxBackups,
		MaxAge:     fc.Rotation.MaxAgeDays,
		Compress:   fc.Rotation.Compress,
	}, nil
}
