// Package logging builds the zap loggers used by the redis-ipc CLI.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a zap.Logger with the specified level and format, writing
// to stdout or, when filePath is non-empty, to a size-rotated file.
// level can be debug, info, warn, or error; format can be json or console.
// Unrecognized values fall back to info and json.
func NewLogger(level, format, filePath string) (*zap.Logger, error) {
	sink := zapcore.AddSync(os.Stdout)
	if filePath != "" {
		fw, err := newFileWriter(filePath, defaultMaxLogSize, defaultMaxLogBackups)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		sink = fw
	}

	core := zapcore.NewCore(newEncoder(format), sink, parseLevel(level))
	return zap.New(core), nil
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func newEncoder(format string) zapcore.Encoder {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		CallerKey:      "caller",
		StacktraceKey:  "stacktrace",
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
	}
	if strings.ToLower(format) == "console" {
		return zapcore.NewConsoleEncoder(cfg)
	}
	return zapcore.NewJSONEncoder(cfg)
}
