package common

import (
	"time"

	"github.com/sirupsen/logrus"
)

// LogLevel represents standard logging levels.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LoggerConfig contains configuration for creating a logger.
type LoggerConfig struct {
	Level      LogLevel // minimum log level
	Format     string   // "json" or "text"
	AddCaller  bool     // add caller information
	TimeFormat string   // time format for logs
}

// DefaultLoggerConfig returns a logger config with sensible defaults.
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{
		Level:      LogLevelInfo,
		Format:     "text",
		TimeFormat: time.RFC3339,
	}
}

// NewLogger creates a new configured logger instance.
func NewLogger(config LoggerConfig) *logrus.Logger {
	logger := logrus.New()

	switch config.Level {
	case LogLevelDebug:
		logger.SetLevel(logrus.DebugLevel)
	case LogLevelWarn:
		logger.SetLevel(logrus.WarnLevel)
	case LogLevelError:
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if config.TimeFormat == "" {
		config.TimeFormat = time.RFC3339
	}
	if config.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: config.TimeFormat,
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: config.TimeFormat,
			FullTimestamp:   true,
		})
	}

	logger.SetReportCaller(config.AddCaller)
	logger.SetOutput(&OutputSplitter{})

	return logger
}

// RequestFields returns the standard fields carried by every queue event.
func RequestFields(requestID, mappingRef string) logrus.Fields {
	return logrus.Fields{
		"request_id":  requestID,
		"mapping_ref": mappingRef,
	}
}

// RunFields returns the standard fields carried by every run-scoped event.
func RunFields(requestID, runID, mappingRef string) logrus.Fields {
	return logrus.Fields{
		"request_id":  requestID,
		"run_id":      runID,
		"mapping_ref": mappingRef,
	}
}

// ChunkFields returns the fields for chunk lifecycle events.
func ChunkFields(requestID, runID, mappingRef string, chunkIndex int) logrus.Fields {
	f := RunFields(requestID, runID, mappingRef)
	f["chunk_index"] = chunkIndex
	return f
}
