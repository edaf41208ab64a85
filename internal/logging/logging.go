package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"edgedetect/internal/config"
)

// New returns a logger writing to w with the provided level string (debug,
// info, warn, error). format may be "json" or "text".
func New(w io.Writer, level string, format string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetLevel(parseLevel(level))
	logger.SetFormatter(formatter(format))
	return logger
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *logrus.Logger {
	return New(io.Discard, "panic", "text")
}

// Setup configures the process logger: stdout always, plus the configured
// log file when one is set.
func Setup(cfg *config.Config) (*logrus.Logger, io.Closer, error) {
	writers := []io.Writer{os.Stdout}
	var closer io.Closer = nopCloser{}

	if cfg.Logging.File != "" {
		if dir := filepath.Dir(cfg.Logging.File); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
			}
		}
		file, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, file)
		closer = file
	}

	logger := New(io.MultiWriter(writers...), cfg.Logging.Level, cfg.Logging.Format)

	logger.WithFields(logrus.Fields{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
		"file":   cfg.Logging.File,
	}).Debug("logging initialized")

	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func formatter(format string) logrus.Formatter {
	if strings.ToLower(format) == "json" {
		return &logrus.JSONFormatter{TimestampFormat: time.RFC3339}
	}
	return &logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05"}
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.InfoLevel
	}
}

// LogJobStart logs the beginning of a processing job
func LogJobStart(logger logrus.FieldLogger, jobType, jobID, inputPath, outputPath string) {
	logger.WithFields(logrus.Fields{
		"type":   jobType,
		"id":     jobID,
		"input":  inputPath,
		"output": outputPath,
	}).Info("job started")
}

// LogJobComplete logs successful job completion
func LogJobComplete(logger logrus.FieldLogger, jobType, jobID string, duration time.Duration, result map[string]any) {
	logger.WithFields(logrus.Fields{
		"type":        jobType,
		"id":          jobID,
		"duration_ms": duration.Milliseconds(),
		"result":      result,
	}).Info("job completed successfully")
}

// LogJobError logs job failures
func LogJobError(logger logrus.FieldLogger, jobType, jobID string, duration time.Duration, err error) {
	logger.WithFields(logrus.Fields{
		"type":        jobType,
		"id":          jobID,
		"duration_ms": duration.Milliseconds(),
	}).WithError(err).Error("job failed")
}

// LogImage logs the outcome of one image passing through the pipeline.
func LogImage(logger logrus.FieldLogger, path string, stages int, duration time.Duration, err error) {
	entry := logger.WithFields(logrus.Fields{
		"file":        filepath.Base(path),
		"stages":      stages,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Warn("image failed")
		return
	}
	entry.Debug("image processed")
}
