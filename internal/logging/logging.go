package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type traceKey struct{}

// StructuredLogger emits build events with a stable field layout.
type StructuredLogger struct {
	logger  *logrus.Logger
	buildID string
}

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

type Options struct {
	Level  string
	Format Format
	Output io.Writer
}

// NewBuildID returns a fresh identifier for correlating one build's events.
func NewBuildID() string {
	return uuid.NewString()
}

// New creates a logger for one build. An empty level falls back to LOG_LEVEL,
// then info.
func New(buildID string, opts Options) *StructuredLogger {
	logger := logrus.New()

	if opts.Output != nil {
		logger.SetOutput(opts.Output)
	} else {
		logger.SetOutput(os.Stderr)
	}

	switch opts.Format {
	case FormatJSON:
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	default:
		logger.SetFormatter(&logrus.TextFormatter{
			DisableTimestamp: true,
			DisableQuote:     true,
		})
	}

	level := opts.Level
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	logger.SetLevel(logrus.WarnLevel)
	if level != "" {
		if parsed, err := logrus.ParseLevel(level); err == nil {
			logger.SetLevel(parsed)
		}
	}

	return &StructuredLogger{logger: logger, buildID: buildID}
}

// Nop returns a logger that discards everything.
func Nop() *StructuredLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.PanicLevel)
	return &StructuredLogger{logger: logger}
}

// ParseFormat accepts "text" or "json".
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown log format %q (want text or json)", s)
	}
}

// ContextWithTrace attaches a trace id that WithContext copies onto entries.
func ContextWithTrace(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

func (s *StructuredLogger) BuildID() string { return s.buildID }

// WithContext returns an entry carrying the common fields.
func (s *StructuredLogger) WithContext(ctx context.Context) *logrus.Entry {
	entry := s.logger.WithField("component", "envbuild")
	if s.buildID != "" {
		entry = entry.WithField("build_id", s.buildID)
	}
	if ctx != nil {
		if traceID, ok := ctx.Value(traceKey{}).(string); ok && traceID != "" {
			entry = entry.WithField("trace_id", traceID)
		}
	}
	return entry
}

func (s *StructuredLogger) LogBuildStart(ctx context.Context, manifest string, steps int, cacheDir string) {
	s.WithContext(ctx).WithFields(logrus.Fields{
		"event":     "build_start",
		"manifest":  manifest,
		"steps":     steps,
		"cache_dir": cacheDir,
	}).Info("Starting environment build")
}

// LogStep records a step reaching a terminal or notable state.
func (s *StructuredLogger) LogStep(ctx context.Context, index int, summary, state, identity string, cacheHit bool, duration time.Duration) {
	s.WithContext(ctx).WithFields(logrus.Fields{
		"event":     "step",
		"step":      index + 1,
		"state":     state,
		"identity":  identity,
		"cache_hit": cacheHit,
		"duration":  duration.String(),
	}).Debug(summary)
}

func (s *StructuredLogger) LogCacheOperation(ctx context.Context, operation, identity string, hit bool, size int64) {
	s.WithContext(ctx).WithFields(logrus.Fields{
		"event":     "cache_operation",
		"operation": operation,
		"identity":  identity,
		"hit":       hit,
		"size":      size,
	}).Debug(fmt.Sprintf("Cache operation: %s", operation))
}

func (s *StructuredLogger) LogBuildComplete(ctx context.Context, success bool, duration time.Duration, steps, cacheHits int) {
	entry := s.WithContext(ctx).WithFields(logrus.Fields{
		"event":      "build_complete",
		"success":    success,
		"duration":   duration.String(),
		"steps":      steps,
		"cache_hits": cacheHits,
	})

	if success {
		entry.Info("Environment build completed successfully")
	} else {
		entry.Error("Environment build failed")
	}
}

func (s *StructuredLogger) LogError(ctx context.Context, err error, operation string) {
	s.WithContext(ctx).WithFields(logrus.Fields{
		"event":     "error",
		"operation": operation,
		"error":     err.Error(),
	}).Error(fmt.Sprintf("Operation failed: %s", operation))
}

// Warnf logs an informational condition that does not fail the build.
func (s *StructuredLogger) Warnf(ctx context.Context, format string, args ...interface{}) {
	s.WithContext(ctx).Warnf(format, args...)
}

func (s *StructuredLogger) GetLogger() *logrus.Logger {
	return s.logger
}
