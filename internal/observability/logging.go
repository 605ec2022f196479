// Package observability owns logger construction. Commands log through
// CLILogger; the engine's job events flow through JobLog, which adapts
// the zap logger to the narrow interface the job packages accept.
package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/asterope/uws/pkg/job"
)

// CLILogger is the process-wide logger. It starts as a console logger at
// info level; Setup replaces it with the configured one.
var CLILogger = mustDefault()

// Config selects log level and output format.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Format is "console" or "json".
	Format string
}

// NewLogger builds a zap logger from the config.
func NewLogger(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if strings.TrimSpace(cfg.Level) != "" {
		var err error
		level, err = zapcore.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
	}

	var zcfg zap.Config
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "console":
		zcfg = zap.NewDevelopmentConfig()
	case "json":
		zcfg = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q (expected console or json)", cfg.Format)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// Setup replaces the process-wide logger.
func Setup(cfg Config) error {
	logger, err := NewLogger(cfg)
	if err != nil {
		return err
	}
	CLILogger = logger
	return nil
}

func mustDefault() *zap.Logger {
	zcfg := zap.NewDevelopmentConfig()
	logger, err := zcfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// JobLog adapts a zap logger to the engine's job event interface.
type JobLog struct {
	base *zap.Logger
}

var _ job.Logger = (*JobLog)(nil)

func NewJobLog(base *zap.Logger) *JobLog {
	if base == nil {
		base = zap.NewNop()
	}
	return &JobLog{base: base}
}

func (l *JobLog) Log(level job.Level, jobID, event, msg string, err error) {
	fields := []zap.Field{
		zap.String("job_id", jobID),
		zap.String("event", event),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}

	switch level {
	case job.LevelDebug:
		l.base.Debug(msg, fields...)
	case job.LevelWarn:
		l.base.Warn(msg, fields...)
	case job.LevelError:
		l.base.Error(msg, fields...)
	default:
		l.base.Info(msg, fields...)
	}
}
