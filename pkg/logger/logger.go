// Package logger builds the structured logger shared by every component of
// the pool service: the HTTP layer, the engine, the dispatcher and the
// registry all log through a *zap.Logger obtained here.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is an alias for *zap.Logger for consistency across packages.
type Logger = *zap.Logger

// options holds the construction-time settings New builds a core from.
type options struct {
	sink  zapcore.WriteSyncer
	level string
}

// Option configures New at construction time.
type Option func(*options)

// WithSink overrides the default stdout sink. Tests use this to capture
// log output in a buffer instead of writing to the process's stdout.
func WithSink(w zapcore.WriteSyncer) Option {
	return func(o *options) { o.sink = w }
}

// levelFromString maps a config/env log level string onto a zapcore.Level,
// reporting whether the string was recognized.
func levelFromString(level string) (zapcore.Level, bool) {
	switch level {
	case "debug":
		return zapcore.DebugLevel, true
	case "info":
		return zapcore.InfoLevel, true
	case "warn":
		return zapcore.WarnLevel, true
	case "error":
		return zapcore.ErrorLevel, true
	default:
		return zapcore.InfoLevel, false
	}
}

// New builds a JSON-encoded, leveled logger. By default it writes to
// stdout at the requested level, falling back to info (with a one-line
// warning through the logger itself) on an unrecognized level string, the
// same "accept it, but say so" stance internal/config takes on a
// misspelled subscriber key.
func New(level string, opts ...Option) (*zap.Logger, error) {
	cfg := options{sink: zapcore.AddSync(os.Stdout), level: level}
	for _, opt := range opts {
		opt(&cfg)
	}

	zapLevel, recognized := levelFromString(cfg.level)

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		cfg.sink,
		zapLevel,
	)

	log := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if !recognized && cfg.level != "" {
		log.Warn("unrecognized log level, defaulting to info", zap.String("level", cfg.level))
	}
	return log, nil
}

// Component returns a child logger tagged with the owning component name,
// the way call sites elsewhere name their loggers ("api", "dispatcher",
// "engine", "registry") so log lines can be filtered per subsystem.
func Component(base *zap.Logger, name string) *zap.Logger {
	return base.Named(name)
}
