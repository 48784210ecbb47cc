package log

import (
	"bytes"
	"fmt"
	"io"
	stdlog "log"
	"slices"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger writes structured JSON logs.
//
// Records below the configured level are dropped unless the logger's
// subsystem is one of the enabled subsystems, in which case every record is
// written. Each mesh component logs with its own subsystem ('gossip',
// 'directory', 'validator', ...) so a single component can be debugged in
// isolation.
type Logger interface {
	Subsystem() string
	// WithSubsystem creates a new logger with the given subsystem.
	WithSubsystem(s string) Logger
	With(fields ...zap.Field) Logger
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
	Sync() error
	// StdLogger returns a standard library log.Logger that writes records
	// with the given level.
	StdLogger(level zapcore.Level) *stdlog.Logger
}

type logger struct {
	core zapcore.Core

	subsystem         string
	subsystemEnabled  bool
	enabledSubsystems []string

	errorOutput zapcore.WriteSyncer
}

// NewLogger creates a logger from the given configuration.
func NewLogger(conf Config) (Logger, error) {
	lvl, err := zapLevelFromString(conf.Level)
	if err != nil {
		return nil, err
	}

	output := conf.Output
	if output == "" {
		output = "stderr"
	}
	sink, _, err := zap.Open(output)
	if err != nil {
		return nil, fmt.Errorf("open sink: %s: %w", output, err)
	}
	errSink, _, err := zap.Open("stderr")
	if err != nil {
		return nil, fmt.Errorf("open sink: stderr: %w", err)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.NameKey = "subsystem"
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(
		"2006-01-02T15:04:05.999Z07:00",
	)

	return &logger{
		core: &levelOverrideCore{core: zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderConfig),
			sink,
			zap.NewAtomicLevelAt(lvl),
		)},
		subsystem:         "main",
		subsystemEnabled:  slices.Contains(conf.Subsystems, "main"),
		enabledSubsystems: conf.Subsystems,
		errorOutput:       errSink,
	}, nil
}

func (l *logger) Subsystem() string {
	return l.subsystem
}

func (l *logger) WithSubsystem(s string) Logger {
	if s == l.subsystem {
		return l
	}

	clone := *l
	clone.subsystem = s
	clone.subsystemEnabled = slices.Contains(clone.enabledSubsystems, s)
	return &clone
}

func (l *logger) With(fields ...zap.Field) Logger {
	if len(fields) == 0 {
		return l
	}
	clone := *l
	clone.core = clone.core.With(fields)
	return &clone
}

func (l *logger) Debug(msg string, fields ...zap.Field) {
	l.write(zap.DebugLevel, msg, fields)
}

func (l *logger) Info(msg string, fields ...zap.Field) {
	l.write(zap.InfoLevel, msg, fields)
}

func (l *logger) Warn(msg string, fields ...zap.Field) {
	l.write(zap.WarnLevel, msg, fields)
}

func (l *logger) Error(msg string, fields ...zap.Field) {
	l.write(zap.ErrorLevel, msg, fields)
}

func (l *logger) Sync() error {
	return l.core.Sync()
}

func (l *logger) StdLogger(level zapcore.Level) *stdlog.Logger {
	return stdlog.New(writerFunc(func(msg string) {
		l.write(level, msg, nil)
	}), "", 0)
}

func (l *logger) write(lvl zapcore.Level, msg string, fields []zap.Field) {
	// Enabled subsystems bypass the level filter.
	if !l.subsystemEnabled && !l.core.Enabled(lvl) {
		return
	}

	ce := l.core.Check(zapcore.Entry{
		LoggerName: l.subsystem,
		Time:       time.Now(),
		Level:      lvl,
		Message:    msg,
	}, nil)
	if ce == nil {
		return
	}
	ce.ErrorOutput = l.errorOutput
	ce.Write(fields...)
}

// NewNopLogger returns a logger that discards every record.
func NewNopLogger() Logger {
	return &logger{
		core:        zapcore.NewNopCore(),
		errorOutput: zapcore.AddSync(io.Discard),
	}
}

type writerFunc func(msg string)

func (f writerFunc) Write(p []byte) (int, error) {
	f(string(bytes.TrimSpace(p)))
	return len(p), nil
}

func zapLevelFromString(s string) (zapcore.Level, error) {
	switch s {
	case "debug":
		return zap.DebugLevel, nil
	case "info":
		return zap.InfoLevel, nil
	case "warn":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	default:
		return zapcore.Level(0), fmt.Errorf("unsupported level: %s", s)
	}
}

// levelOverrideCore wraps a core so Check never filters by level. Filtering
// is done by logger instead, so records from enabled subsystems get through.
type levelOverrideCore struct {
	core zapcore.Core
}

func (c *levelOverrideCore) Enabled(lvl zapcore.Level) bool {
	return c.core.Enabled(lvl)
}

func (c *levelOverrideCore) With(fields []zap.Field) zapcore.Core {
	return &levelOverrideCore{core: c.core.With(fields)}
}

func (c *levelOverrideCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	return ce.AddCore(ent, c.core)
}

func (c *levelOverrideCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	return c.core.Write(ent, fields)
}

func (c *levelOverrideCore) Sync() error {
	return c.core.Sync()
}
