// Package logging provides the structured logger used throughout the mapping pipeline: a
// zap-backed Logger with named subloggers, so a log line from the triangulator or the inertial
// initializer can always be traced back to the component and, eventually, the keyframe it
// concerns.
package logging

import (
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// Level is a logging severity level.
type Level int

const (
	// DEBUG is the most verbose level, used for per-keyframe bookkeeping.
	DEBUG Level = iota
	// INFO is the default level.
	INFO
	// WARN marks a recoverable anomaly, e.g. a triangulation candidate failing a gate.
	WARN
	// ERROR marks a failure that aborts the current unit of work.
	ERROR
)

// AsZap converts a Level to its zapcore equivalent.
func (l Level) AsZap() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// LevelFromString parses a level name, defaulting to an error if unrecognized.
func LevelFromString(s string) (Level, error) {
	switch s {
	case "debug":
		return DEBUG, nil
	case "info":
		return INFO, nil
	case "warn":
		return WARN, nil
	case "error":
		return ERROR, nil
	default:
		return INFO, errUnknownLevel(s)
	}
}

type errUnknownLevel string

func (e errUnknownLevel) Error() string { return "unknown log level: " + string(e) }

// AtomicLevel is a Level that can be read and updated concurrently.
type AtomicLevel struct {
	mu    sync.RWMutex
	level Level
}

// NewAtomicLevelAt creates an AtomicLevel initialized to the given level.
func NewAtomicLevelAt(level Level) AtomicLevel {
	return AtomicLevel{level: level}
}

// Get returns the current level.
func (a *AtomicLevel) Get() Level {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.level
}

// Set updates the current level.
func (a *AtomicLevel) Set(level Level) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.level = level
}

// Logger is the logging interface used throughout the mapping pipeline. It mirrors a zap
// SugaredLogger but adds named subloggers and runtime level control per logger name, so
// individual components (the triangulator, the inertial initializer, a single worker loop) can
// be turned up independently while debugging a specific failure.
type Logger interface {
	Sublogger(name string) Logger
	SetLevel(level Level)
	GetLevel() Level

	Debug(args ...interface{})
	Debugf(template string, args ...interface{})
	Debugw(msg string, keysAndValues ...interface{})

	Info(args ...interface{})
	Infof(template string, args ...interface{})
	Infow(msg string, keysAndValues ...interface{})

	Warn(args ...interface{})
	Warnf(template string, args ...interface{})
	Warnw(msg string, keysAndValues ...interface{})

	Error(args ...interface{})
	Errorf(template string, args ...interface{})
	Errorw(msg string, keysAndValues ...interface{})

	AsZap() *zap.SugaredLogger
	Sync() error
}

var (
	globalMu             sync.RWMutex
	globalLogger         = NewLogger("startup")
	globalLoggerRegistry = newRegistry()
)

// ReplaceGlobal replaces the global logger.
func ReplaceGlobal(logger Logger) {
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// Global returns the global logger.
func Global() Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// NewZapLoggerConfig returns the default zap config used by all loggers in this module: console
// encoding, color levels, no stacktraces (the mapping pipeline reports failures through typed
// errors, not panics, so a zap stacktrace would rarely add information).
func NewZapLoggerConfig() zap.Config {
	return zap.Config{
		Level:    zap.NewAtomicLevelAt(zap.InfoLevel),
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		DisableStacktrace: true,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
	}
}

// NewLogger returns a new logger that outputs Info+ logs to stdout, registered globally under
// name so its level can later be adjusted through UpdateConfig.
func NewLogger(name string) Logger {
	l := &impl{name: name, level: NewAtomicLevelAt(INFO)}
	return globalLoggerRegistry.getOrRegister(name, l)
}

// NewDebugLogger returns a new logger that outputs Debug+ logs to stdout.
func NewDebugLogger(name string) Logger {
	l := &impl{name: name, level: NewAtomicLevelAt(DEBUG)}
	return globalLoggerRegistry.getOrRegister(name, l)
}

// NewTestLogger returns a logger suitable for use in tests: Debug+ level, written to stdout and
// also recorded by an in-memory observer that only NewObservedTestLogger hands back.
func NewTestLogger(tb testing.TB) Logger {
	logger, _ := NewObservedTestLogger(tb)
	return logger
}

// NewObservedTestLogger is like NewTestLogger but also returns an in-memory observer so tests can
// assert on emitted log entries, e.g. that a triangulation rejection logged its gate name.
func NewObservedTestLogger(tb testing.TB) (Logger, *observer.ObservedLogs) {
	observerCore, observedLogs := observer.New(zap.LevelEnablerFunc(zapcore.DebugLevel.Enabled))
	l := &impl{name: "", level: NewAtomicLevelAt(DEBUG), extraCore: observerCore}
	return l, observedLogs
}
