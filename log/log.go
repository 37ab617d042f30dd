// Package log provides the structured logger used across stepgraph.
//
// The default logger is a sugared zap logger writing console-encoded lines to
// stderr. Libraries take a Logger through options and fall back to Default.
package log

import (
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log level names accepted by SetLevel and New.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Logger is the structured logging surface used by the engine, stores and CLI.
// Key-value pairs follow the zap SugaredLogger convention.
type Logger interface {
	Debugw(msg string, keysAndValues ...any)
	Infow(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
	Errorw(msg string, keysAndValues ...any)
}

var level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

// Default is the process-wide fallback logger.
var Default Logger = newSugared(os.Stderr, level)

var encoderConfig = zapcore.EncoderConfig{
	TimeKey:        "ts",
	LevelKey:       "lvl",
	NameKey:        "name",
	CallerKey:      "caller",
	MessageKey:     "msg",
	StacktraceKey:  "stacktrace",
	LineEnding:     zapcore.DefaultLineEnding,
	EncodeLevel:    zapcore.CapitalLevelEncoder,
	EncodeTime:     zapcore.RFC3339TimeEncoder,
	EncodeDuration: zapcore.MillisDurationEncoder,
	EncodeCaller:   zapcore.ShortCallerEncoder,
}

func newSugared(w io.Writer, lvl zap.AtomicLevel) *zap.SugaredLogger {
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(w),
		lvl,
	)
	return zap.New(core, zap.AddCaller()).Sugar()
}

// New returns a logger writing to w at the given level. Unknown levels map to info.
func New(w io.Writer, lvl string) *zap.SugaredLogger {
	if w == nil {
		w = os.Stderr
	}
	return newSugared(w, zap.NewAtomicLevelAt(parseLevel(lvl)))
}

// NewJSON returns a logger emitting one JSON object per line.
func NewJSON(w io.Writer, lvl string) *zap.SugaredLogger {
	if w == nil {
		w = os.Stderr
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(w),
		zap.NewAtomicLevelAt(parseLevel(lvl)),
	)
	return zap.New(core).Sugar()
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return zap.NewNop().Sugar()
}

// SetLevel changes the level of Default. Valid levels are debug, info, warn and error.
func SetLevel(lvl string) {
	level.SetLevel(parseLevel(lvl))
}

func parseLevel(lvl string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
