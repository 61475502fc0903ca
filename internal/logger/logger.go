// Package logger provides module-scoped structured loggers over zap, in the
// shape of the teacher's log.NewModuleLogger(log.<Module>): every engine
// gets its own named *Logger instead of reaching for a process-global one.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a thin alias so call sites never import zap directly.
type Logger = zap.Logger

var base *zap.Logger

func init() {
	base = newBase(false)
}

func newBase(development bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if development {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		cfg.Encoding = "console"
	}
	l, err := cfg.Build()
	if err != nil {
		// zap's production config build only fails on malformed encoder
		// config, which is a compile-time invariant here.
		panic(err)
	}
	return l
}

// SetDevelopment swaps the process-wide base encoder; call once at startup
// from cmd/financial-core before any module logger is constructed.
func SetDevelopment(on bool) {
	base = newBase(on)
}

// New returns a logger tagged with module=name, mirroring
// log.NewModuleLogger(log.StorageDatabase) in the teacher's storage package.
func New(module string) *Logger {
	return base.With(zap.String("module", module))
}
