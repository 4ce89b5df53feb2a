package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger struct {
	s *zap.SugaredLogger
}

// New returns a human-readable console logger on stderr.
func New() *Logger {
	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeLevel = zapcore.CapitalLevelEncoder
	enc.EncodeTime = zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05")
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(enc),
		zapcore.AddSync(os.Stderr),
		zap.InfoLevel,
	)
	return &Logger{s: zap.New(core).Sugar()}
}

// NewJSON returns a structured JSON logger for machine consumption.
func NewJSON() (*Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{s: z.Sugar()}, nil
}

// Nop discards everything. Used by tests.
func Nop() *Logger { return &Logger{s: zap.NewNop().Sugar()} }

func (l *Logger) Infof(format string, args ...any) {
	l.s.Infof(format, args...)
}
func (l *Logger) Warnf(format string, args ...any) {
	l.s.Warnf(format, args...)
}
func (l *Logger) Errorf(format string, args ...any) {
	l.s.Errorf(format, args...)
}
func (l *Logger) Debugf(format string, args ...any) {
	l.s.Debugf(format, args...)
}

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{s: l.s.With(kv...)}
}

func (l *Logger) Sync() { _ = l.s.Sync() }
