// Package logging adapts zap to the shared structured-logging interface.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lumetrade/streamcore/config"
	"github.com/lumetrade/streamcore/internal/observability"
)

// ZapLogger implements observability.Logger on a zap core.
type ZapLogger struct {
	log *zap.Logger
}

// New builds a production JSON logger, or a console logger when the
// development flag is set. The returned logger is safe for concurrent use.
func New(cfg config.LoggingSettings) (*ZapLogger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zcfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return &ZapLogger{log: logger}, nil
}

// Sync flushes buffered entries. Call on shutdown.
func (l *ZapLogger) Sync() error {
	return l.log.Sync()
}

func (l *ZapLogger) Debug(msg string, fields ...observability.Field) {
	l.log.Debug(msg, convert(fields)...)
}

func (l *ZapLogger) Info(msg string, fields ...observability.Field) {
	l.log.Info(msg, convert(fields)...)
}

func (l *ZapLogger) Warn(msg string, fields ...observability.Field) {
	l.log.Warn(msg, convert(fields)...)
}

func (l *ZapLogger) Error(msg string, fields ...observability.Field) {
	l.log.Error(msg, convert(fields)...)
}

func convert(fields []observability.Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}
