package main

import (
	"go.uber.org/zap"

	"github.com/paykit/engine/internal/domain/ports"
)

// zapAdapter bridges the engine's logging port onto zap.
type zapAdapter struct {
	logger *zap.Logger
}

func newZapAdapter(logger *zap.Logger) ports.Logger {
	return &zapAdapter{logger: logger}
}

func toZapFields(fields []ports.Field) []zap.Field {
	out := make([]zap.Field, len(fields))
	for i, f := range fields {
		if err, ok := f.Value.(error); ok {
			out[i] = zap.NamedError(f.Key, err)
			continue
		}
		out[i] = zap.Any(f.Key, f.Value)
	}
	return out
}

func (l *zapAdapter) Info(msg string, fields ...ports.Field) {
	l.logger.Info(msg, toZapFields(fields)...)
}

func (l *zapAdapter) Error(msg string, fields ...ports.Field) {
	l.logger.Error(msg, toZapFields(fields)...)
}

func (l *zapAdapter) Warn(msg string, fields ...ports.Field) {
	l.logger.Warn(msg, toZapFields(fields)...)
}

func (l *zapAdapter) Debug(msg string, fields ...ports.Field) {
	l.logger.Debug(msg, toZapFields(fields)...)
}
