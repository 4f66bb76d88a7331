package fakes

import "github.com/paykit/engine/internal/domain/ports"

// Logger discards everything; tests assert behavior, not log output.
type Logger struct{}

func NewLogger() *Logger { return &Logger{} }

func (Logger) Info(msg string, fields ...ports.Field)  {}
func (Logger) Error(msg string, fields ...ports.Field) {}
func (Logger) Warn(msg string, fields ...ports.Field)  {}
func (Logger) Debug(msg string, fields ...ports.Field) {}
