// Package telemetry provides the logging, metrics, and tracing hooks shared
// by the scheduler, queues, and ready tables. It follows the teacher's
// client.Logger/StructuredLogger/Tracer/Span/MetricHook split: every
// scheduler-side package accepts these interfaces through its Config and is
// nil-safe when none is supplied.
package telemetry

import "go.uber.org/zap"

// Logger provides unstructured debug logging.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// ZapLogger adapts *zap.SugaredLogger to Logger and *zap.Logger to
// StructuredLogger behind one type, the way production callers wire logging
// in the teacher's examples.
type ZapLogger struct {
	sugar *zap.SugaredLogger
	base  *zap.Logger
}

// NewZapLogger wraps base, deriving a sugared logger for the unstructured path.
func NewZapLogger(base *zap.Logger) *ZapLogger {
	if base == nil {
		return nil
	}
	return &ZapLogger{sugar: base.Sugar(), base: base}
}

// Debugf implements Logger.
func (z *ZapLogger) Debugf(format string, args ...any) {
	if z == nil || z.sugar == nil {
		return
	}
	z.sugar.Debugf(format, args...)
}

// Debugw implements StructuredLogger.
func (z *ZapLogger) Debugw(msg string, keyvals ...any) {
	if z == nil || z.base == nil {
		return
	}
	z.sugar.Debugw(msg, keyvals...)
}
