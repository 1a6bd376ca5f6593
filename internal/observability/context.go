package observability

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// contextKey namespaces values this package stores on a context so they
// don't collide with keys other packages might use.
type contextKey string

const requestIDKey contextKey = "request_id"

// WithRequestID attaches requestID to ctx so downstream spans (C3, C6) can
// tag themselves with the request that triggered them without threading an
// extra parameter through every call.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID returns the request ID stored by WithRequestID, or "" if
// none was set.
func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// GenerateRequestID generates a unique request ID (§4.8's AuditRecord.requestId).
func GenerateRequestID() string {
	return uuid.New().String()
}

// PerformanceLogger wraps a logger to add duration fields to log lines,
// used by the Gateway façade (C9) to report how long Generate/Embed took
// without every call site computing and formatting its own duration.
type PerformanceLogger struct {
	logger Logger
}

// NewPerformanceLogger creates a new performance logger
func NewPerformanceLogger(logger Logger) *PerformanceLogger {
	return &PerformanceLogger{
		logger: logger,
	}
}

// LogWithDuration logs a message with duration metrics
func (l *PerformanceLogger) LogWithDuration(level LogLevel, msg string, duration time.Duration, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}

	fields["duration_ms"] = duration.Milliseconds()
	fields["duration_us"] = duration.Microseconds()

	switch level {
	case LogLevelDebug:
		l.logger.Debug(msg, fields)
	case LogLevelInfo:
		l.logger.Info(msg, fields)
	case LogLevelWarn:
		l.logger.Warn(msg, fields)
	case LogLevelError:
		l.logger.Error(msg, fields)
	case LogLevelFatal:
		l.logger.Fatal(msg, fields)
	}
}

// StartTimer returns a function that logs the duration when called
func (l *PerformanceLogger) StartTimer(msg string, level LogLevel) func(fields map[string]interface{}) {
	start := time.Now()
	return func(fields map[string]interface{}) {
		duration := time.Since(start)
		l.LogWithDuration(level, msg, duration, fields)
	}
}

// Delegate all standard logging methods to the wrapped logger
func (l *PerformanceLogger) Debug(msg string, fields map[string]interface{}) {
	l.logger.Debug(msg, fields)
}

func (l *PerformanceLogger) Info(msg string, fields map[string]interface{}) {
	l.logger.Info(msg, fields)
}

func (l *PerformanceLogger) Warn(msg string, fields map[string]interface{}) {
	l.logger.Warn(msg, fields)
}

func (l *PerformanceLogger) Error(msg string, fields map[string]interface{}) {
	l.logger.Error(msg, fields)
}

func (l *PerformanceLogger) Fatal(msg string, fields map[string]interface{}) {
	l.logger.Fatal(msg, fields)
}

func (l *PerformanceLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

func (l *PerformanceLogger) Infof(format string, args ...interface{}) {
	l.logger.Infof(format, args...)
}

func (l *PerformanceLogger) Warnf(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

func (l *PerformanceLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}

func (l *PerformanceLogger) Fatalf(format string, args ...interface{}) {
	l.logger.Fatalf(format, args...)
}

func (l *PerformanceLogger) WithPrefix(prefix string) Logger {
	return &PerformanceLogger{
		logger: l.logger.WithPrefix(prefix),
	}
}

func (l *PerformanceLogger) With(fields map[string]interface{}) Logger {
	return &PerformanceLogger{
		logger: l.logger.With(fields),
	}
}
