package syncguard

import "log/slog"

// Logger is the structured logging contract the engine, handle, and
// admin tooling emit into. Fields are alternating key/value pairs; the
// keys this package logs are "key", "lock_id", "fence", "storage_key",
// "source", and "error", plus the fence audit's "total", "invalid",
// "near_overflow", "old_value", and "new_value".
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// NoOpLogger discards everything. It is the default when no logger is
// injected, so lock operations never pay for logging the caller didn't
// ask for.
type NoOpLogger struct{}

func (*NoOpLogger) Debug(string, ...interface{}) {}
func (*NoOpLogger) Info(string, ...interface{})  {}
func (*NoOpLogger) Warn(string, ...interface{})  {}
func (*NoOpLogger) Error(string, ...interface{}) {}

// SlogLogger adapts the standard library's log/slog to the Logger
// interface. It is the zero-dependency fallback; production deployments
// typically inject ZapLogger instead. The package's key/value field
// convention matches slog's, so pairs pass through unmodified.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger wraps an slog.Logger. A nil logger selects slog.Default.
func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLogger{logger: logger}
}

func (l *SlogLogger) Debug(msg string, fields ...interface{}) { l.logger.Debug(msg, fields...) }
func (l *SlogLogger) Info(msg string, fields ...interface{})  { l.logger.Info(msg, fields...) }
func (l *SlogLogger) Warn(msg string, fields ...interface{})  { l.logger.Warn(msg, fields...) }
func (l *SlogLogger) Error(msg string, fields ...interface{}) { l.logger.Error(msg, fields...) }
