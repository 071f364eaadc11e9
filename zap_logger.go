package syncguard

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger adapts go.uber.org/zap to the Logger interface. The
// alternating key/value pairs this package logs (key, lock_id, fence,
// storage_key, source, error, ...) are converted to strongly typed zap fields:
// error values become zap.NamedError under their own key, everything
// else goes through zap.Any. Using the core zap.Logger rather than the
// sugared API keeps lock-path logging allocation-light.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger wraps an existing zap.Logger. Caller-visible call sites
// are one frame above this adapter, so the caller annotation is
// adjusted accordingly.
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	return &ZapLogger{logger: logger.WithOptions(zap.AddCallerSkip(1))}
}

// NewProductionZapLogger builds a JSON-encoded production logger with
// ISO 8601 timestamps, ready to inject via WithLogger.
func NewProductionZapLogger() (*ZapLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return NewZapLogger(logger), nil
}

// NewDevelopmentZapLogger builds a console-encoded logger for local
// development.
func NewDevelopmentZapLogger() (*ZapLogger, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return NewZapLogger(logger), nil
}

func (l *ZapLogger) Debug(msg string, fields ...interface{}) {
	l.logger.Debug(msg, zapFields(fields)...)
}

func (l *ZapLogger) Info(msg string, fields ...interface{}) {
	l.logger.Info(msg, zapFields(fields)...)
}

func (l *ZapLogger) Warn(msg string, fields ...interface{}) {
	l.logger.Warn(msg, zapFields(fields)...)
}

func (l *ZapLogger) Error(msg string, fields ...interface{}) {
	l.logger.Error(msg, zapFields(fields)...)
}

// Sync flushes any buffered log entries. Call before process exit.
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}

// zapFields converts alternating key/value pairs to zap fields. A
// dangling key or a non-string key is preserved under a placeholder
// instead of dropped, so a malformed call site still leaves a trace.
func zapFields(pairs []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, (len(pairs)+1)/2)
	for i := 0; i < len(pairs); i += 2 {
		if i+1 >= len(pairs) {
			fields = append(fields, zap.Any("dangling", pairs[i]))
			break
		}
		key, ok := pairs[i].(string)
		if !ok {
			fields = append(fields, zap.Any("badkey", pairs[i+1]))
			continue
		}
		if err, isErr := pairs[i+1].(error); isErr && err != nil {
			fields = append(fields, zap.NamedError(key, err))
			continue
		}
		fields = append(fields, zap.Any(key, pairs[i+1]))
	}
	return fields
}
