package auth

import "go.uber.org/zap"

// Logger is the minimal leveled logging surface the package emits to.
// *zap.SugaredLogger satisfies it directly.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// NewLogger builds the default zap-backed Logger: production config with a
// development fallback.
func NewLogger() Logger {
	logger, err := zap.NewProduction()
	if err != nil {
		if logger, err = zap.NewDevelopment(); err != nil {
			logger = zap.NewNop()
		}
	}
	return logger.Sugar()
}

// NopLogger discards all log output.
type NopLogger struct{}

func (NopLogger) Debugf(string, ...interface{}) {}
func (NopLogger) Infof(string, ...interface{})  {}
func (NopLogger) Warnf(string, ...interface{})  {}
func (NopLogger) Errorf(string, ...interface{}) {}
