package mcpadapt

import "github.com/grll/mcpadapt/auth"

// Logger is the leveled logging surface shared across the module. It is
// the auth package's Logger; *zap.SugaredLogger satisfies it directly.
type Logger = auth.Logger

// NopLogger discards all log output.
type NopLogger = auth.NopLogger

// NewLogger builds the default zap-backed Logger.
func NewLogger() Logger {
	return auth.NewLogger()
}
