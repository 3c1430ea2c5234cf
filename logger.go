package acksocket

import "log/slog"

// Logger is the interface for structured logging.
// It is designed to be compatible with *slog.Logger from the standard library.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// defaultLogger returns the default slog logger from the standard library.
func defaultLogger() Logger {
	return slog.Default()
}

// releaseLogged closes a resource on a failure path. A close error is
// logged and never replaces the failure that led here.
func releaseLogged(logger Logger, what string, close func() error) {
	if err := close(); err != nil {
		logger.Warn("error while releasing "+what, "error", err)
	}
}
