package persistence

// Logger defines the logging interface used by the persistence core.
// This allows the core to use any logger that implements these methods;
// *logging.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// orNoop returns l, or a no-op logger when l is nil.
func orNoop(l Logger) Logger {
	if l == nil {
		return noopLogger{}
	}
	return l
}
