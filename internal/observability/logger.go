// Package observability defines shared logging primitives.
package observability

import "sync/atomic"

// Logger is the structured logger every component accepts. Implementations must be safe for
// concurrent use.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field is one structured key/value.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for building a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Err renders err under the "error" key.
func Err(err error) Field {
	f := Field{Key: "error"}
	if err != nil {
		f.Value = err.Error()
	}
	return f
}

var global atomic.Pointer[Logger]

// SetLogger installs the process-wide logger. nil restores the no-op logger.
func SetLogger(logger Logger) {
	if logger == nil {
		global.Store(nil)
		return
	}
	global.Store(&logger)
}

// Log returns the process-wide logger, never nil.
func Log() Logger {
	if l := global.Load(); l != nil {
		return *l
	}
	return noopLogger{}
}

// Nop returns a logger that discards everything.
func Nop() Logger { return noopLogger{} }

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}
