package logging

import "fmt"

// Logger is the logging facade injected into every component
type Logger interface {
	LogLevelf(level int, format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

const (
	LevelDebug = iota
	LevelInfo
	LevelWarn
	LevelError
)

// LogFuncs holds the backend functions a Logger forwards to
type LogFuncs struct {
	Debugf func(format string, args ...interface{})
	Infof  func(format string, args ...interface{})
	Warnf  func(format string, args ...interface{})
	Errorf func(format string, args ...interface{})
}

type logger struct {
	prefix string
	funcs  LogFuncs
}

// NewLogger creates a logger that prepends prefix to every message
func NewLogger(prefix string, funcs LogFuncs) Logger {
	return &logger{prefix: prefix, funcs: funcs}
}

// WithPrefix derives a logger for a sub-component
func WithPrefix(parent Logger, prefix string) Logger {
	return &logger{
		prefix: prefix,
		funcs: LogFuncs{
			Debugf: parent.Debugf,
			Infof:  parent.Infof,
			Warnf:  parent.Warnf,
			Errorf: parent.Errorf,
		},
	}
}

func (l *logger) LogLevelf(level int, format string, args ...interface{}) {
	switch level {
	case LevelDebug:
		l.Debugf(format, args...)
	case LevelInfo:
		l.Infof(format, args...)
	case LevelWarn:
		l.Warnf(format, args...)
	default:
		l.Errorf(format, args...)
	}
}

func (l *logger) Debugf(format string, args ...interface{}) {
	l.emit(l.funcs.Debugf, format, args...)
}

func (l *logger) Infof(format string, args ...interface{}) {
	l.emit(l.funcs.Infof, format, args...)
}

func (l *logger) Warnf(format string, args ...interface{}) {
	l.emit(l.funcs.Warnf, format, args...)
}

func (l *logger) Errorf(format string, args ...interface{}) {
	l.emit(l.funcs.Errorf, format, args...)
}

func (l *logger) emit(fn func(string, ...interface{}), format string, args ...interface{}) {
	if fn == nil {
		return
	}
	if l.prefix == "" {
		fn(format, args...)
		return
	}
	fn("%s", l.prefix+fmt.Sprintf(format, args...))
}

type nopLogger struct{}

// NewNopLogger returns a logger that discards everything
func NewNopLogger() Logger { return nopLogger{} }

func (nopLogger) LogLevelf(level int, format string, args ...interface{}) {}
func (nopLogger) Debugf(format string, args ...interface{})               {}
func (nopLogger) Infof(format string, args ...interface{})                {}
func (nopLogger) Warnf(format string, args ...interface{})                {}
func (nopLogger) Errorf(format string, args ...interface{})               {}
