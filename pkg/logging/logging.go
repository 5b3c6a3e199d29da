package logging

import "fmt"

// Log levels understood by LogLevelf
const (
	LogLevelDebug = 0
	LogLevelInfo  = 1
	LogLevelWarn  = 2
	LogLevelError = 3
)

// Logger is the printf-style logger threaded through the orchestrator packages
type Logger interface {
	LogLevelf(level int, format string, args ...interface{})
	Debugf(msg string, args ...interface{})
	Infof(msg string, args ...interface{})
	Warnf(msg string, args ...interface{})
	Errorf(msg string, args ...interface{})
}

type LogLevelFunc func(level int, format string, args ...interface{})
type LogFunc func(format string, args ...interface{})

// LogFuncs are the sinks of a Logger. LogLevelf wins when set; otherwise the
// per-level funcs are used and a missing one drops the message.
type LogFuncs struct {
	LogLevelf LogLevelFunc
	Debugf    LogFunc
	Infof     LogFunc
	Warnf     LogFunc
	Errorf    LogFunc
}

func (f LogFuncs) forLevel(level int) LogFunc {
	switch level {
	case LogLevelDebug:
		return f.Debugf
	case LogLevelInfo:
		return f.Infof
	case LogLevelWarn:
		return f.Warnf
	case LogLevelError:
		return f.Errorf
	}
	return nil
}

type prefixLogger struct {
	prefix string
	funcs  LogFuncs
}

func NewLogger(prefix string, funcs LogFuncs) Logger {
	return &prefixLogger{
		prefix: prefix,
		funcs:  funcs,
	}
}

func (l *prefixLogger) LogLevelf(level int, format string, args ...interface{}) {
	format = l.prefix + format
	if l.funcs.LogLevelf != nil {
		l.funcs.LogLevelf(level, format, args...)
		return
	}
	if fn := l.funcs.forLevel(level); fn != nil {
		fn(format, args...)
	}
}

func (l *prefixLogger) Debugf(msg string, args ...interface{}) {
	l.LogLevelf(LogLevelDebug, msg, args...)
}

func (l *prefixLogger) Infof(msg string, args ...interface{}) {
	l.LogLevelf(LogLevelInfo, msg, args...)
}

func (l *prefixLogger) Warnf(msg string, args ...interface{}) {
	l.LogLevelf(LogLevelWarn, msg, args...)
}

func (l *prefixLogger) Errorf(msg string, args ...interface{}) {
	l.LogLevelf(LogLevelError, msg, args...)
}

// WithPrefix derives a component logger, e.g. WithPrefix(logger, "unit: "+id+" , ")
func WithPrefix(parent Logger, prefix string) Logger {
	return NewLogger(prefix, LogFuncs{LogLevelf: parent.LogLevelf})
}

// ForComponent is WithPrefix with the "<component>: <id> , " convention
func ForComponent(parent Logger, component, id string) Logger {
	return WithPrefix(parent, fmt.Sprintf("%s: %s , ", component, id))
}
