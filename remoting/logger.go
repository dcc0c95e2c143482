package remoting

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
)

// LogLevel specifies the level of spew that should go to the log.
type LogLevel int

const (
	// LogLevelUnknown is a default value for LogLevel. Its behavior is undefined.
	LogLevelUnknown LogLevel = iota
	// LogLevelPanic causes output of an error message followed by a panic.
	LogLevelPanic
	// LogLevelFatal causes output of an error message followed by os.Exit(1).
	LogLevelFatal
	// LogLevelError is for protocol and marshalling errors.
	LogLevelError
	// LogLevelWarning is for recoverable anomalies (e.g. a second remove_event).
	LogLevelWarning
	// LogLevelInfo is for connection lifecycle events.
	LogLevelInfo
	// LogLevelDebug is for per-call tracing.
	LogLevelDebug
	// LogLevelTrace is for per-byte/per-frame tracing.
	LogLevelTrace
)

var logLevelNames = [...]string{
	"unknown", "panic", "fatal", "error", "warning", "info", "debug", "trace",
}

var nameToLogLevel = func() map[string]LogLevel {
	result := make(map[string]LogLevel, len(logLevelNames))
	for i, name := range logLevelNames {
		result[name] = LogLevel(i)
	}
	return result
}()

// StringToLogLevel converts a string to a LogLevel.
func StringToLogLevel(s string) LogLevel {
	result, ok := nameToLogLevel[strings.ToLower(s)]
	if !ok {
		result = LogLevelUnknown
	}
	return result
}

func (x LogLevel) String() string {
	if x < LogLevelUnknown || x > LogLevelTrace {
		x = LogLevelUnknown
	}
	return logLevelNames[x]
}

// Logger is a leveled logging component that supports prefix-forking, so every
// long-lived remoting object (a connection, an instance manager, a dispatcher)
// can log with a prefix that names it without threading a name through every call.
type Logger interface {
	// Log outputs to the Logger iff logLevel is enabled.
	Log(logLevel LogLevel, args ...interface{})
	// Logf outputs to the Logger iff logLevel is enabled.
	Logf(logLevel LogLevel, f string, args ...interface{})

	ELogf(f string, args ...interface{})
	WLogf(f string, args ...interface{})
	ILogf(f string, args ...interface{})
	DLogf(f string, args ...interface{})
	TLogf(f string, args ...interface{})

	// Errorf returns an error whose message carries the Logger's prefix, without
	// necessarily emitting it (callers decide whether to also log it).
	Errorf(f string, args ...interface{}) error
	// ELogErrorf logs the message at LogLevelError and returns it as an error.
	ELogErrorf(f string, args ...interface{}) error

	Panicf(f string, args ...interface{})
	PanicOnError(err error)
	Fatalf(f string, args ...interface{})

	Sprintf(f string, args ...interface{}) string
	Prefix() string

	// Fork creates a new Logger with an additional prefix segment.
	Fork(prefix string, args ...interface{}) Logger

	GetLogLevel() LogLevel
	SetLogLevel(logLevel LogLevel)
}

// BasicLogger is a log output stream with a level filter and a prefix
// prepended to every record.
type BasicLogger struct {
	prefix   string
	prefixC  string
	out      *log.Logger
	logLevel LogLevel
}

const defaultLogFlags = log.Ldate | log.Ltime

// NewLogger creates a new Logger with the given prefix, emitting to os.Stderr.
func NewLogger(prefix string, logLevel LogLevel) Logger {
	prefixC := prefix
	if prefixC != "" {
		prefixC += ": "
	}
	return &BasicLogger{
		prefix:   prefix,
		prefixC:  prefixC,
		out:      log.New(os.Stderr, "", defaultLogFlags),
		logLevel: logLevel,
	}
}

func (l *BasicLogger) Log(logLevel LogLevel, args ...interface{}) {
	l.Logf(logLevel, "%s", fmt.Sprint(args...))
}

func (l *BasicLogger) Logf(logLevel LogLevel, f string, args ...interface{}) {
	if logLevel > l.logLevel && logLevel > LogLevelFatal {
		return
	}
	msg := l.Sprintf(f, args...)
	l.out.Print(msg)
	switch logLevel {
	case LogLevelFatal:
		os.Exit(1)
	case LogLevelPanic:
		panic(msg)
	}
}

func (l *BasicLogger) ELogf(f string, args ...interface{}) { l.Logf(LogLevelError, f, args...) }
func (l *BasicLogger) WLogf(f string, args ...interface{}) { l.Logf(LogLevelWarning, f, args...) }
func (l *BasicLogger) ILogf(f string, args ...interface{}) { l.Logf(LogLevelInfo, f, args...) }
func (l *BasicLogger) DLogf(f string, args ...interface{}) { l.Logf(LogLevelDebug, f, args...) }
func (l *BasicLogger) TLogf(f string, args ...interface{}) { l.Logf(LogLevelTrace, f, args...) }

func (l *BasicLogger) Panicf(f string, args ...interface{}) { l.Logf(LogLevelPanic, f, args...) }

func (l *BasicLogger) PanicOnError(err error) {
	if err != nil {
		l.Panicf("%s", err)
	}
}

func (l *BasicLogger) Fatalf(f string, args ...interface{}) { l.Logf(LogLevelFatal, f, args...) }

// Errorf returns a prefixed error without necessarily logging it.
func (l *BasicLogger) Errorf(f string, args ...interface{}) error {
	return errors.New(l.Sprintf(f, args...))
}

// ELogErrorf logs at LogLevelError and returns the same text as an error.
func (l *BasicLogger) ELogErrorf(f string, args ...interface{}) error {
	msg := l.Sprintf(f, args...)
	l.Logf(LogLevelError, "%s", msg)
	return errors.New(msg)
}

func (l *BasicLogger) Sprintf(f string, args ...interface{}) string {
	return l.prefixC + fmt.Sprintf(f, args...)
}

func (l *BasicLogger) Prefix() string { return l.prefix }

// Fork creates a new Logger that appends a formatted suffix onto this
// Logger's prefix (separated by ": "), inheriting its level and output.
func (l *BasicLogger) Fork(prefix string, args ...interface{}) Logger {
	suffix := fmt.Sprintf(prefix, args...)
	newPrefix := l.prefix
	if newPrefix != "" {
		newPrefix += ": "
	}
	newPrefix += suffix
	return &BasicLogger{
		prefix:   newPrefix,
		prefixC:  newPrefix + ": ",
		out:      l.out,
		logLevel: l.logLevel,
	}
}

func (l *BasicLogger) GetLogLevel() LogLevel        { return l.logLevel }
func (l *BasicLogger) SetLogLevel(logLevel LogLevel) { l.logLevel = logLevel }
