package crawlerkit

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

// Logger provides structured logging for adapter operations.
// Fields are alternating key/value pairs.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// NoOpLogger is a logger that does nothing
type NoOpLogger struct{}

func (l *NoOpLogger) Debug(msg string, fields ...interface{}) {}
func (l *NoOpLogger) Info(msg string, fields ...interface{})  {}
func (l *NoOpLogger) Warn(msg string, fields ...interface{})  {}
func (l *NoOpLogger) Error(msg string, fields ...interface{}) {}

// StdLogger writes key=value lines through the standard library log package.
// Meant for development and small scripts.
type StdLogger struct {
	out *log.Logger
}

// NewStdLogger logs to stderr with the given prefix.
func NewStdLogger(prefix string) *StdLogger {
	return NewStdLoggerTo(os.Stderr, prefix)
}

// NewStdLoggerTo logs to w with the given prefix.
func NewStdLoggerTo(w io.Writer, prefix string) *StdLogger {
	if prefix != "" && !strings.HasSuffix(prefix, " ") {
		prefix += " "
	}
	return &StdLogger{out: log.New(w, prefix, log.LstdFlags|log.Lmsgprefix)}
}

func (l *StdLogger) Debug(msg string, fields ...interface{}) {
	l.log("DEBUG", msg, fields...)
}

func (l *StdLogger) Info(msg string, fields ...interface{}) {
	l.log("INFO", msg, fields...)
}

func (l *StdLogger) Warn(msg string, fields ...interface{}) {
	l.log("WARN", msg, fields...)
}

func (l *StdLogger) Error(msg string, fields ...interface{}) {
	l.log("ERROR", msg, fields...)
}

func (l *StdLogger) log(level string, msg string, fields ...interface{}) {
	var sb strings.Builder
	sb.WriteString("[" + level + "] " + msg)
	for i := 0; i+1 < len(fields); i += 2 {
		sb.WriteString(" " + toString(fields[i]) + "=" + toString(fields[i+1]))
	}
	l.out.Print(sb.String())
}

func toString(v interface{}) string {
	if v == nil {
		return "<nil>"
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// loggerOrNoOp keeps nil loggers out of the adapters.
func loggerOrNoOp(l Logger) Logger {
	if l == nil {
		return &NoOpLogger{}
	}
	return l
}
