// Package log provides the structured logger threaded through every
// long-lived component of the validator. It mirrors the call shape the
// teacher codebase threads through its CA, SA, and RA as `blog.Logger`:
// components take a Logger at construction time and never reach for a
// package-level global.
package log

import (
	"fmt"
	"io"
	"log/syslog"
	"os"
	"sync"
	"time"
)

// Level is a log priority, ordered the same way syslog.Priority is.
type Level int

const (
	LevelErr Level = iota
	LevelWarning
	LevelInfo
	LevelDebug
)

func (l Level) String() string {
	switch l {
	case LevelErr:
		return "ERR"
	case LevelWarning:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "???"
	}
}

// Logger is the interface every validator component depends on. It is
// safe for concurrent use: the validation driver, RTR listener, and every
// per-client session task may log through the same Logger concurrently.
type Logger interface {
	Debug(msg string)
	Debugf(format string, args ...interface{})
	Info(msg string)
	Infof(format string, args ...interface{})
	Warning(msg string)
	Warningf(format string, args ...interface{})
	Err(msg string)
	Errf(format string, args ...interface{})
	// AuditErr records an error that should survive in durable audit
	// output even when stdout logging is below Err level.
	AuditErr(msg string)
}

// impl is the concrete Logger, fanning writes out to stdout (gated by a
// configured level) and, optionally, syslog (every message, ungated) —
// the same two-sink shape as the teacher's StatsAndLogging wiring.
type impl struct {
	mu          sync.Mutex
	stdout      io.Writer
	stdoutLevel Level
	syslogger   *syslog.Writer
	clock       func() time.Time
}

// New constructs a Logger writing to stdout at stdoutLevel. If syslogger
// is non-nil, every message (regardless of stdoutLevel) is also sent
// there, matching the teacher's dual syslog+stdout sink.
func New(syslogger *syslog.Writer, stdoutLevel Level) Logger {
	return &impl{
		stdout:      os.Stdout,
		stdoutLevel: stdoutLevel,
		syslogger:   syslogger,
		clock:       time.Now,
	}
}

func (l *impl) log(level Level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level <= l.stdoutLevel {
		fmt.Fprintf(l.stdout, "%s %s %s\n", l.clock().UTC().Format(time.RFC3339), level, msg)
	}
	if l.syslogger != nil {
		switch level {
		case LevelErr:
			_ = l.syslogger.Err(msg)
		case LevelWarning:
			_ = l.syslogger.Warning(msg)
		case LevelInfo:
			_ = l.syslogger.Info(msg)
		case LevelDebug:
			_ = l.syslogger.Debug(msg)
		}
	}
}

func (l *impl) Debug(msg string) { l.log(LevelDebug, msg) }
func (l *impl) Debugf(format string, args ...interface{}) {
	l.log(LevelDebug, fmt.Sprintf(format, args...))
}
func (l *impl) Info(msg string) { l.log(LevelInfo, msg) }
func (l *impl) Infof(format string, args ...interface{}) {
	l.log(LevelInfo, fmt.Sprintf(format, args...))
}
func (l *impl) Warning(msg string) { l.log(LevelWarning, msg) }
func (l *impl) Warningf(format string, args ...interface{}) {
	l.log(LevelWarning, fmt.Sprintf(format, args...))
}
func (l *impl) Err(msg string) { l.log(LevelErr, msg) }
func (l *impl) Errf(format string, args ...interface{}) {
	l.log(LevelErr, fmt.Sprintf(format, args...))
}
func (l *impl) AuditErr(msg string) {
	l.log(LevelErr, "AUDIT: "+msg)
}

// NewMock returns a Logger that discards everything; useful for tests
// that only care about return values, not log output.
func NewMock() Logger {
	return &impl{stdout: io.Discard, stdoutLevel: LevelErr}
}
