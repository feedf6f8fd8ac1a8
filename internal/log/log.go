// Copyright 2026 The Ridge Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the file LICENSE.

// Package log is a minimal structured, leveled logger: it carries
// context tags with github.com/cockroachdb/logtags and formats messages
// with github.com/cockroachdb/redact so that untrusted payload fields
// can be marked and stripped from logs without a bespoke redaction
// scheme.
package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/logtags"
	"github.com/cockroachdb/redact"
)

// Severity mirrors the small set of levels the driver actually emits.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "I"
	case SeverityWarning:
		return "W"
	case SeverityError:
		return "E"
	case SeverityFatal:
		return "F"
	default:
		return "?"
	}
}

// Logger writes tagged, leveled log lines. The zero value writes to
// os.Stderr; use New to attach a different sink.
type Logger struct {
	mu  sync.Mutex
	out io.Writer

	// fatalHook lets tests observe a would-be Fatalf without killing the
	// process, matching the driver's requirement that contract
	// violations be detectable rather than merely process-ending.
	fatalHook func(string)
}

// New returns a Logger writing to out. A nil out defaults to os.Stderr.
func New(out io.Writer) *Logger {
	if out == nil {
		out = os.Stderr
	}
	return &Logger{out: out}
}

// WithTag returns a context carrying an additional structured tag, for
// use with logtags.FromContext-aware formatting.
func WithTag(ctx context.Context, key string, value interface{}) context.Context {
	return logtags.AddTag(ctx, key, value)
}

func (l *Logger) emit(ctx context.Context, sev Severity, format string, args ...interface{}) {
	msg := redact.Sprintf(format, args...)
	tags := logtags.FromContext(ctx)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out == nil {
		l.out = os.Stderr
	}
	ts := time.Now().Format("2006-01-02 15:04:05.000000")
	if tags != nil {
		fmt.Fprintf(l.out, "%s%s [%s] %s\n", sev, ts, tags.String(), msg.Redact())
	} else {
		fmt.Fprintf(l.out, "%s%s %s\n", sev, ts, msg.Redact())
	}
}

// Infof logs at info level.
func (l *Logger) Infof(ctx context.Context, format string, args ...interface{}) {
	l.emit(ctx, SeverityInfo, format, args...)
}

// Warningf logs at warning level.
func (l *Logger) Warningf(ctx context.Context, format string, args ...interface{}) {
	l.emit(ctx, SeverityWarning, format, args...)
}

// Errorf logs at error level.
func (l *Logger) Errorf(ctx context.Context, format string, args ...interface{}) {
	l.emit(ctx, SeverityError, format, args...)
}

// Fatalf logs at fatal level and terminates the process, unless a test
// hook has been installed via SetFatalHookForTesting, in which case the
// formatted message is delivered to the hook instead of calling
// os.Exit. This lets driver tests assert that a contract violation was
// detected without crashing the test binary.
func (l *Logger) Fatalf(ctx context.Context, format string, args ...interface{}) {
	msg := redact.Sprintf(format, args...).Redact().StripMarkers()
	l.emit(ctx, SeverityFatal, format, args...)
	l.mu.Lock()
	hook := l.fatalHook
	l.mu.Unlock()
	if hook != nil {
		hook(msg)
		return
	}
	os.Exit(2)
}

// SetFatalHookForTesting installs f to be called in place of os.Exit
// when Fatalf is invoked. Passing nil restores default behavior.
func (l *Logger) SetFatalHookForTesting(f func(msg string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fatalHook = f
}
