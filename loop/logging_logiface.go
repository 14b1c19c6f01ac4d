// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventloop

import (
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// LogifaceLogger adapts a github.com/joeycumines/logiface Logger, backed by
// stumpy's JSON encoder by default, to this package's Logger interface. It
// is the production logging backend: DefaultLogger/WriterLogger exist for
// zero-dependency use and tests, but an operator wiring this loop into a
// real process should use NewLogifaceLogger.
type LogifaceLogger struct {
	logger *logiface.Logger[*stumpy.Event]
}

// NewLogifaceLogger builds a LogifaceLogger writing newline-delimited JSON
// via stumpy. Pass logiface.Option[*stumpy.Event] values (e.g.
// stumpy.L.WithWriter) to customize the destination or field names; with no
// options, stumpy.WithStumpy defaults apply (writes to os.Stderr).
func NewLogifaceLogger(opts ...logiface.Option[*stumpy.Event]) *LogifaceLogger {
	allOpts := make([]logiface.Option[*stumpy.Event], 0, len(opts)+1)
	allOpts = append(allOpts, stumpy.L.WithStumpy())
	allOpts = append(allOpts, opts...)
	return &LogifaceLogger{logger: stumpy.L.New(allOpts...)}
}

// IsEnabled reports whether the underlying logiface Logger would emit at level.
func (l *LogifaceLogger) IsEnabled(level LogLevel) bool {
	return l.logger.Level() >= toLogifaceLevel(level)
}

// Log translates entry into a logiface builder call and emits it.
func (l *LogifaceLogger) Log(entry LogEntry) {
	b := l.logger.Build(toLogifaceLevel(entry.Level))
	if b == nil || !b.Enabled() {
		b.Release()
		return
	}
	if entry.Category != "" {
		b = b.Str("category", entry.Category)
	}
	if entry.LoopID != 0 {
		b = b.Int64("loop", entry.LoopID)
	}
	if entry.TaskID != 0 {
		b = b.Int64("task", entry.TaskID)
	}
	if entry.TimerID != 0 {
		b = b.Int64("timer", entry.TimerID)
	}
	for k, v := range entry.Context {
		b = b.Any(k, v)
	}
	if entry.Err != nil {
		b = b.Err(entry.Err)
	}
	b.Log(entry.Message)
}

// toLogifaceLevel maps this package's four-level scheme onto logiface's
// syslog-derived severity scale.
func toLogifaceLevel(level LogLevel) logiface.Level {
	switch level {
	case LevelDebug:
		return logiface.LevelDebug
	case LevelInfo:
		return logiface.LevelInformational
	case LevelWarn:
		return logiface.LevelWarning
	case LevelError:
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}
