// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package main

import (
	"os"

	eventloop "github.com/joeycumines/go-uasc/loop"
	"github.com/rs/zerolog"
)

// zerologLogger adapts a github.com/rs/zerolog.Logger to the loop
// package's Logger facade, the alternative backend selected by
// --log-backend zerolog.
type zerologLogger struct {
	logger zerolog.Logger
}

func newZerologLogger(level zerolog.Level) *zerologLogger {
	return &zerologLogger{
		logger: zerolog.New(os.Stderr).With().Timestamp().Logger().Level(level),
	}
}

func (z *zerologLogger) IsEnabled(level eventloop.LogLevel) bool {
	return toZerologLevel(level) >= z.logger.GetLevel()
}

func (z *zerologLogger) Log(entry eventloop.LogEntry) {
	ev := z.logger.WithLevel(toZerologLevel(entry.Level))
	if entry.Category != "" {
		ev = ev.Str("category", entry.Category)
	}
	if entry.LoopID != 0 {
		ev = ev.Int64("loop", entry.LoopID)
	}
	if entry.TaskID != 0 {
		ev = ev.Int64("task", entry.TaskID)
	}
	if entry.TimerID != 0 {
		ev = ev.Int64("timer", entry.TimerID)
	}
	for k, v := range entry.Context {
		ev = ev.Interface(k, v)
	}
	if entry.Err != nil {
		ev = ev.Err(entry.Err)
	}
	ev.Msg(entry.Message)
}

func toZerologLevel(level eventloop.LogLevel) zerolog.Level {
	switch level {
	case eventloop.LevelDebug:
		return zerolog.DebugLevel
	case eventloop.LevelInfo:
		return zerolog.InfoLevel
	case eventloop.LevelWarn:
		return zerolog.WarnLevel
	case eventloop.LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func parseZerologLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
