// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventloop

import "errors"

// Sentinel errors returned by EventLoop operations. Callers should use
// errors.Is rather than comparing these values directly, since some call
// sites wrap them with additional context.
var (
	// ErrLoopAlreadyRunning is returned by Start when the loop is not FRESH or STOPPED.
	ErrLoopAlreadyRunning = errors.New("eventloop: already running")

	// ErrLoopStopped is returned by operations attempted after the loop reaches STOPPED.
	ErrLoopStopped = errors.New("eventloop: stopped")

	// ErrLoopNotStarted is returned by Run when called before the loop has been started.
	ErrLoopNotStarted = errors.New("eventloop: not started")

	// ErrReentrantRun is returned when Run is invoked from the loop's own goroutine.
	ErrReentrantRun = errors.New("eventloop: cannot call Run from within the loop")

	// ErrTimerNotFound is returned by ModifyTimer/RemoveTimer for an unknown id.
	ErrTimerNotFound = errors.New("eventloop: timer not found")

	// ErrInvalidInterval is returned by AddTimer/ModifyTimer for a non-positive interval.
	ErrInvalidInterval = errors.New("eventloop: timer interval must be positive")

	// ErrDelayedCallbackNotFound is returned by RemoveDelayedCallback for an unknown id.
	ErrDelayedCallbackNotFound = errors.New("eventloop: delayed callback not found")

	// ErrEventSourceAlreadyRegistered is returned by RegisterEventSource for a
	// source already registered with this loop.
	ErrEventSourceAlreadyRegistered = errors.New("eventloop: event source already registered")

	// ErrEventSourceNotRegistered is returned by DeregisterEventSource for a
	// source that is not currently registered.
	ErrEventSourceNotRegistered = errors.New("eventloop: event source not registered")

	// ErrFDLimitExceeded is returned by RegisterFD when the poller is at capacity.
	ErrFDLimitExceeded = errors.New("eventloop: file descriptor limit exceeded")
)
