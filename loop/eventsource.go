// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventloop

// SourceState is an EventSource's lifecycle state, per §2/§4.1: fresh,
// stopped, starting, started, stopping. Unlike LoopState this is plain
// data owned by the EventLoop bookkeeping the source, not an atomic
// CAS machine, since all EventSource transitions happen on the loop
// goroutine.
type SourceState int

const (
	SourceFresh SourceState = iota
	SourceStopped
	SourceStarting
	SourceStarted
	SourceStopping
)

func (s SourceState) String() string {
	switch s {
	case SourceFresh:
		return "Fresh"
	case SourceStopped:
		return "Stopped"
	case SourceStarting:
		return "Starting"
	case SourceStarted:
		return "Started"
	case SourceStopping:
		return "Stopping"
	default:
		return "Unknown"
	}
}

// EventSource is a pluggable module registered in the EventLoop (§2, §4.1).
// The TCP ConnectionManager is the primary EventSource this repository
// implements; other sources (HTTP, a bridge to another loop's timers)
// would implement the same interface.
//
// Start and Stop are invoked on the loop goroutine. Start should
// register any file descriptors it owns via the EventLoop passed to it
// and return once registration is complete (it need not block until
// fully established — e.g. a TCP listener reports SourceStarted once its
// listen sockets are registered, not once a peer connects). Stop should
// begin an asynchronous shutdown (per §4.4, closes are never inline) and
// return promptly; the EventLoop polls State() to learn when the source
// has fully reached SourceStopped.
type EventSource interface {
	// Start begins bringing the source up, registering FDs/timers with l.
	Start(l *Loop) error
	// Stop begins bringing the source down. Must not block.
	Stop(l *Loop) error
	// State reports the source's current lifecycle state.
	State() SourceState
}
