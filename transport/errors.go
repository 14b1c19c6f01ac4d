// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package transport

import "errors"

// Sentinel errors returned by Manager operations.
var (
	// ErrManagerNotStarted is returned by OpenConnection before the Manager
	// has been registered with an EventLoop.
	ErrManagerNotStarted = errors.New("transport: manager not started")

	// ErrPortRequired is returned by OpenConnection when Params.Port is zero,
	// or when an active connect (Listen=false) is given no Address.
	ErrPortRequired = errors.New("transport: port is required")

	// ErrConnectionNotFound is returned by SendWithConnection/CloseConnection
	// for an unknown or already-closed connection id.
	ErrConnectionNotFound = errors.New("transport: connection not found")

	// ErrConnectionClosing is returned by SendWithConnection once a
	// connection has begun its asynchronous close.
	ErrConnectionClosing = errors.New("transport: connection is closing")

	// ErrSendFailed is returned when the blocking send loop exhausts its
	// retry budget against EAGAIN, and (wrapping the OS error) on any other
	// write error. EINTR is retried without counting against the budget.
	ErrSendFailed = errors.New("transport: send failed")

	// ErrNotImplemented is returned on platforms without a socket backend
	// (see manager_windows.go).
	ErrNotImplemented = errors.New("transport: not implemented on this platform")
)
