// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build windows

package transport

import eventloop "github.com/joeycumines/go-uasc/loop"

// Start is unimplemented on Windows: the socket backend in
// manager_unix.go is built against golang.org/x/sys/unix, which does not
// target this platform. The loop package's own IOCP poller
// (loop/poller_windows.go) has no raw-socket counterpart here; wiring
// one up is tracked as future work, not exercised by any spec testable
// property.
func (m *Manager) Start(l *eventloop.Loop) error {
	m.mu.Lock()
	m.state = eventloop.SourceStopped
	m.mu.Unlock()
	return ErrNotImplemented
}

func (m *Manager) Stop(l *eventloop.Loop) error {
	return nil
}

func (m *Manager) OpenConnection(params OpenParams, application, ctx any, cb Callback) (uint64, error) {
	return 0, ErrNotImplemented
}

func (m *Manager) SendWithConnection(id uint64, buf []byte) error {
	return ErrNotImplemented
}

func (m *Manager) CloseConnection(id uint64) error {
	return ErrNotImplemented
}
