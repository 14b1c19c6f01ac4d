// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build !windows

package transport

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	eventloop "github.com/joeycumines/go-uasc/loop"
)

// Start implements eventloop.EventSource: it records the owning Loop and
// allocates the shared receive buffer. Listen/connect sockets are opened
// on demand via OpenConnection, not at Start time - the Manager itself
// has no fixed address until an operator calls OpenConnection.
func (m *Manager) Start(l *eventloop.Loop) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loop = l
	if m.recvBuf == nil {
		m.recvBuf = make([]byte, m.opts.recvBufSize)
	}
	m.state = eventloop.SourceStarted
	return nil
}

// Stop begins an asynchronous shutdown: every open connection (listener
// or accepted/dialed) is closed via the same deferred-close path used by
// CloseConnection, fanned out concurrently with errgroup since each is
// an independent syscall against a distinct fd (§4.4, §9 "coordinated
// goroutine shutdown"). Stop returns once the closes are scheduled; the
// Loop polls State() for SourceStopped once the delayed callbacks drain.
func (m *Manager) Stop(l *eventloop.Loop) error {
	m.mu.Lock()
	m.state = eventloop.SourceStopping
	ids := make([]uint64, 0, len(m.conns))
	for id, c := range m.conns {
		if c.state == ConnEstablished || c.state == ConnOpening {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return m.CloseConnection(id)
		})
	}
	_ = g.Wait()

	l.AddDelayedCallback(m.checkStopped)
	return nil
}

// checkStopped flips the Manager to SourceStopped once every connection
// has fully closed, re-enqueuing itself otherwise. Runs on the loop
// goroutine via AddDelayedCallback.
func (m *Manager) checkStopped() {
	m.mu.Lock()
	done := len(m.conns) == 0
	if done {
		m.state = eventloop.SourceStopped
	}
	loop := m.loop
	m.mu.Unlock()

	if !done && loop != nil {
		loop.AddDelayedCallback(m.checkStopped)
	}
}

// OpenConnection resolves params and either registers listen sockets
// (Listen=true) or begins a non-blocking active connect (Listen=false),
// per §4.4. It returns a connection id that groups every listen socket
// opened for a multi-address listen call for bookkeeping purposes
// (individual listen sockets are tracked internally; the id returned
// here corresponds to the first one, with the rest sharing the same
// application/context/callback wiring).
func (m *Manager) OpenConnection(params OpenParams, application, ctx any, cb Callback) (uint64, error) {
	m.mu.Lock()
	loop := m.loop
	m.mu.Unlock()
	if loop == nil {
		return 0, ErrManagerNotStarted
	}
	if params.Port == 0 {
		return 0, ErrPortRequired
	}

	if params.Listen {
		return m.openListen(params, application, ctx, cb)
	}
	return m.openActive(params, application, ctx, cb)
}

func (m *Manager) openListen(params OpenParams, application, ctx any, cb Callback) (uint64, error) {
	addrs := params.Address
	if len(addrs) == 0 {
		addrs = []string{""}
	}

	var firstID uint64
	for _, addr := range addrs {
		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
		if err != nil {
			return 0, fmt.Errorf("transport: socket: %w", err)
		}
		if params.Reuse {
			_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		}
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

		ip, err := resolveIPv4(addr)
		if err != nil {
			_ = unix.Close(fd)
			return 0, err
		}
		sa := &unix.SockaddrInet4{Port: int(params.Port)}
		copy(sa.Addr[:], ip)
		if err := unix.Bind(fd, sa); err != nil {
			_ = unix.Close(fd)
			return 0, fmt.Errorf("transport: bind: %w", err)
		}
		if params.Validate {
			_ = unix.Close(fd)
			continue
		}
		if err := unix.Listen(fd, ListenBacklog); err != nil {
			_ = unix.Close(fd)
			return 0, fmt.Errorf("transport: listen: %w", err)
		}

		m.mu.Lock()
		id := m.allocID()
		c := &connection{
			id:            id,
			fd:            fd,
			isListener:    true,
			state:         ConnEstablished,
			application:   application,
			context:       ctx,
			callback:      cb,
			listenAddress: addr,
			listenPort:    params.Port,
			openedAt:      time.Now(),
		}
		m.conns[id] = c
		loop := m.loop
		m.mu.Unlock()

		if err := loop.RegisterFD(fd, eventloop.EventRead, func(eventloop.IOEvents) {
			m.acceptLoop(id)
		}); err != nil {
			m.mu.Lock()
			delete(m.conns, id)
			m.mu.Unlock()
			_ = unix.Close(fd)
			return 0, err
		}

		if firstID == 0 {
			firstID = id
		}
		if cb != nil {
			cb(m, id, application, ctx, ConnEstablished, map[string]any{
				"listen-address": addr,
				"listen-port":    params.Port,
			}, nil)
		}
	}
	if firstID == 0 {
		return 0, nil // Validate: every address bound and was released
	}
	return firstID, nil
}

// acceptLoop runs on an EventRead callback for a listen socket,
// per §4.4's "Accept loop: on IN event, accept; configure the new
// socket; register it for IN; notify ESTABLISHED with remote-address".
func (m *Manager) acceptLoop(listenID uint64) {
	m.mu.Lock()
	listener, ok := m.conns[listenID]
	maxConns := m.opts.maxConnections
	loop := m.loop
	m.mu.Unlock()
	if !ok {
		return
	}

	for {
		nfd, sa, err := unix.Accept(listener.fd)
		if err != nil {
			return // EAGAIN or transient error: nothing more to accept right now
		}
		_ = unix.SetNonblock(nfd, true)
		_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

		remote := formatSockaddr(sa)

		m.mu.Lock()
		id := m.allocID()
		c := &connection{
			id:            id,
			fd:            nfd,
			state:         ConnEstablished,
			application:   listener.application,
			context:       listener.context,
			callback:      listener.callback,
			remoteAddress: remote,
			openedAt:      time.Now(),
		}
		m.conns[id] = c
		m.established++
		overLimit := maxConns > 0 && m.established >= maxConns
		if overLimit {
			m.watermark = true
		}
		m.recordIngress()
		m.mu.Unlock()

		if err := loop.RegisterFD(nfd, eventloop.EventRead, func(eventloop.IOEvents) {
			m.readable(id)
		}); err != nil {
			m.mu.Lock()
			delete(m.conns, id)
			m.mu.Unlock()
			_ = unix.Close(nfd)
			continue
		}

		if c.callback != nil {
			c.callback(m, id, c.application, c.context, ConnEstablished, map[string]any{
				"remote-address": remote,
			}, nil)
		}

		if overLimit {
			m.pauseListeners()
		}
	}
}

// openActive begins a non-blocking active connect, per §4.4's
// "Active path": resolve, non-blocking connect, register for OUT.
func (m *Manager) openActive(params OpenParams, application, ctx any, cb Callback) (uint64, error) {
	if len(params.Address) == 0 {
		return 0, ErrPortRequired
	}
	ip, err := resolveIPv4(params.Address[0])
	if err != nil {
		return 0, err
	}
	if params.Validate {
		return 0, nil
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return 0, fmt.Errorf("transport: socket: %w", err)
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	sa := &unix.SockaddrInet4{Port: int(params.Port)}
	copy(sa.Addr[:], ip)

	pending := false
	if err := unix.Connect(fd, sa); err != nil {
		if err == unix.EINPROGRESS {
			pending = true
		} else {
			_ = unix.Close(fd)
			return 0, fmt.Errorf("transport: connect: %w", err)
		}
	}

	m.mu.Lock()
	id := m.allocID()
	c := &connection{
		id:             id,
		fd:             fd,
		state:          ConnOpening,
		application:    application,
		context:        ctx,
		callback:       cb,
		remoteAddress:  net.JoinHostPort(params.Address[0], strconv.Itoa(int(params.Port))),
		pendingConnect: pending,
		openedAt:       time.Now(),
	}
	m.conns[id] = c
	loop := m.loop
	m.mu.Unlock()

	if !pending {
		return m.completeActive(id, loop)
	}

	if err := loop.RegisterFD(fd, eventloop.EventWrite, func(eventloop.IOEvents) {
		m.connectComplete(id)
	}); err != nil {
		m.mu.Lock()
		delete(m.conns, id)
		m.mu.Unlock()
		_ = unix.Close(fd)
		return 0, err
	}
	if cb != nil {
		cb(m, id, application, ctx, ConnOpening, nil, nil)
	}
	return id, nil
}

// connectComplete handles the OUT-readiness event that resolves a
// pending non-blocking connect, per §4.4: "On OUT: read SO_ERROR; if
// zero, signal ESTABLISHED and flip the listen mask to IN; otherwise
// shutdown."
func (m *Manager) connectComplete(id uint64) {
	m.mu.Lock()
	c, ok := m.conns[id]
	loop := m.loop
	m.mu.Unlock()
	if !ok {
		return
	}

	errno, serr := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if serr != nil || errno != 0 {
		m.shutdown(id)
		return
	}

	if err := loop.ModifyFD(c.fd, eventloop.EventRead); err != nil {
		m.shutdown(id)
		return
	}

	m.mu.Lock()
	c.state = ConnEstablished
	c.pendingConnect = false
	m.established++
	m.recordIngress()
	m.mu.Unlock()

	if c.callback != nil {
		c.callback(m, id, c.application, c.context, ConnEstablished, map[string]any{
			"remote-address": c.remoteAddress,
		}, nil)
	}
}

// completeActive handles a connect() that succeeded synchronously
// (uncommon for a non-blocking socket but possible for loopback).
func (m *Manager) completeActive(id uint64, loop *eventloop.Loop) (uint64, error) {
	m.mu.Lock()
	c := m.conns[id]
	c.state = ConnEstablished
	m.established++
	m.recordIngress()
	m.mu.Unlock()

	if err := loop.RegisterFD(c.fd, eventloop.EventRead, func(eventloop.IOEvents) {
		m.readable(id)
	}); err != nil {
		return 0, err
	}
	if c.callback != nil {
		c.callback(m, id, c.application, c.context, ConnEstablished, map[string]any{
			"remote-address": c.remoteAddress,
		}, nil)
	}
	return id, nil
}

// readable is the EventRead callback for an established connection,
// per §4.4's "Receive" paragraph: the shared recv buffer is filled with
// a non-blocking read and delivered to the callback as-is.
func (m *Manager) readable(id uint64) {
	m.mu.Lock()
	c, ok := m.conns[id]
	buf := m.recvBuf
	m.mu.Unlock()
	if !ok || c.state != ConnEstablished {
		return
	}

	for {
		n, err := unix.Read(c.fd, buf)
		if n > 0 {
			m.mu.Lock()
			c.rxBytes += int64(n)
			m.mu.Unlock()
			if c.callback != nil {
				c.callback(m, id, c.application, c.context, ConnEstablished, nil, buf[:n])
			}
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			if err == unix.EINTR {
				continue
			}
			m.shutdown(id)
			return
		}
		if n == 0 {
			m.shutdown(id)
			return
		}
		if n < len(buf) {
			return
		}
	}
}

// SendWithConnection implements the blocking send loop with short-poll
// retries on EINTR/EAGAIN described in §4.4; on an unrecoverable error
// the connection is shut down and ErrSendFailed returned.
func (m *Manager) SendWithConnection(id uint64, buf []byte) error {
	m.mu.Lock()
	c, ok := m.conns[id]
	m.mu.Unlock()
	if !ok {
		return ErrConnectionNotFound
	}
	if c.state != ConnEstablished {
		return ErrConnectionClosing
	}

	const maxRetries = 1000
	for len(buf) > 0 {
		n, err := unix.Write(c.fd, buf)
		if n > 0 {
			m.mu.Lock()
			c.txBytes += int64(n)
			m.mu.Unlock()
			buf = buf[n:]
			continue
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			retried := 0
			for err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				retried++
				if retried > maxRetries {
					m.shutdown(id)
					return ErrSendFailed
				}
				time.Sleep(time.Millisecond)
				n, err = unix.Write(c.fd, buf)
				if n > 0 {
					m.mu.Lock()
					c.txBytes += int64(n)
					m.mu.Unlock()
					buf = buf[n:]
					break
				}
			}
			continue
		}
		if err != nil {
			m.shutdown(id)
			return fmt.Errorf("%w: %v", ErrSendFailed, err)
		}
	}
	return nil
}

// CloseConnection requests an asynchronous close, per §4.4: the
// connection is placed in Closing immediately and the app notified; the
// actual fd teardown happens on the next loop tick.
func (m *Manager) CloseConnection(id uint64) error {
	return m.shutdown(id)
}

// shutdown is the single entry point for every close path (peer EOF,
// send failure, connect failure, explicit CloseConnection): it is always
// asynchronous (§4.4, §7 "Transport errors downgrade the channel to
// CLOSING via a delayed callback").
func (m *Manager) shutdown(id uint64) error {
	m.mu.Lock()
	c, ok := m.conns[id]
	if !ok || c.state == ConnClosing || c.state == ConnClosed {
		m.mu.Unlock()
		if !ok {
			return ErrConnectionNotFound
		}
		return nil
	}
	c.state = ConnClosing
	loop := m.loop
	m.mu.Unlock()

	if c.callback != nil {
		c.callback(m, id, c.application, c.context, ConnClosing, nil, nil)
	}

	if loop != nil {
		loop.AddDelayedCallback(func() { m.finishClose(id) })
	} else {
		m.finishClose(id)
	}
	return nil
}

// finishClose deregisters the fd, closes the socket, notifies the
// application with Closed plus byte-counter stats, and forgets the
// connection - then, if the Manager was at its max-connections
// watermark, attempts to reopen paused listen sockets (§4.4, DESIGN.md
// Open Question 4: reopening is triggered by the close of any
// registered connection while the watermark is active).
func (m *Manager) finishClose(id uint64) {
	m.mu.Lock()
	c, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	loop := m.loop
	m.mu.Unlock()

	if loop != nil {
		_ = loop.UnregisterFD(c.fd)
	}
	_ = unix.Close(c.fd)
	c.closedAt = time.Now()

	m.mu.Lock()
	if !c.isListener && !c.pendingConnect {
		m.established--
	}
	delete(m.conns, id)
	wasWatermarked := m.watermark
	m.recordIngress()
	m.mu.Unlock()

	if c.callback != nil {
		c.callback(m, id, c.application, c.context, ConnClosed, statsParams(c), nil)
	}

	if wasWatermarked {
		m.tryReopenListeners()
	}
}

// pauseListeners deregisters every listen socket's fd from the poller
// (keeping the socket itself open but idle) once the max-connections
// watermark is hit, per §4.4/§5.
func (m *Manager) pauseListeners() {
	m.mu.Lock()
	loop := m.loop
	var toPause []*connection
	for _, c := range m.conns {
		if c.isListener && !c.paused {
			toPause = append(toPause, c)
		}
	}
	m.mu.Unlock()

	for _, c := range toPause {
		if loop != nil {
			_ = loop.UnregisterFD(c.fd)
		}
		m.mu.Lock()
		c.paused = true
		m.mu.Unlock()
	}
}

// tryReopenListeners re-registers any paused listen sockets once the
// established-connection count has dropped back below the watermark.
func (m *Manager) tryReopenListeners() {
	m.mu.Lock()
	maxConns := m.opts.maxConnections
	belowWatermark := maxConns == 0 || m.established < maxConns
	loop := m.loop
	var toResume []*connection
	if belowWatermark {
		for _, c := range m.conns {
			if c.isListener && c.paused {
				toResume = append(toResume, c)
			}
		}
	}
	m.mu.Unlock()

	if !belowWatermark || loop == nil {
		return
	}

	for _, c := range toResume {
		id := c.id
		if err := loop.RegisterFD(c.fd, eventloop.EventRead, func(eventloop.IOEvents) {
			m.acceptLoop(id)
		}); err != nil {
			continue
		}
		m.mu.Lock()
		c.paused = false
		allResumed := true
		for _, other := range m.conns {
			if other.isListener && other.paused {
				allResumed = false
				break
			}
		}
		if allResumed {
			m.watermark = false
		}
		m.mu.Unlock()
	}
}

// resolveIPv4 resolves addr (empty meaning "all interfaces", i.e.
// 0.0.0.0) to a 4-byte IPv4 address, per §4.4's listen-path resolution
// step. IPv6 listen/dial is out of scope for this core (the endpoint URL
// grammar of §6.3 allows bracketed IPv6 hosts, parsed by the channel
// layer's dialer, but the socket path here is IPv4-only, matching the
// reference implementation's default POSIX build).
func resolveIPv4(addr string) ([4]byte, error) {
	var out [4]byte
	if addr == "" {
		return out, nil // 0.0.0.0
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		ips, err := net.LookupIP(addr)
		if err != nil || len(ips) == 0 {
			return out, fmt.Errorf("transport: resolve %q: %w", addr, err)
		}
		ip = ips[0]
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return out, fmt.Errorf("transport: %q is not an IPv4 address", addr)
	}
	copy(out[:], ip4)
	return out, nil
}

func formatSockaddr(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IP(a.Addr[:])
		return net.JoinHostPort(ip.String(), strconv.Itoa(a.Port))
	default:
		return ""
	}
}
