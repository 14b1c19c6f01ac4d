// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build !windows

package transport

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	eventloop "github.com/joeycumines/go-uasc/loop"
	"github.com/stretchr/testify/require"
)

func TestConnState_String(t *testing.T) {
	require.Equal(t, "Opening", ConnOpening.String())
	require.Equal(t, "Established", ConnEstablished.String())
	require.Equal(t, "Closing", ConnClosing.String())
	require.Equal(t, "Closed", ConnClosed.String())
}

func TestManager_OpenConnectionBeforeStartFails(t *testing.T) {
	mgr := NewManager()
	_, err := mgr.OpenConnection(OpenParams{Port: 1234, Listen: true}, nil, nil, nil)
	require.ErrorIs(t, err, ErrManagerNotStarted)
}

func TestManager_OpenConnectionRequiresPort(t *testing.T) {
	loop, err := eventloop.New()
	require.NoError(t, err)
	require.NoError(t, loop.Start())

	mgr := NewManager()
	require.NoError(t, loop.RegisterEventSource("transport", mgr))

	_, err = mgr.OpenConnection(OpenParams{Listen: true}, nil, nil, nil)
	require.ErrorIs(t, err, ErrPortRequired)
}

func freeTCPPort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	_, portStr, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return uint16(port)
}

func runLoopUntil(t *testing.T, loop *eventloop.Loop, deadline time.Duration, cond func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		require.NoError(t, loop.Run(10*time.Millisecond))
		if cond() {
			return
		}
	}
	t.Fatal("condition not met before deadline")
}

// TestManager_ListenConnectSendReceive drives a full loopback TCP
// round trip through the Manager: listen, active connect, established
// notification on both sides, and one payload delivered via the shared
// receive buffer.
func TestManager_ListenConnectSendReceive(t *testing.T) {
	loop, err := eventloop.New()
	require.NoError(t, err)
	require.NoError(t, loop.Start())

	mgr := NewManager()
	require.NoError(t, loop.RegisterEventSource("transport", mgr))

	port := freeTCPPort(t)

	var mu sync.Mutex
	var serverConnID uint64
	var serverGotData []byte
	serverCB := func(mgr *Manager, connID uint64, application, ctx any, state ConnState, params map[string]any, payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		if payload != nil {
			serverGotData = append(serverGotData, payload...)
			return
		}
		if state == ConnEstablished {
			if _, isListener := params["listen-address"]; isListener {
				return
			}
			serverConnID = connID
		}
	}
	_, err = mgr.OpenConnection(OpenParams{Address: []string{"127.0.0.1"}, Port: port, Listen: true}, nil, nil, serverCB)
	require.NoError(t, err)

	var clientConnID uint64
	var clientEstablished bool
	clientCB := func(mgr *Manager, connID uint64, application, ctx any, state ConnState, params map[string]any, payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		if state == ConnEstablished {
			clientConnID = connID
			clientEstablished = true
		}
	}
	_, err = mgr.OpenConnection(OpenParams{Address: []string{"127.0.0.1"}, Port: port, Listen: false}, nil, nil, clientCB)
	require.NoError(t, err)

	runLoopUntil(t, loop, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return clientEstablished && serverConnID != 0
	})

	mu.Lock()
	sendID := clientConnID
	mu.Unlock()
	require.NoError(t, mgr.SendWithConnection(sendID, []byte("ping")))

	runLoopUntil(t, loop, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(serverGotData) == "ping"
	})

	require.NoError(t, mgr.Stop(loop))
	runLoopUntil(t, loop, 2*time.Second, func() bool {
		return mgr.State() == eventloop.SourceStopped
	})
}

// TestManager_MetricsTracksIngressAsEstablishedCount verifies that
// WithMetrics wires the Manager's established-connection count into the
// attached Metrics' ingress queue depth.
func TestManager_MetricsTracksIngressAsEstablishedCount(t *testing.T) {
	loop, err := eventloop.New(eventloop.WithMetrics(true))
	require.NoError(t, err)
	require.NoError(t, loop.Start())

	mgr := NewManager(WithMetrics(loop.Metrics()))
	require.NoError(t, loop.RegisterEventSource("transport", mgr))

	port := freeTCPPort(t)

	var mu sync.Mutex
	var serverEstablished bool
	serverCB := func(mgr *Manager, connID uint64, application, ctx any, state ConnState, params map[string]any, payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		if payload != nil {
			return
		}
		if state == ConnEstablished {
			if _, isListener := params["listen-address"]; isListener {
				return
			}
			serverEstablished = true
		}
	}
	_, err = mgr.OpenConnection(OpenParams{Address: []string{"127.0.0.1"}, Port: port, Listen: true}, nil, nil, serverCB)
	require.NoError(t, err)

	var clientEstablished bool
	clientCB := func(mgr *Manager, connID uint64, application, ctx any, state ConnState, params map[string]any, payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		if state == ConnEstablished {
			clientEstablished = true
		}
	}
	_, err = mgr.OpenConnection(OpenParams{Address: []string{"127.0.0.1"}, Port: port, Listen: false}, nil, nil, clientCB)
	require.NoError(t, err)

	runLoopUntil(t, loop, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return clientEstablished && serverEstablished
	})

	require.Equal(t, 2, loop.Metrics().Queue.IngressCurrent)
}

// TestManager_SendWithConnectionUnknownID exercises the not-found path
// without needing any socket I/O.
func TestManager_SendWithConnectionUnknownID(t *testing.T) {
	mgr := NewManager()
	err := mgr.SendWithConnection(999, []byte("x"))
	require.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestManager_CloseConnectionUnknownID(t *testing.T) {
	mgr := NewManager()
	err := mgr.CloseConnection(999)
	require.ErrorIs(t, err, ErrConnectionNotFound)
}
