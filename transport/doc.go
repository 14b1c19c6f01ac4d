// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package transport implements the TCP ConnectionManager of spec §4.4: an
// EventSource (see [github.com/joeycumines/go-uasc/loop]) exposing
// listen/accept and active-connect sockets to the channel package as
// opaque connection ids, with a shared per-Manager receive buffer,
// asynchronous close, and a max-connections watermark that pauses and
// later reopens listen sockets.
//
// # Architecture
//
// [Manager] registers non-blocking sockets with the eventloop's poller
// (epoll/kqueue) directly via golang.org/x/sys/unix, mirroring the
// registration style the loop package itself uses for its wakeup fd. A
// listen socket's readability fires an accept loop; an active socket's
// writability (during connect) or readability (once established) fires
// the connection's callback with whatever bytes were read - reassembly
// into SecureChannel messages is the caller's responsibility (§4.4: "the
// callback is responsible for re-assembly (it is the SecureChannel)").
//
// # Close semantics
//
// Every close, whether peer-initiated or locally requested, is
// asynchronous: state flips to Closing and the actual
// deregister/close/free happens on the next loop tick via
// Loop.AddDelayedCallback, so a callback invocation never observes its
// own connection's fd mid-teardown (§4.4, §5). A watermark pause closes
// nothing: it deregisters the listen sockets from the poller and keeps
// them open until a connection closes below the watermark.
package transport
