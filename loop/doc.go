// Package eventloop provides a single-threaded, cooperative event loop for
// driving OPC UA SecureChannel traffic: timers, cross-thread delayed
// callbacks, and cross-platform file descriptor polling.
//
// # Architecture
//
// The loop is built around a [Loop] core with a fixed FRESH -> STARTED ->
// STOPPING -> STOPPED lifecycle (see [LoopState]). Each call to [Loop.Run]
// advances the loop by one or more ticks; each tick processes due timers
// (a [container/heap]-ordered min-heap, see [TimerPolicy]), drains the
// [DelayedQueue] of one-shot cross-thread callbacks, then polls registered
// file descriptors for readiness, dispatching their callbacks inline.
//
// The [transport] package's TCP ConnectionManager and the [channel]
// package's SecureChannel token-rotation timer are both built as
// consumers of this loop: the ConnectionManager registers listen and
// connection sockets as an [EventSource], and SecureChannel schedules its
// proactive token revolve via [Loop.AddTimer].
//
// # Platform Support
//
// I/O polling is implemented using platform-native mechanisms:
//   - Linux: epoll
//   - Darwin: kqueue
//   - Windows: IOCP (I/O Completion Ports)
//
// File descriptor operations ([Loop.RegisterFD], [Loop.UnregisterFD],
// [Loop.ModifyFD]) share one [FastPoller] surface on every platform. On
// Linux and Darwin, readiness is dispatched to the registered callbacks;
// the Windows poller returns from its wait on a completion but does not
// invoke any registered callback.
//
// # Thread Safety
//
// The loop's timers, event sources, and FD callbacks are only ever
// touched from the loop goroutine. The cross-thread entry points are:
//   - [Loop.AddDelayedCallback]: safe from any goroutine (lock-free MPSC)
//   - [Loop.Cancel]: safe from any goroutine, including signal handlers
//   - [Loop.State]: safe from any goroutine (atomic read)
//
// [Loop.RemoveDelayedCallback], [Loop.AddTimer], [Loop.ModifyTimer], and
// [Loop.RemoveTimer] must be called from the loop goroutine (typically
// from within a callback already running on it).
//
// # Execution Model
//
// Per tick, work runs in this fixed order:
//  1. Due timers, earliest deadline first
//  2. Delayed callbacks, FIFO within a producer
//  3. Ready file descriptor callbacks, dispatched during the poll step
//
// A panicking callback is recovered and logged; it does not abort the
// tick or crash the loop goroutine.
//
// # Usage
//
//	loop, err := eventloop.New(eventloop.WithMetrics(true))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := loop.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer loop.Close()
//
//	loop.AddDelayedCallback(func() {
//	    fmt.Println("runs on the next tick")
//	})
//
//	if err := loop.Run(-1); err != nil {
//	    log.Fatal(err)
//	}
//
// # Error Types
//
// Sentinel errors (see errors.go) report lifecycle misuse
// ([ErrLoopAlreadyRunning], [ErrLoopStopped], [ErrLoopNotStarted],
// [ErrReentrantRun]), unknown ids ([ErrTimerNotFound],
// [ErrDelayedCallbackNotFound]), duplicate or missing event sources
// ([ErrEventSourceAlreadyRegistered], [ErrEventSourceNotRegistered]), and
// FD/poller exhaustion ([ErrFDLimitExceeded], [ErrPollerClosed]). All
// implement the standard [error] interface and are suitable for
// [errors.Is] comparison.
package eventloop
