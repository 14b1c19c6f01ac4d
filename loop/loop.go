// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventloop

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Loop is a single-threaded, cooperative event loop: one goroutine drains
// due timers, runs delayed callbacks, and polls registered file
// descriptors, in that fixed order, per tick. All loop-owned state
// (timers, event sources, FD callbacks) must only be touched from the loop
// goroutine; cross-thread interaction happens exclusively through the
// thread-safe entry points documented on each method (AddDelayedCallback,
// Cancel, etc.).
type Loop struct {
	state *FastState

	opts *loopOptions

	loopGoroutine atomic.Int64 // goroutine id that called Start, for diagnostics
	inTick        atomic.Bool  // true while tick() is dispatching callbacks

	mu      sync.Mutex // guards timers; never held across a callback
	timers  *timerHeap
	timerID atomic.Uint64

	delayed *DelayedQueue

	sources   map[string]EventSource
	sourcesMu sync.Mutex

	poller FastPoller

	wakeFd      int
	wakeWriteFd int

	metrics *Metrics

	closeOnce sync.Once
}

// New constructs a Loop in StateFresh. The returned Loop owns no OS
// resources until Start is called.
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	l := &Loop{
		state:       NewFastState(),
		opts:        cfg,
		timers:      newTimerHeap(),
		delayed:     NewDelayedQueue(),
		sources:     make(map[string]EventSource),
		wakeFd:      -1,
		wakeWriteFd: -1,
	}
	if cfg.metricsEnabled {
		l.metrics = &Metrics{}
	}
	return l, nil
}

// Start transitions the loop from StateFresh (or a prior StateStopped) into
// StateStarted, initializing the poller and the cross-thread wakeup
// mechanism. Start does not block; call Run to drive ticks.
func (l *Loop) Start() error {
	if !l.state.TransitionAny([]LoopState{StateFresh, StateStopped}, StateStarted) {
		return ErrLoopAlreadyRunning
	}

	l.loopGoroutine.Store(getGoroutineID())

	if err := l.poller.Init(); err != nil {
		l.state.Store(StateStopped)
		return fmt.Errorf("eventloop: poller init: %w", err)
	}

	wakeFd, wakeWriteFd, err := createWakeFd(0, EFD_NONBLOCK|EFD_CLOEXEC)
	if err != nil {
		_ = l.poller.Close()
		l.state.Store(StateStopped)
		return fmt.Errorf("eventloop: wakeup fd: %w", err)
	}
	l.wakeFd = wakeFd
	l.wakeWriteFd = wakeWriteFd

	if l.wakeFd >= 0 {
		if err := l.poller.RegisterFD(l.wakeFd, EventRead, func(IOEvents) {
			l.drainWake()
		}); err != nil {
			_ = closeWakeFd(l.wakeFd, l.wakeWriteFd)
			_ = l.poller.Close()
			l.state.Store(StateStopped)
			return fmt.Errorf("eventloop: register wakeup fd: %w", err)
		}
	}

	l.opts.logger.Log(LogEntry{Level: LevelInfo, Category: "loop", Message: "loop started"})
	return nil
}

// Stop requests an orderly shutdown: registered event sources are asked to
// Stop (asynchronously; see EventSource), and the loop transitions through
// StateStopping to StateStopped once every source reports SourceStopped and
// the delayed-callback queue is empty. Scheduled timers do not hold off
// stopping. Stop does not block; call Run until it returns to observe
// completion, or poll State().
func (l *Loop) Stop() error {
	for {
		cur := l.state.Load()
		if cur == StateStopped || cur == StateStopping {
			return nil
		}
		if l.state.TryTransition(cur, StateStopping) {
			break
		}
	}

	l.sourcesMu.Lock()
	sources := make([]EventSource, 0, len(l.sources))
	for _, s := range l.sources {
		sources = append(sources, s)
	}
	l.sourcesMu.Unlock()

	for _, s := range sources {
		if s.State() == SourceStarted || s.State() == SourceStarting {
			if err := s.Stop(l); err != nil {
				l.opts.logger.Log(LogEntry{Level: LevelWarn, Category: "loop", Message: "event source stop failed", Err: err})
			}
		}
	}

	l.Cancel()
	return nil
}

// Cancel wakes a loop goroutine blocked in Run's poll step. Safe to call
// from any goroutine, including signal handlers (the underlying write is
// async-signal-safe on the platforms this package supports).
func (l *Loop) Cancel() {
	if l.wakeWriteFd >= 0 {
		var buf [8]byte
		buf[7] = 1
		_, _ = writeFD(l.wakeWriteFd, buf[:])
	}
}

// drainWake empties the wakeup fd/pipe so PollIO does not spin reporting
// EventRead forever after a single Cancel. Loop owns wakeFd directly
// rather than going through the platform drainWakeUpPipe stubs (those
// exist only so wakeup_*.go exposes a uniform createWakeFd/closeWakeFd
// surface across eventfd, self-pipe, and IOCP backends).
func (l *Loop) drainWake() {
	var buf [64]byte
	for {
		n, err := readFD(l.wakeFd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Run executes ticks until the loop reaches StateStopped or timeout
// elapses, whichever comes first. A zero timeout means run exactly one
// tick; a negative timeout means run until stopped. Run must not be called
// reentrantly from a callback it is itself dispatching.
func (l *Loop) Run(timeout time.Duration) error {
	if l.state.Load() == StateFresh {
		return ErrLoopNotStarted
	}
	if l.state.Load() == StateStopped {
		return ErrLoopStopped
	}
	if l.inTick.Load() {
		return ErrReentrantRun
	}

	var deadline time.Time
	if timeout >= 0 {
		deadline = l.now().Add(timeout)
	}

	for {
		if l.state.Load() == StateStopped {
			return nil
		}

		l.tick()

		if l.state.Load() == StateStopping && l.idle() {
			l.state.Store(StateStopped)
			l.opts.logger.Log(LogEntry{Level: LevelInfo, Category: "loop", Message: "loop stopped"})
			return nil
		}

		if timeout == 0 {
			return nil
		}
		if timeout > 0 && !l.now().Before(deadline) {
			return nil
		}
	}
}

// tick runs exactly one iteration of the loop's four-step algorithm:
// process due timers, drain delayed callbacks, compute the I/O wait
// budget, then poll FDs (dispatching any ready callbacks inline).
func (l *Loop) tick() {
	start := l.now()
	l.inTick.Store(true)
	defer l.inTick.Store(false)

	l.mu.Lock()
	l.timers.process(start, func(fn func()) {
		l.mu.Unlock()
		defer l.mu.Lock()
		l.safeExecute(fn)
	})
	l.mu.Unlock()

	drained := l.delayed.DrainAndRun(l.safeExecute)
	if drained > 0 {
		LogDelayedCallbacksDrained(0, drained)
	}
	if l.metrics != nil {
		l.metrics.Queue.UpdateInternal(drained)
	}

	timeoutMs := l.calculateTimeout()
	if _, err := l.poller.PollIO(timeoutMs); err != nil {
		LogPollIOError(0, err, false)
	}

	if l.metrics != nil {
		l.metrics.Latency.Record(l.now().Sub(start))
	}
}

// calculateTimeout returns the poll timeout in milliseconds: 0 if delayed
// callbacks are pending or a stop is in progress (so shutdown converges
// promptly), otherwise the time until the next timer fires, capped at one
// second so a Stop/Cancel wakeup is never starved indefinitely when no
// timers are scheduled.
func (l *Loop) calculateTimeout() int {
	if l.state.Load() == StateStopping {
		return 0
	}
	if !l.delayed.IsEmpty() {
		return 0
	}

	l.mu.Lock()
	next, ok := l.timers.nextDeadline()
	l.mu.Unlock()
	if !ok {
		return 1000
	}

	d := next.Sub(l.now())
	if d <= 0 {
		return 0
	}
	ms := d.Milliseconds()
	if ms > 1000 {
		ms = 1000
	}
	return int(ms)
}

// idle reports whether the delayed-callback queue is empty and every
// registered event source has reached SourceStopped, i.e. it is safe to
// finish stopping. Scheduled timers are not considered.
func (l *Loop) idle() bool {
	if !l.delayed.IsEmpty() {
		return false
	}

	l.sourcesMu.Lock()
	defer l.sourcesMu.Unlock()
	for _, s := range l.sources {
		if s.State() != SourceStopped {
			return false
		}
	}
	return true
}

// safeExecute recovers a panicking callback, logging it rather than
// crashing the loop goroutine. A callback that panics does not prevent
// subsequent callbacks in the same tick from running.
func (l *Loop) safeExecute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			LogTaskPanicked(0, 0, r, nil)
		}
	}()
	fn()
}

// State returns the loop's current lifecycle state.
func (l *Loop) State() LoopState {
	return l.state.Load()
}

// now returns the current wall-clock time, the sole time source consulted
// by timers and the I/O wait budget.
func (l *Loop) now() time.Time {
	return time.Now()
}

// Now returns the current time as observed by the loop.
func (l *Loop) Now() time.Time { return l.now() }

// AddTimer schedules a cyclic callback, firing first at now+interval and
// thereafter per policy (CurrentTime or BaseTime, see TimerPolicy). It
// returns an id usable with ModifyTimer/RemoveTimer. Must be called from
// the loop goroutine.
func (l *Loop) AddTimer(interval time.Duration, policy TimerPolicy, cb func()) (uint64, error) {
	if interval <= 0 {
		return 0, ErrInvalidInterval
	}
	id := l.timerID.Add(1)
	l.mu.Lock()
	l.timers.add(id, l.now().Add(interval), interval, policy, cb)
	l.mu.Unlock()
	LogTimerScheduled(0, int64(id), interval, "")
	return id, nil
}

// ModifyTimer updates interval/policy for an existing timer in place,
// preserving its id. The already scheduled next fire time is kept; the new
// interval and policy take effect when that fire reschedules the timer.
func (l *Loop) ModifyTimer(id uint64, interval time.Duration, policy TimerPolicy) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}
	l.mu.Lock()
	ok := l.timers.modify(id, interval, policy)
	l.mu.Unlock()
	if !ok {
		return ErrTimerNotFound
	}
	return nil
}

// RemoveTimer cancels a timer by id. Idempotent: removing an unknown id
// returns ErrTimerNotFound rather than panicking.
func (l *Loop) RemoveTimer(id uint64) error {
	l.mu.Lock()
	ok := l.timers.remove(id)
	l.mu.Unlock()
	if !ok {
		return ErrTimerNotFound
	}
	LogTimerCanceled(0, int64(id), 0)
	return nil
}

// AddDelayedCallback enqueues fn to run on the loop goroutine at the start
// of the next available tick, in FIFO order relative to other delayed
// callbacks from the same caller. Safe to call from any goroutine.
func (l *Loop) AddDelayedCallback(fn func()) uint64 {
	id := l.delayed.Push(fn)
	LogDelayedCallbackScheduled(0, id)
	return id
}

// RemoveDelayedCallback cancels a previously added delayed callback,
// provided it has not yet run. Must be called from the loop goroutine: it
// races with tick's drain otherwise, per DelayedQueue's single-consumer
// contract.
func (l *Loop) RemoveDelayedCallback(id uint64) error {
	if !l.delayed.Remove(id) {
		return ErrDelayedCallbackNotFound
	}
	return nil
}

// RegisterEventSource starts src (assigning it the id name) and retains it
// for lifecycle bookkeeping (Stop, idle-checking). name must be unique
// among currently-registered sources.
func (l *Loop) RegisterEventSource(name string, src EventSource) error {
	l.sourcesMu.Lock()
	if _, exists := l.sources[name]; exists {
		l.sourcesMu.Unlock()
		return ErrEventSourceAlreadyRegistered
	}
	l.sources[name] = src
	l.sourcesMu.Unlock()

	return src.Start(l)
}

// DeregisterEventSource stops src (if still running) and forgets it.
func (l *Loop) DeregisterEventSource(name string) error {
	l.sourcesMu.Lock()
	src, exists := l.sources[name]
	if !exists {
		l.sourcesMu.Unlock()
		return ErrEventSourceNotRegistered
	}
	delete(l.sources, name)
	l.sourcesMu.Unlock()

	if src.State() == SourceStarted || src.State() == SourceStarting {
		return src.Stop(l)
	}
	return nil
}

// RegisterFD registers fd for the given events, invoking cb from the loop
// goroutine whenever PollIO observes readiness. Called by event sources
// from their Start method, on the loop goroutine.
func (l *Loop) RegisterFD(fd int, events IOEvents, cb IOCallback) error {
	err := l.poller.RegisterFD(fd, events, func(ev IOEvents) {
		l.safeExecute(func() { cb(ev) })
	})
	if err == ErrFDOutOfRange {
		return ErrFDLimitExceeded
	}
	return err
}

// UnregisterFD stops monitoring fd. The caller remains responsible for
// closing fd itself, always asynchronously via AddDelayedCallback so a
// close never reenters a callback still referencing the descriptor.
func (l *Loop) UnregisterFD(fd int) error {
	return l.poller.UnregisterFD(fd)
}

// ModifyFD changes the set of events monitored for an already-registered fd.
func (l *Loop) ModifyFD(fd int, events IOEvents) error {
	return l.poller.ModifyFD(fd, events)
}

// Metrics returns the loop's live runtime statistics (not a copy), or nil
// if metrics were not enabled via WithMetrics.
func (l *Loop) Metrics() *Metrics {
	return l.metrics
}

// Close releases the loop's OS resources (poller, wakeup fd). Idempotent.
// Close does not stop a running loop; call Stop first and wait for Run to
// return StateStopped.
func (l *Loop) Close() error {
	var err error
	l.closeOnce.Do(func() {
		if l.wakeFd >= 0 {
			_ = l.poller.UnregisterFD(l.wakeFd)
		}
		err = closeWakeFd(l.wakeFd, l.wakeWriteFd)
		if pErr := l.poller.Close(); pErr != nil && err == nil {
			err = pErr
		}
	})
	return err
}

// getGoroutineID extracts the calling goroutine's id from its stack trace
// header. This is diagnostic only (Start records whichever goroutine
// happens to call it); no correctness property depends on its accuracy.
func getGoroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id int64
	for i := len("goroutine "); i < n; i++ {
		c := buf[i]
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + int64(c-'0')
	}
	return id
}
