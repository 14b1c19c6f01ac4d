// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventloop

import (
	"errors"
	"testing"
	"time"
)

func TestNew_StartsInStateFresh(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if l.State() != StateFresh {
		t.Fatalf("want StateFresh, got %v", l.State())
	}
}

func TestRun_BeforeStartReturnsErrLoopNotStarted(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Run(0); !errors.Is(err, ErrLoopNotStarted) {
		t.Fatalf("want ErrLoopNotStarted, got %v", err)
	}
}

func TestStart_SecondCallFailsUntilStopped(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	if err := l.Start(); !errors.Is(err, ErrLoopAlreadyRunning) {
		t.Fatalf("want ErrLoopAlreadyRunning, got %v", err)
	}

	if err := l.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := l.Run(-1); err != nil {
		t.Fatal(err)
	}
	if l.State() != StateStopped {
		t.Fatalf("want StateStopped after Stop drains, got %v", l.State())
	}

	if err := l.Start(); err != nil {
		t.Fatalf("restart after stop should succeed, got %v", err)
	}
}

func TestRun_ZeroTimeoutRunsExactlyOneTick(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	defer l.Run(-1) // drain after Stop below, ignoring result

	var ticks int
	if _, err := l.AddTimer(time.Millisecond, CurrentTime, func() { ticks++ }); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	if err := l.Run(0); err != nil {
		t.Fatal(err)
	}
	if ticks != 1 {
		t.Fatalf("want exactly one timer fire from a single tick, got %d", ticks)
	}

	_ = l.Stop()
}

func TestAddTimer_RejectsNonPositiveInterval(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.AddTimer(0, CurrentTime, func() {}); !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("want ErrInvalidInterval, got %v", err)
	}
}

func TestRemoveTimer_UnknownIDFails(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if err := l.RemoveTimer(999); !errors.Is(err, ErrTimerNotFound) {
		t.Fatalf("want ErrTimerNotFound, got %v", err)
	}
}

func TestAddDelayedCallback_RunsOnNextTick(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	l.AddDelayedCallback(func() { close(done) })

	if err := l.Run(0); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	default:
		t.Fatal("delayed callback did not run within the first tick")
	}

	_ = l.Stop()
	_ = l.Run(-1)
}

func TestRun_ReentrantCallIsRejected(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}

	var nestedErr error
	l.AddDelayedCallback(func() {
		nestedErr = l.Run(0)
	})
	if err := l.Run(0); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(nestedErr, ErrReentrantRun) {
		t.Fatalf("want ErrReentrantRun from a callback calling Run, got %v", nestedErr)
	}

	_ = l.Stop()
	_ = l.Run(-1)
}

// fakeSource is a minimal EventSource used to verify Stop/idle bookkeeping
// without any real file descriptor.
type fakeSource struct {
	state    SourceState
	stopErr  error
	startErr error
}

func (f *fakeSource) Start(l *Loop) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.state = SourceStarted
	return nil
}

func (f *fakeSource) Stop(l *Loop) error {
	if f.stopErr != nil {
		return f.stopErr
	}
	f.state = SourceStopped
	return nil
}

func (f *fakeSource) State() SourceState { return f.state }

func TestRegisterEventSource_DuplicateNameFails(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if err := l.RegisterEventSource("fake", &fakeSource{}); err != nil {
		t.Fatal(err)
	}
	if err := l.RegisterEventSource("fake", &fakeSource{}); !errors.Is(err, ErrEventSourceAlreadyRegistered) {
		t.Fatalf("want ErrEventSourceAlreadyRegistered, got %v", err)
	}
}

func TestStop_WaitsForEventSourcesToReportStopped(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}

	src := &fakeSource{}
	if err := l.RegisterEventSource("fake", src); err != nil {
		t.Fatal(err)
	}
	if src.State() != SourceStarted {
		t.Fatalf("want SourceStarted after registration, got %v", src.State())
	}

	if err := l.Stop(); err != nil {
		t.Fatal(err)
	}
	if src.State() != SourceStopped {
		t.Fatalf("want Stop() to synchronously ask the source to stop, got %v", src.State())
	}

	if err := l.Run(-1); err != nil {
		t.Fatal(err)
	}
	if l.State() != StateStopped {
		t.Fatalf("want StateStopped once the only source reports SourceStopped, got %v", l.State())
	}
}

func TestMetrics_NilWhenDisabled(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if l.Metrics() != nil {
		t.Fatal("want nil Metrics when WithMetrics was not passed to New")
	}
}

func TestMetrics_TickRecordsLatencyAndInternalQueueDepth(t *testing.T) {
	l, err := New(WithMetrics(true))
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}

	l.AddDelayedCallback(func() {})
	l.AddDelayedCallback(func() {})
	if err := l.Run(0); err != nil {
		t.Fatal(err)
	}

	m := l.Metrics()
	if m == nil {
		t.Fatal("want non-nil Metrics when WithMetrics(true) was passed to New")
	}
	if m.Latency.Sample() == 0 {
		t.Fatal("want at least one recorded tick latency sample")
	}
	if m.Queue.InternalCurrent != 2 {
		t.Fatalf("want InternalCurrent 2 after draining two delayed callbacks, got %d", m.Queue.InternalCurrent)
	}

	_ = l.Stop()
	_ = l.Run(-1)
}

func TestDeregisterEventSource_StopsAndForgetsSource(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatal(err)
	}
	src := &fakeSource{}
	if err := l.RegisterEventSource("fake", src); err != nil {
		t.Fatal(err)
	}
	if err := l.DeregisterEventSource("fake"); err != nil {
		t.Fatal(err)
	}
	if src.State() != SourceStopped {
		t.Fatalf("want source stopped on deregistration, got %v", src.State())
	}
	if err := l.DeregisterEventSource("fake"); err == nil {
		t.Fatal("want error deregistering an unknown name")
	}
}
