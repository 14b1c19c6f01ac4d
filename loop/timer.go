// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventloop

import (
	"container/heap"
	"time"
)

// TimerPolicy controls how a cyclic timer's next execution is computed
// after it fires (§4.3).
type TimerPolicy int

const (
	// CurrentTime reschedules as now + interval, so a late tick does not
	// cause the following tick to fire early to "catch up" phase.
	CurrentTime TimerPolicy = iota
	// BaseTime reschedules as nextExecution + k*interval for the smallest
	// k that yields a time after now, preserving the original phase. If
	// multiple intervals were missed, BaseTime skips ahead to the next
	// future slot rather than bursting missed fires.
	BaseTime
)

// timerEntry is one scheduled callback, addressable by id.
type timerEntry struct {
	id       uint64
	next     time.Time
	interval time.Duration
	policy   TimerPolicy
	callback func()
	index    int // heap index, maintained by container/heap callbacks
}

// timerHeap is a container/heap-ordered min-heap of *timerEntry, ordered
// by next execution time, extended (beyond the teacher's unaddressable
// heap) with an id->index map so ModifyTimer/RemoveTimer are O(log n)
// rather than a linear scan.
type timerHeap struct {
	entries []*timerEntry
	byID    map[uint64]*timerEntry
}

func newTimerHeap() *timerHeap {
	return &timerHeap{byID: make(map[uint64]*timerEntry)}
}

func (h *timerHeap) Len() int { return len(h.entries) }
func (h *timerHeap) Less(i, j int) bool {
	return h.entries[i].next.Before(h.entries[j].next)
}
func (h *timerHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].index = i
	h.entries[j].index = j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(h.entries)
	h.entries = append(h.entries, e)
}
func (h *timerHeap) Pop() any {
	old := h.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	h.entries = old[:n-1]
	e.index = -1
	return e
}

// add inserts a new cyclic timer under the caller-supplied id.
func (h *timerHeap) add(id uint64, firstFire time.Time, interval time.Duration, policy TimerPolicy, cb func()) {
	e := &timerEntry{id: id, next: firstFire, interval: interval, policy: policy, callback: cb}
	heap.Push(h, e)
	h.byID[id] = e
}

// modify updates an existing timer's interval/policy in place, preserving
// its id, per §4.1 ("modifyTimer preserves the id").
func (h *timerHeap) modify(id uint64, interval time.Duration, policy TimerPolicy) bool {
	e, ok := h.byID[id]
	if !ok {
		return false
	}
	e.interval = interval
	e.policy = policy
	heap.Fix(h, e.index)
	return true
}

// remove deletes a timer by id. Idempotent: removing an unknown id is a
// no-op that reports false, per §4.1 ("removeTimer is idempotent").
func (h *timerHeap) remove(id uint64) bool {
	e, ok := h.byID[id]
	if !ok {
		return false
	}
	heap.Remove(h, e.index)
	delete(h.byID, id)
	return true
}

// nextDeadline returns the earliest pending fire time, or the zero value
// with ok=false if no timers are scheduled.
func (h *timerHeap) nextDeadline() (time.Time, bool) {
	if len(h.entries) == 0 {
		return time.Time{}, false
	}
	return h.entries[0].next, true
}

// process fires every timer due at or before now, rescheduling cyclic
// timers per their policy. Invoking process never fires a timer before
// its nextExecution (Testable Property 3).
func (h *timerHeap) process(now time.Time, exec func(func())) {
	for len(h.entries) > 0 {
		e := h.entries[0]
		if e.next.After(now) {
			return
		}
		heap.Pop(h)
		// delete from the id map only if the callback doesn't immediately
		// re-add via AddTimer reusing the same counter; ids are never
		// reused by the loop's counter, so this is always safe.
		delete(h.byID, e.id)

		exec(e.callback)

		switch e.policy {
		case BaseTime:
			next := e.next.Add(e.interval)
			for !next.After(now) {
				next = next.Add(e.interval)
			}
			e.next = next
		default: // CurrentTime
			e.next = now.Add(e.interval)
		}
		heap.Push(h, e)
		h.byID[e.id] = e
	}
}
