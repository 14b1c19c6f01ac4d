// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventloop

import (
	"runtime"
	"sync/atomic"
)

// delayedNode is one link in the DelayedQueue's singly-linked list.
type delayedNode struct {
	next atomic.Pointer[delayedNode]
	id   uint64
	fn   func()
}

// DelayedQueue is a lock-free multi-producer, single-consumer FIFO of
// one-shot callbacks, the cross-thread hand-off mechanism for
// AddDelayedCallback. Producers (any goroutine) append by CAS'ing the
// tail pointer; the loop goroutine is the sole consumer and drains the
// whole queue at once by swapping in a fresh sentinel node ("checkout"),
// so producers racing the drain never block and never lose an entry.
//
// This mirrors the CAS-retry, Release/Acquire atomics idiom of
// MicrotaskRing, applied to an unbounded linked-list MPSC shape rather
// than a fixed ring, since the queue here has no natural upper bound
// (delayed callbacks accumulate between loop iterations) and the spec
// requires removal-by-id, which a ring buffer cannot do in place.
type DelayedQueue struct {
	head  atomic.Pointer[delayedNode] // stable sentinel, never nil after New
	tail  atomic.Pointer[delayedNode] // most recently linked node
	idGen atomic.Uint64
}

// NewDelayedQueue creates an empty DelayedQueue.
func NewDelayedQueue() *DelayedQueue {
	sentinel := &delayedNode{}
	q := &DelayedQueue{}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)
	return q
}

// Push enqueues fn, returning an id that can later be passed to Remove.
// Safe to call from any goroutine.
func (q *DelayedQueue) Push(fn func()) uint64 {
	id := q.idGen.Add(1)
	n := &delayedNode{id: id, fn: fn}
	prev := q.tail.Swap(n)
	// The node is linked into the list only after it is fully populated
	// (Release semantics via the subsequent Store), so a consumer that
	// observes prev.next != nil always sees a fully-formed node.
	prev.next.Store(n)
	return id
}

// drain checks out every node currently linked and returns them in
// enqueue order, leaving the queue empty. Must only be called from the
// loop goroutine (the single consumer).
func (q *DelayedQueue) drain() []*delayedNode {
	oldHead := q.head.Load()
	newSentinel := &delayedNode{}
	oldTail := q.tail.Swap(newSentinel)
	if oldTail == oldHead {
		// Nothing was ever linked past the sentinel.
		q.head.Store(newSentinel)
		return nil
	}
	// A producer that swapped itself in as tail just before us may still
	// be writing its predecessor's next link. Spin briefly: the producer
	// performs that single atomic Store right after its own swap, so this
	// is bounded, not an unbounded wait.
	var out []*delayedNode
	cur := oldHead
	for cur != oldTail {
		next := cur.next.Load()
		for next == nil {
			runtime.Gosched()
			next = cur.next.Load()
		}
		out = append(out, next)
		cur = next
	}
	q.head.Store(newSentinel)
	return out
}

// DrainAndRun pops every callback currently enqueued and invokes each in
// FIFO order (within a producer; cross-producer order reflects tail
// acquisition order). Must only be called from the loop goroutine.
func (q *DelayedQueue) DrainAndRun(exec func(fn func())) int {
	nodes := q.drain()
	for _, node := range nodes {
		exec(node.fn)
	}
	return len(nodes)
}

// Remove cancels a previously Push'ed callback by id, provided it has
// not yet been drained. It checks out the whole queue and re-enqueues
// every entry except the matching one, per the spec's documented
// remove-while-iterating strategy (§4.2). Must only be called from the
// loop goroutine (it races with DrainAndRun otherwise). Returns false if
// id was not found (already run, already removed, or unknown).
func (q *DelayedQueue) Remove(id uint64) bool {
	nodes := q.drain()
	found := false
	for _, node := range nodes {
		if node.id == id {
			found = true
			continue
		}
		node.next.Store(nil)
		prev := q.tail.Swap(node)
		prev.next.Store(node)
	}
	return found
}

// IsEmpty reports whether the queue currently has no linked nodes. Racy
// by nature against concurrent Push; intended only as a hint (e.g. to
// decide whether the next I/O wait should use a zero timeout).
func (q *DelayedQueue) IsEmpty() bool {
	return q.head.Load() == q.tail.Load()
}
