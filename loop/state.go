package eventloop

import (
	"sync/atomic"
)

// LoopState represents the current state of the event loop, per the
// FRESH -> STARTED -> STOPPING -> STOPPED lifecycle.
//
// State Machine:
//
//	StateFresh (0) → StateStarted (3)        [Start()]
//	StateFresh (0) → StateStopping (4)       [Stop()]
//	StateStarted (3) → StateStopping (4)     [Stop()]
//	StateStopping (4) → StateStopped (1)     [Run(), once idle, §4.1 step 5]
//	StateStopped (1) → StateStarted (3)      [Start() restarts, §4.1]
//
// Loop never enters StateSleeping.
//
// State Transition Rules:
//   - Use TryTransition()/TransitionAny() (CAS) to enter Started and Stopping
//   - Use Store() for StateStopped
//   - Using Store(Started) directly is a bug (breaks CAS logic)
type LoopState uint64

const (
	// StateFresh indicates the loop has been created but not started.
	StateFresh LoopState = 0
	// StateStopped indicates the loop has run to completion and fully shut down.
	StateStopped LoopState = 1
	// StateSleeping is a sub-state of STARTED outside the four-state
	// lifecycle. String reports it as "Started" and IsRunning counts it as
	// running; Loop itself never stores it.
	StateSleeping LoopState = 2
	// StateStarted indicates the loop is actively processing tasks.
	StateStarted LoopState = 3
	// StateStopping indicates Stop has been requested but not completed.
	StateStopping LoopState = 4
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateFresh:
		return "Fresh"
	case StateStarted:
		return "Started"
	case StateSleeping:
		return "Started" // sleeping is an internal sub-state of Started
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// FastState is a lock-free state machine with cache-line padding.
//
// PERFORMANCE: Uses pure atomic CAS operations with no mutex.
// Cache-line padding prevents false sharing between cores.
type FastState struct { // betteralign:ignore
	_ [64]byte      // Cache line padding (before value) //nolint:unused
	v atomic.Uint64 // State value
	_ [56]byte      // Pad to complete cache line (64 - 8 = 56) //nolint:unused
}

// NewFastState creates a new state machine in the Fresh state.
func NewFastState() *FastState {
	s := &FastState{}
	s.v.Store(uint64(StateFresh))
	return s
}

// Load returns the current state atomically.
// PERFORMANCE: No validation, trusts the stored value.
func (s *FastState) Load() LoopState {
	return LoopState(s.v.Load())
}

// Store atomically stores a new state.
// PERFORMANCE: No transition validation.
func (s *FastState) Store(state LoopState) {
	s.v.Store(uint64(state))
}

// TryTransition attempts to atomically transition from one state to another.
// Returns true if the transition was successful.
// PERFORMANCE: Pure CAS, no validation of transition validity.
func (s *FastState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// TransitionAny attempts to transition from any valid source state to the target.
// Returns true if the transition was successful.
// PERFORMANCE: Uses CAS loop for any-to-target transitions.
func (s *FastState) TransitionAny(validFrom []LoopState, to LoopState) bool {
	for _, from := range validFrom {
		if s.v.CompareAndSwap(uint64(from), uint64(to)) {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the current state is Stopped.
func (s *FastState) IsTerminal() bool {
	return s.Load() == StateStopped
}

// IsRunning returns true if the loop is currently started or sleeping (i.e. started, internally).
func (s *FastState) IsRunning() bool {
	state := s.Load()
	return state == StateStarted || state == StateSleeping
}

// CanAcceptWork returns true if the loop can accept new work.
func (s *FastState) CanAcceptWork() bool {
	state := s.Load()
	return state == StateFresh || state == StateStarted || state == StateSleeping
}
