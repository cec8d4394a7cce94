package localmap

import (
	"sync"

	"go.viam.com/localmap/mapgraph"
)

// controlState holds every control-plane flag the loop and its collaborators coordinate through:
// accept/stop/notStop/abort/reset/finish. A single mutex backs all of them, acquired after the
// InputQueue's own lock whenever a caller (System.InsertKeyFrame) needs both, matching the fixed
// acquisition order required (input-queue before stop, stop before finish) without
// needing five separate mutexes to keep in order.
type controlState struct {
	mu sync.Mutex

	acceptKeyFrames bool

	stopRequested bool
	stopped       bool
	notStop       bool
	abortBA       bool

	resetRequested     bool
	resetActiveMap     bool
	resetActiveMapOnly *mapgraph.Map

	finishRequested bool
	finished        bool
}

func newControlState() *controlState {
	return &controlState{acceptKeyFrames: true}
}

// AcceptKeyFrames reports whether the loop is currently willing to take new keyframes; the
// tracker polls this to decide whether to throttle.
func (s *controlState) AcceptKeyFrames() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acceptKeyFrames
}

func (s *controlState) setAcceptKeyFrames(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acceptKeyFrames = v
}

// RequestStop asks the loop to enter the stopped state at its next safe point, and raises
// abortBA so any in-flight optimization returns early.
func (s *controlState) RequestStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopRequested = true
	s.abortBA = true
}

// tryStop transitions to the stopped state if a stop was requested and not vetoed by notStop,
// reporting whether the loop is now stopped.
func (s *controlState) tryStop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopRequested && !s.notStop {
		s.stopped = true
		return true
	}
	return false
}

// IsStopped reports whether the loop is currently in the stopped state.
func (s *controlState) IsStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// StopRequested reports whether a stop is pending, regardless of whether it has taken effect.
func (s *controlState) StopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopRequested
}

// Release clears the stopped/stop-requested flags so the loop resumes processing.
func (s *controlState) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = false
	s.stopRequested = false
}

// SetNotStop vetoes (v true) or lifts the veto on (v false) a pending stop. It reports false,
// leaving the flag unchanged, when asked to veto while the loop is already stopped.
func (s *controlState) SetNotStop(v bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v && s.stopped {
		return false
	}
	s.notStop = v
	return true
}

// InterruptBA raises abortBA without requesting a stop, for the tracker to cooperatively cancel
// a long-running bundle adjustment when it has new work.
func (s *controlState) InterruptBA() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abortBA = true
}

// AbortBA reports, without clearing, the abort flag the optimizer polls between outer
// iterations; clearAbortBA lowers it. It is
// typically passed to collaborators as a closure, e.g. `func() bool { return state.AbortBA() }`.
func (s *controlState) AbortBA() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortBA
}

func (s *controlState) clearAbortBA() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abortBA = false
}

// RequestReset asks the loop to clear all active maps' queues and state at its next safe point.
func (s *controlState) RequestReset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetRequested = true
}

// RequestResetActiveMap asks the loop to reset only the given map (leaving other atlas maps
// untouched).
func (s *controlState) RequestResetActiveMap(m *mapgraph.Map) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetActiveMap = true
	s.resetActiveMapOnly = m
}

// consumeResetRequests atomically reads and clears any pending reset request.
func (s *controlState) consumeResetRequests() (full bool, activeMapOnly *mapgraph.Map) {
	s.mu.Lock()
	defer s.mu.Unlock()
	full = s.resetRequested
	if s.resetActiveMap {
		activeMapOnly = s.resetActiveMapOnly
	}
	s.resetRequested = false
	s.resetActiveMap = false
	s.resetActiveMapOnly = nil
	return full, activeMapOnly
}

// RequestFinish is a one-shot latch asking the loop to exit after its current iteration.
func (s *controlState) RequestFinish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishRequested = true
}

func (s *controlState) checkFinish() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishRequested
}

func (s *controlState) setFinished() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
	s.stopped = true
}

// IsFinished reports whether the loop has exited.
func (s *controlState) IsFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}
