package recovery

import (
	"sync"
	"time"
)

// Status is the externally visible recovery state, served by the status
// endpoint.
type Status struct {
	InProgress  bool       `json:"inProgress"`
	LastAttempt *time.Time `json:"lastAttempt,omitempty"`
}

// State guards single-flight recovery within the process. It is owned by
// the scanner and shared by reference with whoever needs to query it; it
// is not persisted and does not coordinate across instances.
type State struct {
	mu          sync.Mutex
	inProgress  bool
	lastAttempt time.Time
}

func NewState() *State {
	return &State{}
}

// TryBegin claims the scan slot. It refuses when a scan is already running
// or when the previous attempt is newer than the cooldown and the caller
// did not force.
func (s *State) TryBegin(now time.Time, cooldown time.Duration, force bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inProgress {
		return false
	}
	if !force && !s.lastAttempt.IsZero() && now.Sub(s.lastAttempt) < cooldown {
		return false
	}

	s.inProgress = true
	return true
}

// End releases the scan slot and records the attempt time, regardless of
// scan outcome.
func (s *State) End(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inProgress = false
	s.lastAttempt = now
}

func (s *State) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{InProgress: s.inProgress}
	if !s.lastAttempt.IsZero() {
		t := s.lastAttempt
		status.LastAttempt = &t
	}
	return status
}
