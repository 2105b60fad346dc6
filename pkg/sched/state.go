// Package sched distributes path-identified evaluation jobs to a pool of
// worker processes.
//
// One coordinator goroutine owns one worker process at a time. Coordinators
// share a single State: the set of ready paths, the set of leased paths,
// and the first fatal error. A worker that exceeds its memory budget says
// so and is replaced; the path it was holding goes back to the ready set.
package sched

import (
	"sync"

	"github.com/nixhive/evaljobs/pkg/accessor"
)

// State is the scheduler state shared between coordinators. One mutex
// guards todo, active, and exc together; the paired condition variable
// wakes coordinators when work arrives or the run winds down. The lock is
// never held across pipe I/O.
type State struct {
	mu   sync.Mutex
	cond *sync.Cond

	todo   map[string]accessor.Path
	active map[string]accessor.Path
	exc    error
}

// NewState creates an empty scheduler state.
func NewState() *State {
	s := &State{
		todo:   map[string]accessor.Path{},
		active: map[string]accessor.Path{},
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Add inserts paths into the ready set and wakes waiting coordinators.
// Paths already leased or already queued are inserted at most once.
func (s *State) Add(paths ...accessor.Path) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range paths {
		key := p.Key()
		if _, leased := s.active[key]; leased {
			continue
		}
		s.todo[key] = p
	}
	s.cond.Broadcast()
}

// Lease blocks until a path is ready, then atomically moves it from todo to
// active. ok is false when the run is over: todo and active are both empty,
// or a fatal error has been recorded.
func (s *State) Lease() (p accessor.Path, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if (len(s.todo) == 0 && len(s.active) == 0) || s.exc != nil {
			return nil, false
		}
		for key, path := range s.todo {
			delete(s.todo, key)
			s.active[key] = path
			return path, true
		}
		// todo empty but paths are in flight elsewhere; their children may
		// still land here.
		s.cond.Wait()
	}
}

// Release erases a path from the active set and wakes waiters. Children
// discovered for the path must have been Added before Release, so that a
// path is resolved only once its children are at least enqueued.
func (s *State) Release(p accessor.Path) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, p.Key())
	s.cond.Broadcast()
}

// Requeue returns a leased path to the ready set. Used when a worker
// restarts in the middle of a response: the path is re-walked by a fresh
// worker instead of leaking in active.
func (s *State) Requeue(p accessor.Path) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := p.Key()
	delete(s.active, key)
	s.todo[key] = p
	s.cond.Broadcast()
}

// Fail records the first fatal error and wakes every coordinator. Later
// calls keep the first error.
func (s *State) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exc == nil {
		s.exc = err
	}
	s.cond.Broadcast()
}

// Err returns the recorded fatal error, if any.
func (s *State) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exc
}

// Depths reports the current todo and active set sizes.
func (s *State) Depths() (todo, active int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.todo), len(s.active)
}
