package sched

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixhive/evaljobs/pkg/accessor"
)

func pathOf(names ...string) accessor.Path {
	var p accessor.Path
	for _, n := range names {
		p = p.Append(accessor.Name(n))
	}
	return p
}

func TestStateLeaseMovesPath(t *testing.T) {
	s := NewState()
	s.Add(pathOf("a"), pathOf("b"))

	todo, active := s.Depths()
	assert.Equal(t, 2, todo)
	assert.Equal(t, 0, active)

	p, ok := s.Lease()
	require.True(t, ok)
	require.NotNil(t, p)

	todo, active = s.Depths()
	assert.Equal(t, 1, todo)
	assert.Equal(t, 1, active)

	// The leased path is in exactly one set.
	s.mu.Lock()
	_, inTodo := s.todo[p.Key()]
	_, inActive := s.active[p.Key()]
	s.mu.Unlock()
	assert.False(t, inTodo)
	assert.True(t, inActive)
}

func TestStateAddDedupsAgainstActive(t *testing.T) {
	s := NewState()
	s.Add(pathOf("a"))

	p, ok := s.Lease()
	require.True(t, ok)

	// Re-adding a leased path must not create a second copy.
	s.Add(p)
	todo, active := s.Depths()
	assert.Equal(t, 0, todo)
	assert.Equal(t, 1, active)
}

func TestStateReleaseEndsRun(t *testing.T) {
	s := NewState()
	s.Add(pathOf("a"))

	p, ok := s.Lease()
	require.True(t, ok)
	s.Release(p)

	_, ok = s.Lease()
	assert.False(t, ok, "empty todo and active means the run is over")
}

func TestStateRequeue(t *testing.T) {
	s := NewState()
	s.Add(pathOf("a"))

	p, ok := s.Lease()
	require.True(t, ok)

	s.Requeue(p)
	todo, active := s.Depths()
	assert.Equal(t, 1, todo)
	assert.Equal(t, 0, active)

	p2, ok := s.Lease()
	require.True(t, ok)
	assert.Equal(t, p.Key(), p2.Key())
}

func TestStateFailWakesWaiters(t *testing.T) {
	s := NewState()
	s.Add(pathOf("a"))

	// Hold the only path so a second Lease has to wait.
	_, ok := s.Lease()
	require.True(t, ok)

	done := make(chan bool, 1)
	go func() {
		_, ok := s.Lease()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	s.Fail(errors.New("fatal"))

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by Fail")
	}

	assert.EqualError(t, s.Err(), "fatal")
}

func TestStateFailKeepsFirstError(t *testing.T) {
	s := NewState()
	s.Fail(errors.New("first"))
	s.Fail(errors.New("second"))
	assert.EqualError(t, s.Err(), "first")
}

func TestStateLeaseWaitsForChildren(t *testing.T) {
	s := NewState()
	s.Add(pathOf("parent"))

	parent, ok := s.Lease()
	require.True(t, ok)

	got := make(chan accessor.Path, 1)
	go func() {
		p, ok := s.Lease()
		if ok {
			got <- p
		}
	}()

	// Children are enqueued before the parent is released, so the waiter
	// wakes with work rather than with termination.
	s.Add(parent.Append(accessor.Name("child")))
	s.Release(parent)

	select {
	case p := <-got:
		assert.Equal(t, `["parent","child"]`, p.Key())
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not receive the child path")
	}
}

func TestStateDisjointUnderConcurrency(t *testing.T) {
	s := NewState()
	for _, n := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		s.Add(pathOf(n))
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				p, ok := s.Lease()
				if !ok {
					return
				}
				s.Release(p)
			}
		}()
	}

	// Sample the invariant while the workers churn.
	for i := 0; i < 100; i++ {
		s.mu.Lock()
		for key := range s.todo {
			_, both := s.active[key]
			assert.False(t, both, "path %s in both todo and active", key)
		}
		s.mu.Unlock()
	}

	wg.Wait()
	todo, active := s.Depths()
	assert.Zero(t, todo)
	assert.Zero(t, active)
}
