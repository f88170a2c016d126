package imaging

import (
	"io"
	"sync/atomic"
)

// liveObjects counts native objects currently tracked by open scopes.
// Leak tests assert it returns to zero after a batch of alignment calls.
var liveObjects atomic.Int64

// LiveObjects returns the number of tracked native objects not yet
// released.
func LiveObjects() int64 {
	return liveObjects.Load()
}

// Scope collects native resources (Mats, descriptor matrices, detector
// handles) created during one alignment or refinement call and releases
// all of them in one deferred Close. Every function that allocates
// intermediate native objects opens a Scope first, so release is
// guaranteed on success, expected-failure and panic paths alike.
type Scope struct {
	closers []io.Closer
	closed  bool
}

// NewScope creates an empty scope. Callers must `defer sc.Close()`
// immediately.
func NewScope() *Scope {
	return &Scope{}
}

// Track registers a native resource for release when the scope closes.
// Returns the closer unchanged for inline use.
func (s *Scope) Track(c io.Closer) io.Closer {
	if s.closed {
		// A closed scope cannot guarantee release; free immediately.
		c.Close()
		return c
	}
	s.closers = append(s.closers, c)
	liveObjects.Add(1)
	return c
}

// Close releases all tracked resources in reverse acquisition order.
// Safe to call more than once.
func (s *Scope) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		liveObjects.Add(-1)
	}
	s.closers = nil
	return firstErr
}

// Detach removes a resource from the scope without closing it, handing
// ownership to the caller. Used for results that outlive the call.
func (s *Scope) Detach(c io.Closer) {
	for i, tracked := range s.closers {
		if tracked == c {
			s.closers = append(s.closers[:i], s.closers[i+1:]...)
			liveObjects.Add(-1)
			return
		}
	}
}
